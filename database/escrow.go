package database

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/escrow"
	"github.com/crossrail-labs/crossrail/types"
)

func (db *Database) CreateEscrow(ctx context.Context, esc *models.Escrow) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := db.collection(escrowCollection).InsertOne(ctx, esc); err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (db *Database) GetEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var esc models.Escrow
	err := db.collection(escrowCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&esc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, escrow.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	return &esc, nil
}

// UpdateEscrow replaces esc only while the stored state still equals from. A
// zero match against an existing document means another writer moved the
// escrow first.
func (db *Database) UpdateEscrow(ctx context.Context, esc *models.Escrow, from types.EscrowState) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.D{{Key: "_id", Value: esc.ID}, {Key: "state", Value: from}}
	result, err := db.collection(escrowCollection).ReplaceOne(ctx, filter, esc)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if result.MatchedCount == 0 {
		ferr := db.collection(escrowCollection).FindOne(ctx, bson.D{{Key: "_id", Value: esc.ID}}).Err()
		if errors.Is(ferr, mongo.ErrNoDocuments) {
			return escrow.ErrNotFound
		}
		return escrow.ErrConflict
	}
	return nil
}

func (db *Database) ListEscrows(ctx context.Context, filter models.EscrowFilter, page, pageSize int64) (*models.PaginatedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	mongoFilter := bson.M{}
	if filter.State != "" {
		mongoFilter["state"] = filter.State
	}
	if filter.Chain != "" {
		mongoFilter["chain_id"] = filter.Chain
	}
	if filter.Party != "" {
		mongoFilter["$or"] = bson.A{
			bson.M{"buyer": filter.Party},
			bson.M{"seller": filter.Party},
			bson.M{"arbitrator": filter.Party},
		}
	}

	collection := db.collection(escrowCollection)
	totalCount, err := collection.CountDocuments(ctx, mongoFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to count escrows: %w", err)
	}

	skip := (page - 1) * pageSize
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: mongoFilter}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}}}},
		{{Key: "$skip", Value: skip}},
		{{Key: "$limit", Value: pageSize}},
	}

	cursor, err := collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	defer cursor.Close(ctx)

	var escrows []models.Escrow
	if err := cursor.All(ctx, &escrows); err != nil {
		return nil, fmt.Errorf("failed to decode escrows: %w", err)
	}

	return &models.PaginatedResult{
		Items:      escrows,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

func (db *Database) AppendEscrowEvent(ctx context.Context, event *models.EscrowEvent) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := db.collection(escrowEventCollection).InsertOne(ctx, event); err != nil {
		// the unique (escrow_id, sequence) index turns a double append into a
		// duplicate key error rather than a corrupted log
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("escrow event %s/%d already exists: %w", event.EscrowID, event.Sequence, err)
		}
		return fmt.Errorf("failed to append escrow event: %w", err)
	}
	return nil
}

func (db *Database) ListEscrowEvents(ctx context.Context, escrowID string) ([]models.EscrowEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := db.collection(escrowEventCollection).Find(ctx, bson.D{{Key: "escrow_id", Value: escrowID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []models.EscrowEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode escrow events: %w", err)
	}
	return events, nil
}
