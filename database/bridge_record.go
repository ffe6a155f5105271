package database

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/crossrail-labs/crossrail/bridge"
	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/types"
)

func (db *Database) CreateBridgeRecord(ctx context.Context, rec *models.BridgeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := db.collection(bridgeCollection).InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert bridge record: %w", err)
	}
	return nil
}

func (db *Database) GetBridgeRecord(ctx context.Context, id string) (*models.BridgeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rec models.BridgeRecord
	err := db.collection(bridgeCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, bridge.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bridge record: %w", err)
	}
	return &rec, nil
}

// UpdateBridgeRecord replaces rec only while the stored state still equals
// from. A zero match against an existing document means another writer moved
// the record first.
func (db *Database) UpdateBridgeRecord(ctx context.Context, rec *models.BridgeRecord, from types.BridgeState) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.D{{Key: "_id", Value: rec.ID}, {Key: "state", Value: from}}
	result, err := db.collection(bridgeCollection).ReplaceOne(ctx, filter, rec)
	if err != nil {
		return fmt.Errorf("failed to update bridge record: %w", err)
	}
	if result.MatchedCount == 0 {
		ferr := db.collection(bridgeCollection).FindOne(ctx, bson.D{{Key: "_id", Value: rec.ID}}).Err()
		if errors.Is(ferr, mongo.ErrNoDocuments) {
			return bridge.ErrNotFound
		}
		return bridge.ErrStaleRecord
	}
	return nil
}

func (db *Database) ListBridgeRecords(ctx context.Context, filter models.BridgeFilter, page, pageSize int64) (*models.PaginatedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	mongoFilter := bson.M{}
	if filter.State != "" {
		mongoFilter["state"] = filter.State
	}
	if filter.SourceChain != "" {
		mongoFilter["source_chain"] = filter.SourceChain
	}
	if filter.DestChain != "" {
		mongoFilter["dest_chain"] = filter.DestChain
	}
	if filter.Sender != "" {
		mongoFilter["sender"] = filter.Sender
	}
	if filter.Recipient != "" {
		mongoFilter["recipient"] = filter.Recipient
	}

	collection := db.collection(bridgeCollection)
	totalCount, err := collection.CountDocuments(ctx, mongoFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to count bridge records: %w", err)
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
		return nil, fmt.Errorf("failed to list bridge records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.BridgeRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode bridge records: %w", err)
	}

	return &models.PaginatedResult{
		Items:      records,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}
