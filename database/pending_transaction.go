package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/ledger"
	"github.com/crossrail-labs/crossrail/types"
)

func (db *Database) CreatePendingTransaction(ctx context.Context, tx *models.PendingTransaction) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := db.collection(pendingCollection).InsertOne(ctx, tx); err != nil {
		return fmt.Errorf("failed to insert pending transaction: %w", err)
	}
	return nil
}

func (db *Database) GetPendingTransaction(ctx context.Context, id string) (*models.PendingTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var tx models.PendingTransaction
	err := db.collection(pendingCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&tx)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending transaction: %w", err)
	}
	return &tx, nil
}

// SupersedePendingTransaction marks the entry superseded only while it is
// still active, so a stale replacement can never overwrite a confirmed or
// already-replaced entry.
func (db *Database) SupersedePendingTransaction(ctx context.Context, id, supersededBy string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: types.PendingActive},
	}
	update := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "status", Value: types.PendingSuperseded},
			{Key: "superseded_by", Value: supersededBy},
		},
	}}

	result, err := db.collection(pendingCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to supersede pending transaction: %w", err)
	}
	if result.MatchedCount == 0 {
		return ledger.ErrEntryNotActive
	}
	return nil
}

func (db *Database) ConfirmPendingTransactionsBelow(ctx context.Context, wallet, chainID string, nonce uint64, at time.Time) ([]models.PendingTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "wallet", Value: wallet},
		{Key: "chain_id", Value: chainID},
		{Key: "status", Value: types.PendingActive},
		{Key: "nonce", Value: bson.D{{Key: "$lt", Value: nonce}}},
	}

	cursor, err := db.collection(pendingCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find confirmable transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var confirmable []models.PendingTransaction
	if err := cursor.All(ctx, &confirmable); err != nil {
		return nil, fmt.Errorf("failed to decode confirmable transactions: %w", err)
	}
	if len(confirmable) == 0 {
		return nil, nil
	}

	update := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "status", Value: types.PendingConfirmed},
			{Key: "confirmed_at", Value: at},
		},
	}}
	if _, err := db.collection(pendingCollection).UpdateMany(ctx, filter, update); err != nil {
		return nil, fmt.Errorf("failed to confirm transactions: %w", err)
	}

	for i := range confirmable {
		confirmable[i].Status = types.PendingConfirmed
		confirmedAt := at
		confirmable[i].ConfirmedAt = &confirmedAt
	}
	return confirmable, nil
}

func (db *Database) ListActivePendingTransactions(ctx context.Context, wallet, chainID string) ([]models.PendingTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "wallet", Value: wallet},
		{Key: "chain_id", Value: chainID},
		{Key: "status", Value: types.PendingActive},
	}

	cursor, err := db.collection(pendingCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list active transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var txs []models.PendingTransaction
	if err := cursor.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode active transactions: %w", err)
	}
	return txs, nil
}

func (db *Database) GetPendingTransactions(ctx context.Context, filter models.Filter, page, pageSize int64) (*models.PaginatedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	mongoFilter := bson.M{}
	if filter.Status != "" {
		mongoFilter["status"] = filter.Status
	}
	if filter.Wallet != "" {
		mongoFilter["wallet"] = filter.Wallet
	}
	if filter.Chain != "" {
		mongoFilter["chain_id"] = filter.Chain
	}
	if filter.TxHash != "" {
		mongoFilter["tx_hash"] = filter.TxHash
	}
	if filter.Kind != "" {
		mongoFilter["kind"] = filter.Kind
	}

	collection := db.collection(pendingCollection)
	totalCount, err := collection.CountDocuments(ctx, mongoFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending transactions: %w", err)
	}

	skip := (page - 1) * pageSize
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: mongoFilter}},
		{{Key: "$sort", Value: bson.D{{Key: "submitted_at", Value: -1}}}},
		{{Key: "$skip", Value: skip}},
		{{Key: "$limit", Value: pageSize}},
	}

	cursor, err := collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var txs []models.PendingTransaction
	if err := cursor.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode pending transactions: %w", err)
	}

	return &models.PaginatedResult{
		Items:      txs,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}
