package models

import (
	"time"

	"github.com/crossrail-labs/crossrail/types"
)

// BridgeRecord is one cross-chain transfer attempt. State transitions are
// monotonic along the bridge graph; CompletedAt is set exactly when the
// record reaches a terminal state, ErrorMessage exactly when it fails.
type BridgeRecord struct {
	ID           string               `json:"id" bson:"_id"`
	SourceChain  string               `json:"source_chain" bson:"source_chain"`
	DestChain    string               `json:"dest_chain" bson:"dest_chain"`
	Asset        string               `json:"asset" bson:"asset"` // zero address = native asset
	Amount       string               `json:"amount" bson:"amount"`
	Sender       string               `json:"sender" bson:"sender"`
	Recipient    string               `json:"recipient" bson:"recipient"`
	Protocol     types.BridgeProtocol `json:"protocol" bson:"protocol"`
	State        types.BridgeState    `json:"state" bson:"state"`
	SourceTxHash string               `json:"source_tx_hash,omitempty" bson:"source_tx_hash,omitempty"`
	DestTxHash   string               `json:"dest_tx_hash,omitempty" bson:"dest_tx_hash,omitempty"`
	LockedAt     *time.Time           `json:"locked_at,omitempty" bson:"locked_at,omitempty"`
	MintedAt     *time.Time           `json:"minted_at,omitempty" bson:"minted_at,omitempty"`
	EstimatedFee string               `json:"estimated_fee,omitempty" bson:"estimated_fee,omitempty"`
	ActualFee    string               `json:"actual_fee,omitempty" bson:"actual_fee,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt    time.Time            `json:"created_at" bson:"created_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}
