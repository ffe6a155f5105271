package models

import (
	"time"

	"github.com/crossrail-labs/crossrail/types"
)

// Escrow is one buyer/seller/arbitrator agreement. Terminal states are
// immutable; RefundPolicy is fixed per instance at creation.
type Escrow struct {
	ID           string             `json:"id" bson:"_id"`
	ChainID      string             `json:"chain_id" bson:"chain_id"`
	PaymentType  types.PaymentType  `json:"payment_type" bson:"payment_type"`
	TokenAddress string             `json:"token_address,omitempty" bson:"token_address,omitempty"`
	Amount       string             `json:"amount" bson:"amount"`
	Title        string             `json:"title" bson:"title"`
	Description  string             `json:"description,omitempty" bson:"description,omitempty"`
	Buyer        string             `json:"buyer" bson:"buyer"`
	Seller       string             `json:"seller" bson:"seller"`
	Arbitrator   string             `json:"arbitrator" bson:"arbitrator"`
	RefundPolicy types.RefundPolicy `json:"refund_policy" bson:"refund_policy"`
	State        types.EscrowState  `json:"state" bson:"state"`
	LastSequence uint64             `json:"last_sequence" bson:"last_sequence"`
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
	DeliveredAt  *time.Time         `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// EscrowEvent is one entry in an escrow's append-only event log, written on
// every successful transition.
type EscrowEvent struct {
	EscrowID  string             `json:"escrow_id" bson:"escrow_id"`
	Sequence  uint64             `json:"sequence" bson:"sequence"`
	Action    types.EscrowAction `json:"action" bson:"action"`
	Actor     string             `json:"actor" bson:"actor"`
	FromState types.EscrowState  `json:"from_state" bson:"from_state"`
	ToState   types.EscrowState  `json:"to_state" bson:"to_state"`
	TxHash    string             `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
}
