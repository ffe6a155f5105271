package models

import (
	"time"

	"github.com/crossrail-labs/crossrail/types"
)

// PendingTransaction is an outstanding submission not yet confirmed or
// superseded. Replacement entries reuse the same (wallet, chain, nonce);
// superseded entries are kept for audit and chained via SupersededBy.
type PendingTransaction struct {
	ID           string              `json:"id" bson:"_id"`
	Wallet       string              `json:"wallet" bson:"wallet"`
	ChainID      string              `json:"chain_id" bson:"chain_id"`
	Nonce        uint64              `json:"nonce" bson:"nonce"`
	To           string              `json:"to" bson:"to"`
	Value        string              `json:"value" bson:"value"`
	Data         string              `json:"data,omitempty" bson:"data,omitempty"`
	GasLimit     uint64              `json:"gas_limit" bson:"gas_limit"`
	GasPrice     string              `json:"gas_price" bson:"gas_price"`
	Kind         types.TxKind        `json:"kind" bson:"kind"`
	Replacement  bool                `json:"replacement" bson:"replacement"`
	Status       types.PendingStatus `json:"status" bson:"status"`
	TxHash       string              `json:"tx_hash" bson:"tx_hash"`
	SupersededBy string              `json:"superseded_by,omitempty" bson:"superseded_by,omitempty"`
	SubmittedAt  time.Time           `json:"submitted_at" bson:"submitted_at"`
	ConfirmedAt  *time.Time          `json:"confirmed_at,omitempty" bson:"confirmed_at,omitempty"`
}
