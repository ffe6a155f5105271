package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Broadcast failure classes. Callers branch on these to decide whether an
// attempt is retryable, so implementations must wrap the matching sentinel.
var (
	// ErrInsufficientFunds - the wallet cannot cover value + gas at execution time
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRejected - the node or signer refused the transaction outright
	ErrRejected = errors.New("transaction rejected")

	// ErrReceiptNotFound - the transaction is not yet mined (or was dropped)
	ErrReceiptNotFound = errors.New("receipt not found")
)

// TxRequest describes a transaction to be signed and broadcast by the
// external custody service. Nonce and GasPrice are always explicit: the
// ledger, not the signer, decides replacement semantics.
type TxRequest struct {
	Wallet   common.Address `json:"wallet"`
	ChainID  string         `json:"chain_id"`
	To       common.Address `json:"to"`
	Value    *big.Int       `json:"value"`
	Data     []byte         `json:"data,omitempty"`
	Nonce    uint64         `json:"nonce"`
	GasLimit uint64         `json:"gas_limit"`
	GasPrice *big.Int       `json:"gas_price"`
}

// Receipt is the subset of a transaction receipt the orchestrators act on.
type Receipt struct {
	TxHash            common.Hash
	Succeeded         bool
	BlockNumber       uint64
	Confirmations     uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Querier reads chain state. Implementations must honour context deadlines;
// every call made by the orchestrators carries a bounded timeout.
type Querier interface {
	// TransactionReceipt returns ErrReceiptNotFound while the transaction is unmined.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)

	// NonceAt returns the confirmed (mined) nonce for the wallet.
	NonceAt(ctx context.Context, wallet common.Address) (uint64, error)

	// PendingNonceAt returns the next usable nonce including mempool entries.
	PendingNonceAt(ctx context.Context, wallet common.Address) (uint64, error)

	// SuggestUnitPrice returns the node's current standard-tier unit price.
	SuggestUnitPrice(ctx context.Context) (*big.Int, error)
}

// Broadcaster hands a fully specified transaction to the external
// signing/broadcast service. Key custody never enters this process.
type Broadcaster interface {
	SignAndBroadcast(ctx context.Context, req TxRequest) (common.Hash, error)
}
