// Package ledger owns the authoritative pending-transaction set per wallet
// and chain, keyed by nonce. It is the single writer for that state: the
// bridge and escrow services submit through it and never mutate entries
// directly, so all nonce-serialization logic lives here.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/crossrail-labs/crossrail/chain"
	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/types"
)

var (
	// ErrNotFound - no ledger entry with the given id
	ErrNotFound = errors.New("pending transaction not found")

	// ErrInvalidRequest - malformed address, amount or kind; rejected before any network call
	ErrInvalidRequest = errors.New("invalid transaction request")

	// ErrBroadcastFailed - the signing/broadcast service rejected the submission
	ErrBroadcastFailed = errors.New("broadcast failed")

	// ErrAlreadyReplaced - the target entry was superseded by another replacement
	ErrAlreadyReplaced = errors.New("transaction already replaced")

	// ErrAlreadyConfirmed - the target entry's nonce was consumed by a confirmed transaction
	ErrAlreadyConfirmed = errors.New("transaction already confirmed")

	// ErrEntryNotActive - the store's compare-and-set lost; the entry stopped
	// being active between the caller's read and its write
	ErrEntryNotActive = errors.New("entry no longer active")
)

// Replacement price bumps, as numerator/denominator over the greater of the
// original and current network price. The floor is taken over the live price
// so replacements are not underpriced when the network has moved since the
// original submission.
const (
	speedUpNum = 12
	cancelNum  = 11
	bumpDen    = 10
)

// Store persists pending transactions. Supersede must be a compare-and-set:
// it only succeeds while the entry is still active and returns
// ErrEntryNotActive otherwise.
type Store interface {
	CreatePendingTransaction(ctx context.Context, tx *models.PendingTransaction) error
	GetPendingTransaction(ctx context.Context, id string) (*models.PendingTransaction, error)
	SupersedePendingTransaction(ctx context.Context, id, supersededBy string) error
	ConfirmPendingTransactionsBelow(ctx context.Context, wallet, chainID string, nonce uint64, at time.Time) ([]models.PendingTransaction, error)
	ListActivePendingTransactions(ctx context.Context, wallet, chainID string) ([]models.PendingTransaction, error)
}

// ChainSet resolves a chain identifier to its query client.
type ChainSet interface {
	QuerierFor(chainID string) (chain.Querier, error)
}

// Ledger tracks outstanding transactions and constructs safe replacements.
type Ledger struct {
	store       Store
	chains      ChainSet
	broadcaster chain.Broadcaster
	logger      *slog.Logger

	// locks serialize mutation per (wallet, chain, nonce)
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type LedgerOpts struct {
	Store       Store
	Chains      ChainSet
	Broadcaster chain.Broadcaster
	Logger      *slog.Logger
}

func NewLedger(opts LedgerOpts) *Ledger {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		store:       opts.Store,
		chains:      opts.Chains,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) nonceLock(wallet, chainID string, nonce uint64) *sync.Mutex {
	key := fmt.Sprintf("%s|%s|%d", wallet, chainID, nonce)
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[key] = m
	return m
}

// SubmitRequest describes a new outgoing transaction.
type SubmitRequest struct {
	To       string
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int // nil = use the chain's current suggestion
	Nonce    *uint64  // nil = next pending nonce
	Kind     types.TxKind
}

// Submit validates the request, broadcasts it and records the resulting
// pending entry. Nothing is persisted if the broadcast fails.
func (l *Ledger) Submit(ctx context.Context, wallet, chainID string, req SubmitRequest) (*models.PendingTransaction, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("%w: malformed wallet address %q", ErrInvalidRequest, wallet)
	}
	if !common.IsHexAddress(req.To) {
		return nil, fmt.Errorf("%w: malformed recipient address %q", ErrInvalidRequest, req.To)
	}
	if req.Value == nil || req.Value.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrInvalidRequest)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidRequest, req.Kind)
	}

	querier, err := l.chains.QuerierFor(chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	nonce := uint64(0)
	if req.Nonce != nil {
		nonce = *req.Nonce
	} else {
		nonce, err = querier.PendingNonceAt(ctx, common.HexToAddress(wallet))
		if err != nil {
			return nil, fmt.Errorf("failed to assign nonce: %w", err)
		}
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice, err = querier.SuggestUnitPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to price transaction: %w", err)
		}
	}

	lock := l.nonceLock(wallet, chainID, nonce)
	lock.Lock()
	defer lock.Unlock()

	txHash, err := l.broadcaster.SignAndBroadcast(ctx, chain.TxRequest{
		Wallet:   common.HexToAddress(wallet),
		ChainID:  chainID,
		To:       common.HexToAddress(req.To),
		Value:    req.Value,
		Data:     req.Data,
		Nonce:    nonce,
		GasLimit: req.GasLimit,
		GasPrice: gasPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}

	entry := &models.PendingTransaction{
		ID:          uuid.NewString(),
		Wallet:      wallet,
		ChainID:     chainID,
		Nonce:       nonce,
		To:          req.To,
		Value:       req.Value.String(),
		Data:        common.Bytes2Hex(req.Data),
		GasLimit:    req.GasLimit,
		GasPrice:    gasPrice.String(),
		Kind:        req.Kind,
		Status:      types.PendingActive,
		TxHash:      txHash.Hex(),
		SubmittedAt: time.Now().UTC(),
	}

	if err := l.store.CreatePendingTransaction(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to persist pending transaction: %w", err)
	}

	l.logger.Info("transaction submitted",
		"wallet", wallet, "chain", chainID, "nonce", nonce, "txHash", entry.TxHash, "kind", req.Kind)

	return entry, nil
}

// SpeedUp rebroadcasts the entry with the same nonce, recipient, value and
// data at max(original, current) x 1.2. The original is marked superseded. A
// concurrent speed-up on the same entry observes the superseded state and
// fails with ErrAlreadyReplaced instead of double-submitting.
func (l *Ledger) SpeedUp(ctx context.Context, id string) (*models.PendingTransaction, error) {
	return l.replace(ctx, id, speedUpNum, false)
}

// Cancel outbids the entry with a zero-value self-directed transaction at
// max(original, current) x 1.1 and the same nonce.
func (l *Ledger) Cancel(ctx context.Context, id string) (*models.PendingTransaction, error) {
	return l.replace(ctx, id, cancelNum, true)
}

func (l *Ledger) replace(ctx context.Context, id string, bumpNum int64, selfCancel bool) (*models.PendingTransaction, error) {
	orig, err := l.store.GetPendingTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	lock := l.nonceLock(orig.Wallet, orig.ChainID, orig.Nonce)
	lock.Lock()
	defer lock.Unlock()

	// re-read under the lock; a concurrent replacement may have won
	orig, err = l.store.GetPendingTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case types.PendingSuperseded:
		return nil, fmt.Errorf("%w: superseded by %s", ErrAlreadyReplaced, orig.SupersededBy)
	case types.PendingConfirmed:
		return nil, fmt.Errorf("%w: nonce %d already mined", ErrAlreadyConfirmed, orig.Nonce)
	}

	querier, err := l.chains.QuerierFor(orig.ChainID)
	if err != nil {
		return nil, err
	}
	current, err := querier.SuggestUnitPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current unit price: %w", err)
	}

	origPrice, ok := new(big.Int).SetString(orig.GasPrice, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt gas price on entry %s: %q", orig.ID, orig.GasPrice)
	}
	newPrice := bumpPrice(origPrice, current, bumpNum)

	to := orig.To
	value := orig.Value
	data := common.Hex2Bytes(orig.Data)
	kind := orig.Kind
	if selfCancel {
		to = orig.Wallet
		value = "0"
		data = nil
		kind = types.KindTransfer
	}

	valueInt, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt value on entry %s: %q", orig.ID, orig.Value)
	}

	txHash, err := l.broadcaster.SignAndBroadcast(ctx, chain.TxRequest{
		Wallet:   common.HexToAddress(orig.Wallet),
		ChainID:  orig.ChainID,
		To:       common.HexToAddress(to),
		Value:    valueInt,
		Data:     data,
		Nonce:    orig.Nonce,
		GasLimit: orig.GasLimit,
		GasPrice: newPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}

	entry := &models.PendingTransaction{
		ID:          uuid.NewString(),
		Wallet:      orig.Wallet,
		ChainID:     orig.ChainID,
		Nonce:       orig.Nonce,
		To:          to,
		Value:       value,
		Data:        common.Bytes2Hex(data),
		GasLimit:    orig.GasLimit,
		GasPrice:    newPrice.String(),
		Kind:        kind,
		Replacement: true,
		Status:      types.PendingActive,
		TxHash:      txHash.Hex(),
		SubmittedAt: time.Now().UTC(),
	}

	// supersede before persisting the replacement: a crash between the two
	// writes leaves zero active entries for the nonce, never two. The nonce
	// lock excludes concurrent replacements, but Reconcile can confirm the
	// original at any point; losing the compare-and-set to it means the nonce
	// was mined and the replacement entry must not be recorded.
	if err := l.store.SupersedePendingTransaction(ctx, orig.ID, entry.ID); err != nil {
		if errors.Is(err, ErrEntryNotActive) {
			l.logger.Warn("replacement broadcast lost to a concurrent status change",
				"wallet", orig.Wallet, "chain", orig.ChainID, "nonce", orig.Nonce, "txHash", entry.TxHash)
			if current, gerr := l.store.GetPendingTransaction(ctx, orig.ID); gerr == nil {
				if current.Status == types.PendingConfirmed {
					return nil, fmt.Errorf("%w: nonce %d already mined", ErrAlreadyConfirmed, orig.Nonce)
				}
				return nil, fmt.Errorf("%w: superseded by %s", ErrAlreadyReplaced, current.SupersededBy)
			}
			return nil, fmt.Errorf("%w: entry %s", ErrAlreadyReplaced, orig.ID)
		}
		return nil, fmt.Errorf("failed to supersede entry %s: %w", orig.ID, err)
	}
	if err := l.store.CreatePendingTransaction(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to persist replacement: %w", err)
	}

	l.logger.Info("transaction replaced",
		"wallet", orig.Wallet, "chain", orig.ChainID, "nonce", orig.Nonce,
		"cancel", selfCancel, "oldTxHash", orig.TxHash, "newTxHash", entry.TxHash)

	return entry, nil
}

// Reconcile compares the ledger against the chain's confirmed nonce and
// marks every active entry below it as confirmed, removing it from the
// pending set. Safe to call repeatedly.
func (l *Ledger) Reconcile(ctx context.Context, wallet, chainID string) ([]models.PendingTransaction, error) {
	querier, err := l.chains.QuerierFor(chainID)
	if err != nil {
		return nil, err
	}

	confirmedNonce, err := querier.NonceAt(ctx, common.HexToAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmed nonce: %w", err)
	}

	confirmed, err := l.store.ConfirmPendingTransactionsBelow(ctx, wallet, chainID, confirmedNonce, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile ledger: %w", err)
	}

	if len(confirmed) > 0 {
		l.logger.Info("reconciled pending transactions",
			"wallet", wallet, "chain", chainID, "confirmed", len(confirmed))
	}

	return confirmed, nil
}

// ListActive returns the outstanding entries for wallet on chainID.
func (l *Ledger) ListActive(ctx context.Context, wallet, chainID string) ([]models.PendingTransaction, error) {
	return l.store.ListActivePendingTransactions(ctx, wallet, chainID)
}

// Get returns a single ledger entry by id.
func (l *Ledger) Get(ctx context.Context, id string) (*models.PendingTransaction, error) {
	return l.store.GetPendingTransaction(ctx, id)
}

// bumpPrice returns ceil(max(orig, current) * num / 10) so the result is
// never below the required multiple of the baseline.
func bumpPrice(orig, current *big.Int, num int64) *big.Int {
	base := orig
	if current != nil && current.Cmp(base) > 0 {
		base = current
	}
	out := new(big.Int).Mul(base, big.NewInt(num))
	out.Add(out, big.NewInt(bumpDen-1))
	return out.Div(out, big.NewInt(bumpDen))
}
