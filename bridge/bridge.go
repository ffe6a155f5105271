// Package bridge drives cross-chain transfers through their lock/mint (or
// burn/release) lifecycle. A transfer is a BridgeRecord whose state advances
// monotonically along pending -> locking -> locked -> minting -> completed,
// with failed and cancelled reachable from any non-terminal state. Terminal
// states are sticky: later poll observations never mutate the record.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/crossrail-labs/crossrail/chain"
	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/fees"
	"github.com/crossrail-labs/crossrail/ledger"
	"github.com/crossrail-labs/crossrail/poller"
	"github.com/crossrail-labs/crossrail/types"
)

var (
	// ErrNotFound - no bridge record with the given id
	ErrNotFound = errors.New("bridge record not found")

	// ErrInvalidTransfer - malformed initiation request; rejected before any network call
	ErrInvalidTransfer = errors.New("invalid transfer request")

	// ErrNotCancellable - cancellation requested after the source-chain funds may
	// already be locked; the transfer must run to terminal resolution
	ErrNotCancellable = errors.New("transfer not cancellable")

	// ErrStaleRecord - the record changed state concurrently; the attempted
	// transition was computed from an outdated snapshot and was not applied
	ErrStaleRecord = errors.New("bridge record changed concurrently")
)

// Method selectors for the settlement contracts, derived the same way the
// contracts hash their signatures.
var (
	lockSelector    = crypto.Keccak256([]byte("lock(address,address,uint256)"))[:4]
	burnSelector    = crypto.Keccak256([]byte("burn(address,address,uint256)"))[:4]
	mintSelector    = crypto.Keccak256([]byte("mint(address,address,uint256)"))[:4]
	releaseSelector = crypto.Keccak256([]byte("release(address,address,uint256)"))[:4]
)

const (
	lockGasLimit = 150_000
	mintGasLimit = 200_000

	// DefaultPollInterval is how often non-terminal records are re-checked.
	DefaultPollInterval = 10 * time.Second
)

// Protocol fees in basis points of the transferred amount.
const (
	lockMintFeeBps    = 10
	burnReleaseFeeBps = 5
)

// Store persists bridge records.
type Store interface {
	CreateBridgeRecord(ctx context.Context, rec *models.BridgeRecord) error
	GetBridgeRecord(ctx context.Context, id string) (*models.BridgeRecord, error)
	// UpdateBridgeRecord is a compare-and-set: it persists rec only while the
	// stored state still equals from, and returns ErrStaleRecord otherwise.
	UpdateBridgeRecord(ctx context.Context, rec *models.BridgeRecord, from types.BridgeState) error
	ListBridgeRecords(ctx context.Context, filter models.BridgeFilter, page, pageSize int64) (*models.PaginatedResult, error)
}

// Submitter is the slice of the transaction ledger the orchestrator uses.
// All on-chain submissions go through it so nonce handling stays in one place.
type Submitter interface {
	Submit(ctx context.Context, wallet, chainID string, req ledger.SubmitRequest) (*models.PendingTransaction, error)
}

// FeeSource supplies tiered gas estimates per chain.
type FeeSource interface {
	GetEstimate(ctx context.Context, chainID string) (*fees.GasPriceEstimate, error)
}

// Orchestrator coordinates all in-flight transfers.
type Orchestrator struct {
	store     Store
	submitter Submitter
	chains    ledger.ChainSet
	fees      FeeSource
	poller    *poller.Poller
	debounce  *fees.Debouncer

	// operator is the wallet that submits destination-side transactions
	operator string
	// contracts maps chain id to the settlement contract address on that chain
	contracts map[string]string

	pollInterval time.Duration
	logger       *slog.Logger
}

type OrchestratorOpts struct {
	Store          Store
	Submitter      Submitter
	Chains         ledger.ChainSet
	Fees           FeeSource
	Poller         *poller.Poller
	OperatorWallet string
	Contracts      map[string]string
	PollInterval   time.Duration
	DebounceQuiet  time.Duration
	Logger         *slog.Logger
}

func NewOrchestrator(opts OrchestratorOpts) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DebounceQuiet == 0 {
		opts.DebounceQuiet = 500 * time.Millisecond
	}
	return &Orchestrator{
		store:        opts.Store,
		submitter:    opts.Submitter,
		chains:       opts.Chains,
		fees:         opts.Fees,
		poller:       opts.Poller,
		debounce:     fees.NewDebouncer(opts.DebounceQuiet),
		operator:     opts.OperatorWallet,
		contracts:    opts.Contracts,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
	}
}

// TransferRequest describes a new cross-chain transfer.
type TransferRequest struct {
	Wallet      string
	Asset       string // zero address = native asset
	Amount      *big.Int
	SourceChain string
	DestChain   string
	Recipient   string
	Protocol    types.BridgeProtocol
}

// FeeEstimate is the projected cost of a transfer: source-chain gas plus the
// protocol's settlement fee.
type FeeEstimate struct {
	GasCost     *big.Int `json:"gas_cost"`
	ProtocolFee *big.Int `json:"protocol_fee"`
	Total       *big.Int `json:"total"`
}

func (o *Orchestrator) validate(req TransferRequest) error {
	if req.SourceChain == req.DestChain {
		return fmt.Errorf("%w: source and destination chain are the same", ErrInvalidTransfer)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	if !common.IsHexAddress(req.Wallet) {
		return fmt.Errorf("%w: malformed wallet address %q", ErrInvalidTransfer, req.Wallet)
	}
	if !common.IsHexAddress(req.Recipient) {
		return fmt.Errorf("%w: malformed recipient address %q", ErrInvalidTransfer, req.Recipient)
	}
	if req.Asset != "" && !common.IsHexAddress(req.Asset) {
		return fmt.Errorf("%w: malformed asset address %q", ErrInvalidTransfer, req.Asset)
	}
	if !req.Protocol.Valid() {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidTransfer, req.Protocol)
	}
	if _, ok := o.contracts[req.SourceChain]; !ok {
		return fmt.Errorf("%w: no settlement contract on chain %s", ErrInvalidTransfer, req.SourceChain)
	}
	if _, ok := o.contracts[req.DestChain]; !ok {
		return fmt.Errorf("%w: no settlement contract on chain %s", ErrInvalidTransfer, req.DestChain)
	}
	return nil
}

// EstimateFee projects the total transfer cost. Interactive callers that
// re-estimate on every keystroke should go through EstimateFeeDebounced.
func (o *Orchestrator) EstimateFee(ctx context.Context, req TransferRequest) (*FeeEstimate, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	estimate, err := o.fees.GetEstimate(ctx, req.SourceChain)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate source gas: %w", err)
	}
	gasCost := fees.ToCost(estimate, types.SpeedStandard, lockGasLimit)

	bps := int64(lockMintFeeBps)
	if req.Protocol == types.ProtocolBurnRelease {
		bps = burnReleaseFeeBps
	}
	protocolFee := new(big.Int).Mul(req.Amount, big.NewInt(bps))
	protocolFee.Div(protocolFee, big.NewInt(10_000))

	return &FeeEstimate{
		GasCost:     gasCost,
		ProtocolFee: protocolFee,
		Total:       new(big.Int).Add(gasCost, protocolFee),
	}, nil
}

// EstimateFeeDebounced schedules an estimate after a quiet period, replacing
// any pending one so stale results are discarded rather than delivered.
func (o *Orchestrator) EstimateFeeDebounced(ctx context.Context, req TransferRequest, deliver func(*FeeEstimate, error)) {
	o.debounce.Trigger(ctx, func(ctx context.Context) {
		estimate, err := o.EstimateFee(ctx, req)
		if ctx.Err() != nil {
			return
		}
		deliver(estimate, err)
	})
}

// Initiate creates the transfer record, submits the source-chain lock (or
// burn) through the ledger and registers the status watch. The record moves
// to LOCKING only once the broadcast succeeds.
func (o *Orchestrator) Initiate(ctx context.Context, req TransferRequest) (*models.BridgeRecord, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	asset := req.Asset
	if asset == "" {
		asset = (common.Address{}).Hex()
	}

	rec := &models.BridgeRecord{
		ID:          uuid.NewString(),
		SourceChain: req.SourceChain,
		DestChain:   req.DestChain,
		Asset:       asset,
		Amount:      req.Amount.String(),
		Sender:      req.Wallet,
		Recipient:   req.Recipient,
		Protocol:    req.Protocol,
		State:       types.BridgePending,
		CreatedAt:   time.Now().UTC(),
	}

	if estimate, err := o.EstimateFee(ctx, req); err == nil {
		rec.EstimatedFee = estimate.Total.String()
	}

	if err := o.store.CreateBridgeRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist bridge record: %w", err)
	}

	selector := lockSelector
	value := req.Amount
	if req.Protocol == types.ProtocolBurnRelease {
		selector = burnSelector
		value = big.NewInt(0)
	} else if asset != (common.Address{}).Hex() {
		// token lock moves value via the contract, not the tx value field
		value = big.NewInt(0)
	}

	pending, err := o.submitter.Submit(ctx, req.Wallet, req.SourceChain, ledger.SubmitRequest{
		To:       o.contracts[req.SourceChain],
		Value:    value,
		Data:     settlementCalldata(selector, req.Recipient, asset, req.Amount),
		GasLimit: lockGasLimit,
		Kind:     types.KindBridge,
	})
	if err != nil {
		if errors.Is(err, chain.ErrRejected) || errors.Is(err, chain.ErrInsufficientFunds) {
			if merr := o.markFailed(ctx, rec, fmt.Sprintf("source submission rejected: %v", err)); merr != nil {
				o.logger.Error("failed to record submission failure", "id", rec.ID, "error", merr)
			}
		}
		// on a transient failure the record stays PENDING; the caller may
		// retry or cancel it
		return rec, fmt.Errorf("failed to submit source transaction: %w", err)
	}

	rec.SourceTxHash = pending.TxHash
	if err := o.transition(ctx, rec, types.BridgeLocking); err != nil {
		return nil, err
	}

	o.watch(rec.ID)

	o.logger.Info("bridge transfer initiated",
		"id", rec.ID, "from", req.SourceChain, "to", req.DestChain,
		"amount", rec.Amount, "sourceTxHash", rec.SourceTxHash)

	return rec, nil
}

// watch registers the self-terminating status poll for a record. Starting a
// watch for an id that already has one replaces it.
func (o *Orchestrator) watch(id string) {
	lookup := func(ctx context.Context) (types.BridgeState, error) {
		rec, err := o.PollStatus(ctx, id)
		if err != nil {
			return "", err
		}
		return rec.State, nil
	}
	poller.Watch(o.poller, context.Background(), "bridge:"+id, o.pollInterval, lookup, types.BridgeState.IsTerminal)
}

// Resume re-registers watches for all non-terminal records, e.g. after a
// restart.
func (o *Orchestrator) Resume(ctx context.Context) error {
	for _, state := range []types.BridgeState{types.BridgeLocking, types.BridgeLocked, types.BridgeMinting} {
		page, err := o.store.ListBridgeRecords(ctx, models.BridgeFilter{State: string(state)}, 1, 500)
		if err != nil {
			return fmt.Errorf("failed to list %s transfers: %w", state, err)
		}
		records, ok := page.Items.([]models.BridgeRecord)
		if !ok {
			continue
		}
		for _, rec := range records {
			o.watch(rec.ID)
		}
	}
	return nil
}

// PollStatus performs one observation step for the record. It is the unit of
// work the confirmation poller drives; it can also be called directly.
func (o *Orchestrator) PollStatus(ctx context.Context, id string) (*models.BridgeRecord, error) {
	rec, err := o.store.GetBridgeRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.IsTerminal() {
		return rec, nil
	}

	switch rec.State {
	case types.BridgeLocking:
		return o.pollSource(ctx, rec)
	case types.BridgeLocked:
		return o.submitDestination(ctx, rec)
	case types.BridgeMinting:
		return o.pollDestination(ctx, rec)
	default:
		return rec, nil
	}
}

func (o *Orchestrator) pollSource(ctx context.Context, rec *models.BridgeRecord) (*models.BridgeRecord, error) {
	querier, err := o.chains.QuerierFor(rec.SourceChain)
	if err != nil {
		return nil, err
	}

	receipt, err := querier.TransactionReceipt(ctx, common.HexToHash(rec.SourceTxHash))
	if errors.Is(err, chain.ErrReceiptNotFound) {
		return rec, nil // not mined yet, next tick retries
	}
	if err != nil {
		return nil, err
	}

	if !receipt.Succeeded {
		return rec, o.markFailed(ctx, rec, "source transaction reverted")
	}

	now := time.Now().UTC()
	rec.LockedAt = &now
	if err := o.transition(ctx, rec, types.BridgeLocked); err != nil {
		return nil, err
	}

	// funds are secured on the source side; move straight on to the
	// destination submission rather than waiting a full tick
	return o.submitDestination(ctx, rec)
}

func (o *Orchestrator) submitDestination(ctx context.Context, rec *models.BridgeRecord) (*models.BridgeRecord, error) {
	selector := mintSelector
	if rec.Protocol == types.ProtocolBurnRelease {
		selector = releaseSelector
	}

	amount, ok := new(big.Int).SetString(rec.Amount, 10)
	if !ok {
		return rec, o.markFailed(ctx, rec, fmt.Sprintf("corrupt amount: %q", rec.Amount))
	}

	pending, err := o.submitter.Submit(ctx, o.operator, rec.DestChain, ledger.SubmitRequest{
		To:       o.contracts[rec.DestChain],
		Value:    big.NewInt(0),
		Data:     settlementCalldata(selector, rec.Recipient, rec.Asset, amount),
		GasLimit: mintGasLimit,
		Kind:     types.KindBridge,
	})
	if err != nil {
		if errors.Is(err, chain.ErrRejected) || errors.Is(err, chain.ErrInsufficientFunds) {
			return rec, o.markFailed(ctx, rec, fmt.Sprintf("destination submission rejected: %v", err))
		}
		// transient failure; stay LOCKED and let the next tick retry
		o.logger.Warn("destination submission failed, will retry", "id", rec.ID, "error", err)
		return rec, nil
	}

	rec.DestTxHash = pending.TxHash
	if err := o.transition(ctx, rec, types.BridgeMinting); err != nil {
		return nil, err
	}
	return rec, nil
}

func (o *Orchestrator) pollDestination(ctx context.Context, rec *models.BridgeRecord) (*models.BridgeRecord, error) {
	querier, err := o.chains.QuerierFor(rec.DestChain)
	if err != nil {
		return nil, err
	}

	receipt, err := querier.TransactionReceipt(ctx, common.HexToHash(rec.DestTxHash))
	if errors.Is(err, chain.ErrReceiptNotFound) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}

	if !receipt.Succeeded {
		return rec, o.markFailed(ctx, rec, "destination mint reverted")
	}

	now := time.Now().UTC()
	rec.MintedAt = &now
	rec.CompletedAt = &now
	if receipt.EffectiveGasPrice != nil {
		actual := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
		rec.ActualFee = actual.String()
	}
	if err := o.transition(ctx, rec, types.BridgeCompleted); err != nil {
		return nil, err
	}

	o.logger.Info("bridge transfer completed", "id", rec.ID, "destTxHash", rec.DestTxHash)
	return rec, nil
}

// Cancel aborts a transfer that has not touched the chain yet. Once the
// source submission is out, funds may already be locked and the transfer
// must resolve on its own.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*models.BridgeRecord, error) {
	rec, err := o.store.GetBridgeRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != types.BridgePending {
		return nil, fmt.Errorf("%w: state is %s", ErrNotCancellable, rec.State)
	}

	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := o.transition(ctx, rec, types.BridgeCancelled); err != nil {
		return nil, err
	}
	o.poller.CancelWatch("bridge:" + id)
	return rec, nil
}

// Get returns a single bridge record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.BridgeRecord, error) {
	return o.store.GetBridgeRecord(ctx, id)
}

// List returns a filtered page of bridge records.
func (o *Orchestrator) List(ctx context.Context, filter models.BridgeFilter, page, pageSize int64) (*models.PaginatedResult, error) {
	return o.store.ListBridgeRecords(ctx, filter, page, pageSize)
}

func (o *Orchestrator) markFailed(ctx context.Context, rec *models.BridgeRecord, msg string) error {
	now := time.Now().UTC()
	rec.ErrorMessage = msg
	rec.CompletedAt = &now
	if err := o.transition(ctx, rec, types.BridgeFailed); err != nil {
		return err
	}
	o.logger.Error("bridge transfer failed", "id", rec.ID, "reason", msg)
	return nil
}

// transition enforces the state graph before persisting. The store write is
// conditioned on the state the caller read, so two transitions racing from the
// same snapshot cannot both apply; the loser gets ErrStaleRecord and the
// record keeps the winner's state. Terminal states stay terminal.
func (o *Orchestrator) transition(ctx context.Context, rec *models.BridgeRecord, to types.BridgeState) error {
	from := rec.State
	if !validEdge(from, to) {
		return fmt.Errorf("illegal bridge transition %s -> %s for %s", from, to, rec.ID)
	}
	rec.State = to
	if err := o.store.UpdateBridgeRecord(ctx, rec, from); err != nil {
		rec.State = from
		if errors.Is(err, ErrStaleRecord) {
			if current, gerr := o.store.GetBridgeRecord(ctx, rec.ID); gerr == nil {
				rec.State = current.State
			}
			return fmt.Errorf("%w: %s is now %s", ErrStaleRecord, rec.ID, rec.State)
		}
		return fmt.Errorf("failed to persist bridge record %s: %w", rec.ID, err)
	}
	return nil
}

func validEdge(from, to types.BridgeState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == types.BridgeFailed || to == types.BridgeCancelled {
		return true
	}
	switch from {
	case types.BridgePending:
		return to == types.BridgeLocking
	case types.BridgeLocking:
		return to == types.BridgeLocked
	case types.BridgeLocked:
		return to == types.BridgeMinting
	case types.BridgeMinting:
		return to == types.BridgeCompleted
	}
	return false
}

// settlementCalldata packs (recipient, asset, amount) after the 4-byte
// selector, 32-byte aligned like the contracts expect.
func settlementCalldata(selector []byte, recipient, asset string, amount *big.Int) []byte {
	data := make([]byte, 0, 4+3*32)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(recipient).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(asset).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
