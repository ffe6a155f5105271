// Package escrow coordinates three-party escrow agreements between a buyer,
// a seller and an arbitrator. Transitions are role-gated and checked locally
// before any gas is spent; local state only advances after the corresponding
// on-chain call has been broadcast successfully, so the record never claims
// a transition that may not have reached the chain.
package escrow

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

	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/ledger"
	"github.com/crossrail-labs/crossrail/types"
)

var (
	// ErrNotFound - no escrow with the given id
	ErrNotFound = errors.New("escrow not found")

	// ErrInvalidEscrow - malformed creation request; rejected before any network call
	ErrInvalidEscrow = errors.New("invalid escrow request")

	// ErrUnauthorized - the calling wallet does not hold the role the action requires
	ErrUnauthorized = errors.New("wallet not authorized for this action")

	// ErrInvalidTransition - the action is not permitted from the current state
	ErrInvalidTransition = errors.New("invalid escrow transition")

	// ErrConflict - the escrow changed state concurrently; the attempted
	// transition was computed from an outdated snapshot and was not applied
	ErrConflict = errors.New("escrow modified concurrently")
)

// Method selectors for the escrow contract.
var (
	depositSelector = crypto.Keccak256([]byte("deposit(bytes32,address,address,uint256)"))[:4]
	actionSelectors = map[types.EscrowAction][]byte{
		types.ActionMarkDelivered:   crypto.Keccak256([]byte("markDelivered(bytes32)"))[:4],
		types.ActionRelease:         crypto.Keccak256([]byte("release(bytes32)"))[:4],
		types.ActionRefund:          crypto.Keccak256([]byte("refund(bytes32)"))[:4],
		types.ActionDispute:         crypto.Keccak256([]byte("dispute(bytes32)"))[:4],
		types.ActionResolveToSeller: crypto.Keccak256([]byte("resolveToSeller(bytes32)"))[:4],
		types.ActionResolveToBuyer:  crypto.Keccak256([]byte("resolveToBuyer(bytes32)"))[:4],
	}
)

const (
	depositGasLimit = 180_000
	actionGasLimit  = 120_000
)

// Store persists escrows and their append-only event logs.
type Store interface {
	CreateEscrow(ctx context.Context, esc *models.Escrow) error
	GetEscrow(ctx context.Context, id string) (*models.Escrow, error)
	// UpdateEscrow is a compare-and-set: it persists esc only while the stored
	// state still equals from, and returns ErrConflict otherwise.
	UpdateEscrow(ctx context.Context, esc *models.Escrow, from types.EscrowState) error
	ListEscrows(ctx context.Context, filter models.EscrowFilter, page, pageSize int64) (*models.PaginatedResult, error)
	AppendEscrowEvent(ctx context.Context, event *models.EscrowEvent) error
	ListEscrowEvents(ctx context.Context, escrowID string) ([]models.EscrowEvent, error)
}

// Submitter is the slice of the transaction ledger the coordinator uses.
type Submitter interface {
	Submit(ctx context.Context, wallet, chainID string, req ledger.SubmitRequest) (*models.PendingTransaction, error)
}

// Coordinator drives escrow agreements through their lifecycle.
type Coordinator struct {
	store     Store
	submitter Submitter
	// contracts maps chain id to the escrow contract address on that chain
	contracts map[string]string
	logger    *slog.Logger
}

type CoordinatorOpts struct {
	Store     Store
	Submitter Submitter
	Contracts map[string]string
	Logger    *slog.Logger
}

func NewCoordinator(opts CoordinatorOpts) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:     opts.Store,
		submitter: opts.Submitter,
		contracts: opts.Contracts,
		logger:    opts.Logger,
	}
}

// CreateRequest describes a new escrow agreement. Wallet is the buyer.
type CreateRequest struct {
	Wallet       string
	ChainID      string
	Seller       string
	Arbitrator   string
	Amount       *big.Int
	PaymentType  types.PaymentType
	TokenAddress string
	Title        string
	Description  string
	RefundPolicy types.RefundPolicy
}

func (c *Coordinator) validateCreate(req CreateRequest) error {
	for name, addr := range map[string]string{"buyer": req.Wallet, "seller": req.Seller, "arbitrator": req.Arbitrator} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: malformed %s address %q", ErrInvalidEscrow, name, addr)
		}
		if common.HexToAddress(addr) == (common.Address{}) {
			return fmt.Errorf("%w: %s address is the zero address", ErrInvalidEscrow, name)
		}
	}
	buyer := common.HexToAddress(req.Wallet)
	seller := common.HexToAddress(req.Seller)
	arbitrator := common.HexToAddress(req.Arbitrator)
	if buyer == seller || buyer == arbitrator || seller == arbitrator {
		return fmt.Errorf("%w: buyer, seller and arbitrator must be distinct", ErrInvalidEscrow)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEscrow)
	}
	if req.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEscrow)
	}
	switch req.PaymentType {
	case types.PaymentNative:
		if req.TokenAddress != "" {
			return fmt.Errorf("%w: token address not allowed for native payment", ErrInvalidEscrow)
		}
	case types.PaymentToken:
		if !common.IsHexAddress(req.TokenAddress) {
			return fmt.Errorf("%w: malformed token address %q", ErrInvalidEscrow, req.TokenAddress)
		}
	default:
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidEscrow, req.PaymentType)
	}
	if req.RefundPolicy != types.RefundBuyerOnly && req.RefundPolicy != types.RefundEitherParty {
		return fmt.Errorf("%w: unknown refund policy %q", ErrInvalidEscrow, req.RefundPolicy)
	}
	if _, ok := c.contracts[req.ChainID]; !ok {
		return fmt.Errorf("%w: no escrow contract on chain %s", ErrInvalidEscrow, req.ChainID)
	}
	return nil
}

// Create submits the buyer's deposit and records the agreement in CREATED.
// Nothing is persisted if the broadcast fails.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*models.Escrow, error) {
	if err := c.validateCreate(req); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	value := req.Amount
	token := req.TokenAddress
	if req.PaymentType == types.PaymentToken {
		// the contract pulls the token; the deposit tx itself carries no value
		value = big.NewInt(0)
	} else {
		token = (common.Address{}).Hex()
	}

	pending, err := c.submitter.Submit(ctx, req.Wallet, req.ChainID, ledger.SubmitRequest{
		To:       c.contracts[req.ChainID],
		Value:    value,
		Data:     depositCalldata(id, req.Seller, token, req.Amount),
		GasLimit: depositGasLimit,
		Kind:     types.KindContract,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit deposit: %w", err)
	}

	now := time.Now().UTC()
	esc := &models.Escrow{
		ID:           id,
		ChainID:      req.ChainID,
		PaymentType:  req.PaymentType,
		TokenAddress: req.TokenAddress,
		Amount:       req.Amount.String(),
		Title:        req.Title,
		Description:  req.Description,
		Buyer:        req.Wallet,
		Seller:       req.Seller,
		Arbitrator:   req.Arbitrator,
		RefundPolicy: req.RefundPolicy,
		State:        types.EscrowCreated,
		LastSequence: 1,
		CreatedAt:    now,
	}

	if err := c.store.CreateEscrow(ctx, esc); err != nil {
		return nil, fmt.Errorf("failed to persist escrow: %w", err)
	}

	event := &models.EscrowEvent{
		EscrowID:  id,
		Sequence:  1,
		Action:    types.ActionCreate,
		Actor:     req.Wallet,
		ToState:   types.EscrowCreated,
		TxHash:    pending.TxHash,
		CreatedAt: now,
	}
	if err := c.store.AppendEscrowEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append escrow event: %w", err)
	}

	c.logger.Info("escrow created",
		"id", id, "chain", req.ChainID, "amount", esc.Amount, "txHash", pending.TxHash)

	return esc, nil
}

// Transition applies a role-gated action to the escrow. Role and state are
// validated before broadcast so a call the contract would reject fails fast
// without spending gas; the local state only changes after the broadcast
// succeeds.
func (c *Coordinator) Transition(ctx context.Context, id string, action types.EscrowAction, wallet string) (*models.Escrow, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}

	esc, err := c.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := c.authorize(esc, action, wallet); err != nil {
		return nil, err
	}

	target, err := targetState(esc.State, action)
	if err != nil {
		return nil, err
	}

	pending, err := c.submitter.Submit(ctx, wallet, esc.ChainID, ledger.SubmitRequest{
		To:       c.contracts[esc.ChainID],
		Value:    big.NewInt(0),
		Data:     actionCalldata(action, id),
		GasLimit: actionGasLimit,
		Kind:     types.KindContract,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s: %w", action, err)
	}

	now := time.Now().UTC()
	from := esc.State
	esc.State = target
	esc.LastSequence++
	if target == types.EscrowDelivered {
		esc.DeliveredAt = &now
	}
	if target.IsTerminal() {
		esc.CompletedAt = &now
	}

	// the write is conditioned on the state this call read; a transition racing
	// from the same snapshot loses here and never touches the stored record or
	// its event log. The event sequence rides on the same guarded write, so
	// only the winner can claim it.
	if err := c.store.UpdateEscrow(ctx, esc, from); err != nil {
		if errors.Is(err, ErrConflict) {
			if current, gerr := c.store.GetEscrow(ctx, id); gerr == nil {
				return nil, fmt.Errorf("%w: %s moved from %s to %s", ErrConflict, id, from, current.State)
			}
			return nil, fmt.Errorf("%w: %s", ErrConflict, id)
		}
		return nil, fmt.Errorf("failed to persist escrow %s: %w", id, err)
	}

	event := &models.EscrowEvent{
		EscrowID:  id,
		Sequence:  esc.LastSequence,
		Action:    action,
		Actor:     wallet,
		FromState: from,
		ToState:   target,
		TxHash:    pending.TxHash,
		CreatedAt: now,
	}
	if err := c.store.AppendEscrowEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append escrow event: %w", err)
	}

	c.logger.Info("escrow transition",
		"id", id, "action", action, "from", from, "to", target, "txHash", pending.TxHash)

	return esc, nil
}

// Events returns the escrow's append-only event log in sequence order.
func (c *Coordinator) Events(ctx context.Context, id string) ([]models.EscrowEvent, error) {
	if _, err := c.store.GetEscrow(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListEscrowEvents(ctx, id)
}

// Get returns a single escrow.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.Escrow, error) {
	return c.store.GetEscrow(ctx, id)
}

// List returns a filtered page of escrows.
func (c *Coordinator) List(ctx context.Context, filter models.EscrowFilter, page, pageSize int64) (*models.PaginatedResult, error) {
	return c.store.ListEscrows(ctx, filter, page, pageSize)
}

// authorize checks that wallet holds the role the action requires.
// Comparison is case-insensitive over the checksummed forms.
func (c *Coordinator) authorize(esc *models.Escrow, action types.EscrowAction, wallet string) error {
	if !common.IsHexAddress(wallet) {
		return fmt.Errorf("%w: malformed wallet address %q", ErrUnauthorized, wallet)
	}

	var allowed []string
	switch action {
	case types.ActionMarkDelivered:
		allowed = []string{esc.Seller}
	case types.ActionRelease:
		allowed = []string{esc.Buyer}
	case types.ActionRefund:
		allowed = []string{esc.Buyer}
		if esc.RefundPolicy == types.RefundEitherParty {
			allowed = append(allowed, esc.Seller)
		}
	case types.ActionDispute:
		allowed = []string{esc.Buyer, esc.Seller}
	case types.ActionResolveToSeller, types.ActionResolveToBuyer:
		allowed = []string{esc.Arbitrator}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}

	caller := common.HexToAddress(wallet)
	for _, addr := range allowed {
		if common.HexToAddress(addr) == caller {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s", ErrUnauthorized, wallet, action)
}

// targetState returns the state the action leads to from the current state,
// or ErrInvalidTransition if the edge does not exist.
func targetState(from types.EscrowState, action types.EscrowAction) (types.EscrowState, error) {
	if from.IsTerminal() {
		return "", fmt.Errorf("%w: escrow is already %s", ErrInvalidTransition, from)
	}

	var to types.EscrowState
	ok := false
	switch action {
	case types.ActionMarkDelivered:
		to, ok = types.EscrowDelivered, from == types.EscrowCreated
	case types.ActionRelease:
		to, ok = types.EscrowReleased, from == types.EscrowDelivered
	case types.ActionRefund:
		to, ok = types.EscrowRefunded, from == types.EscrowDelivered
	case types.ActionDispute:
		to, ok = types.EscrowDisputed, from == types.EscrowDelivered
	case types.ActionResolveToSeller:
		to, ok = types.EscrowResolvedToSeller, from == types.EscrowDisputed
	case types.ActionResolveToBuyer:
		to, ok = types.EscrowResolvedToBuyer, from == types.EscrowDisputed
	}
	if !ok {
		return "", fmt.Errorf("%w: %s not permitted from %s", ErrInvalidTransition, action, from)
	}
	return to, nil
}

func depositCalldata(id, seller, token string, amount *big.Int) []byte {
	data := make([]byte, 0, 4+4*32)
	data = append(data, depositSelector...)
	data = append(data, escrowIDWord(id)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(seller).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(token).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func actionCalldata(action types.EscrowAction, id string) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, actionSelectors[action]...)
	data = append(data, escrowIDWord(id)...)
	return data
}

// escrowIDWord maps the record id onto the contract's bytes32 key.
func escrowIDWord(id string) []byte {
	return crypto.Keccak256([]byte(id))
}
