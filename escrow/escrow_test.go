package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/ledger"
	"github.com/crossrail-labs/crossrail/types"
)

const (
	buyer      = "0xaaaaAAaaAaAAAAaAaaAaaAaaAAAaAaaaaaaAaAa1"
	seller     = "0xbbBBBbbBBbbbbBbBbbbBbBbBBbBbbbBbBbbBbBb2"
	arbitrator = "0xCCcccCcCCCcCCcCcccCcCCcCcCCCcccCccCCcCc3"
	stranger   = "0xDDddDdddddDddDDdDdDDDdddDdDdddDDDdDDdDd4"
	testChain  = "chain-a"
)

type mockStore struct {
	escrows map[string]*models.Escrow
	events  map[string][]models.EscrowEvent
}

func newMockStore() *mockStore {
	return &mockStore{
		escrows: make(map[string]*models.Escrow),
		events:  make(map[string][]models.EscrowEvent),
	}
}

func (m *mockStore) CreateEscrow(_ context.Context, esc *models.Escrow) error {
	clone := *esc
	m.escrows[esc.ID] = &clone
	return nil
}

func (m *mockStore) GetEscrow(_ context.Context, id string) (*models.Escrow, error) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *esc
	return &clone, nil
}

func (m *mockStore) UpdateEscrow(_ context.Context, esc *models.Escrow, from types.EscrowState) error {
	current, ok := m.escrows[esc.ID]
	if !ok {
		return ErrNotFound
	}
	if current.State != from {
		return ErrConflict
	}
	clone := *esc
	m.escrows[esc.ID] = &clone
	return nil
}

func (m *mockStore) ListEscrows(_ context.Context, _ models.EscrowFilter, page, pageSize int64) (*models.PaginatedResult, error) {
	var out []models.Escrow
	for _, esc := range m.escrows {
		out = append(out, *esc)
	}
	return &models.PaginatedResult{Items: out, TotalCount: int64(len(out)), Page: page, PageSize: pageSize}, nil
}

func (m *mockStore) AppendEscrowEvent(_ context.Context, event *models.EscrowEvent) error {
	m.events[event.EscrowID] = append(m.events[event.EscrowID], *event)
	return nil
}

func (m *mockStore) ListEscrowEvents(_ context.Context, escrowID string) ([]models.EscrowEvent, error) {
	return m.events[escrowID], nil
}

type mockSubmitter struct {
	mu    sync.Mutex
	count int
	err   error

	// when set, Submit signals entered and blocks until proceed closes,
	// holding the broadcast in flight
	entered chan struct{}
	proceed chan struct{}
}

func (m *mockSubmitter) Submit(_ context.Context, wallet, chainID string, req ledger.SubmitRequest) (*models.PendingTransaction, error) {
	m.mu.Lock()
	entered, proceed := m.entered, m.proceed
	m.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-proceed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.count++
	return &models.PendingTransaction{TxHash: fmt.Sprintf("0x%064x", m.count)}, nil
}

func newTestCoordinator() (*Coordinator, *mockStore, *mockSubmitter) {
	store := newMockStore()
	submitter := &mockSubmitter{}
	coord := NewCoordinator(CoordinatorOpts{
		Store:     store,
		Submitter: submitter,
		Contracts: map[string]string{testChain: "0x9999999999999999999999999999999999999999"},
	})
	return coord, store, submitter
}

func validCreate() CreateRequest {
	return CreateRequest{
		Wallet:       buyer,
		ChainID:      testChain,
		Seller:       seller,
		Arbitrator:   arbitrator,
		Amount:       big.NewInt(1_000_000),
		PaymentType:  types.PaymentNative,
		Title:        "laptop sale",
		RefundPolicy: types.RefundBuyerOnly,
	}
}

func TestCreateValidation(t *testing.T) {
	coord, store, _ := newTestCoordinator()

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"zero seller", func(r *CreateRequest) { r.Seller = "0x0000000000000000000000000000000000000000" }},
		{"malformed arbitrator", func(r *CreateRequest) { r.Arbitrator = "nope" }},
		{"buyer is seller", func(r *CreateRequest) { r.Seller = buyer }},
		{"buyer is seller lowercased", func(r *CreateRequest) { r.Seller = strings.ToLower(buyer) }},
		{"zero amount", func(r *CreateRequest) { r.Amount = big.NewInt(0) }},
		{"missing title", func(r *CreateRequest) { r.Title = "" }},
		{"token address on native payment", func(r *CreateRequest) { r.TokenAddress = seller }},
		{"token payment without address", func(r *CreateRequest) { r.PaymentType = types.PaymentToken }},
		{"unknown refund policy", func(r *CreateRequest) { r.RefundPolicy = "seller_only" }},
		{"unknown chain", func(r *CreateRequest) { r.ChainID = "chain-z" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreate()
			tc.mutate(&req)
			_, err := coord.Create(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidEscrow)
		})
	}
	assert.Empty(t, store.escrows)
}

func TestCreateRecordsEscrowAndFirstEvent(t *testing.T) {
	coord, store, _ := newTestCoordinator()

	esc, err := coord.Create(context.Background(), validCreate())
	require.NoError(t, err)

	assert.Equal(t, types.EscrowCreated, esc.State)
	assert.Equal(t, "1000000", esc.Amount)

	events := store.events[esc.ID]
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, types.ActionCreate, events[0].Action)
	assert.Equal(t, buyer, events[0].Actor)
	assert.Equal(t, types.EscrowCreated, events[0].ToState)
	assert.NotEmpty(t, events[0].TxHash)
}

func TestCreateBroadcastFailurePersistsNothing(t *testing.T) {
	coord, store, submitter := newTestCoordinator()
	submitter.err = fmt.Errorf("rpc unreachable")

	_, err := coord.Create(context.Background(), validCreate())
	require.Error(t, err)
	assert.Empty(t, store.escrows)
	assert.Empty(t, store.events)
}

func TestDisputedResolutionWalk(t *testing.T) {
	coord, store, _ := newTestCoordinator()
	ctx := context.Background()

	esc, err := coord.Create(ctx, validCreate())
	require.NoError(t, err)
	id := esc.ID

	// buyer cannot dispute before delivery; the role is legal, the state is not
	_, err = coord.Transition(ctx, id, types.ActionDispute, buyer)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// only the seller can mark delivery
	_, err = coord.Transition(ctx, id, types.ActionMarkDelivered, buyer)
	assert.ErrorIs(t, err, ErrUnauthorized)

	esc, err = coord.Transition(ctx, id, types.ActionMarkDelivered, seller)
	require.NoError(t, err)
	assert.Equal(t, types.EscrowDelivered, esc.State)
	assert.NotNil(t, esc.DeliveredAt)

	// the arbitrator has no say until there is a dispute
	_, err = coord.Transition(ctx, id, types.ActionResolveToSeller, arbitrator)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	esc, err = coord.Transition(ctx, id, types.ActionDispute, buyer)
	require.NoError(t, err)
	assert.Equal(t, types.EscrowDisputed, esc.State)

	// neither trading party may resolve
	_, err = coord.Transition(ctx, id, types.ActionResolveToBuyer, buyer)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = coord.Transition(ctx, id, types.ActionResolveToBuyer, seller)
	assert.ErrorIs(t, err, ErrUnauthorized)

	esc, err = coord.Transition(ctx, id, types.ActionResolveToSeller, arbitrator)
	require.NoError(t, err)
	assert.Equal(t, types.EscrowResolvedToSeller, esc.State)
	require.NotNil(t, esc.CompletedAt)

	// terminal is sticky, even for the arbitrator
	_, err = coord.Transition(ctx, id, types.ActionResolveToBuyer, arbitrator)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	events := store.events[id]
	require.Len(t, events, 4)
	for i, event := range events {
		assert.Equal(t, uint64(i)+1, event.Sequence)
	}
	assert.Equal(t, types.ActionResolveToSeller, events[3].Action)
	assert.Equal(t, types.EscrowDisputed, events[3].FromState)
	assert.Equal(t, types.EscrowResolvedToSeller, events[3].ToState)
}

func TestReleaseByBuyer(t *testing.T) {
	coord, _, _ := newTestCoordinator()
	ctx := context.Background()

	esc, err := coord.Create(ctx, validCreate())
	require.NoError(t, err)

	_, err = coord.Transition(ctx, esc.ID, types.ActionMarkDelivered, seller)
	require.NoError(t, err)

	// the seller cannot release funds to themselves
	_, err = coord.Transition(ctx, esc.ID, types.ActionRelease, seller)
	assert.ErrorIs(t, err, ErrUnauthorized)

	esc, err = coord.Transition(ctx, esc.ID, types.ActionRelease, buyer)
	require.NoError(t, err)
	assert.Equal(t, types.EscrowReleased, esc.State)
	assert.NotNil(t, esc.CompletedAt)
}

func TestRefundPolicyGatesSeller(t *testing.T) {
	ctx := context.Background()

	t.Run("buyer only", func(t *testing.T) {
		coord, _, _ := newTestCoordinator()
		esc, err := coord.Create(ctx, validCreate())
		require.NoError(t, err)
		_, err = coord.Transition(ctx, esc.ID, types.ActionMarkDelivered, seller)
		require.NoError(t, err)

		_, err = coord.Transition(ctx, esc.ID, types.ActionRefund, seller)
		assert.ErrorIs(t, err, ErrUnauthorized)

		esc, err = coord.Transition(ctx, esc.ID, types.ActionRefund, buyer)
		require.NoError(t, err)
		assert.Equal(t, types.EscrowRefunded, esc.State)
	})

	t.Run("either party", func(t *testing.T) {
		coord, _, _ := newTestCoordinator()
		req := validCreate()
		req.RefundPolicy = types.RefundEitherParty
		esc, err := coord.Create(ctx, req)
		require.NoError(t, err)
		_, err = coord.Transition(ctx, esc.ID, types.ActionMarkDelivered, seller)
		require.NoError(t, err)

		esc, err = coord.Transition(ctx, esc.ID, types.ActionRefund, seller)
		require.NoError(t, err)
		assert.Equal(t, types.EscrowRefunded, esc.State)
	})
}

func TestTransitionBroadcastFailureLeavesStateUnchanged(t *testing.T) {
	coord, store, submitter := newTestCoordinator()
	ctx := context.Background()

	esc, err := coord.Create(ctx, validCreate())
	require.NoError(t, err)

	submitter.err = fmt.Errorf("rpc unreachable")
	_, err = coord.Transition(ctx, esc.ID, types.ActionMarkDelivered, seller)
	require.Error(t, err)

	current, err := coord.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EscrowCreated, current.State)
	assert.Len(t, store.events[esc.ID], 1)
}

func TestStalledTransitionCannotOverwriteTerminalState(t *testing.T) {
	coord, store, submitter := newTestCoordinator()
	ctx := context.Background()

	esc, err := coord.Create(ctx, validCreate())
	require.NoError(t, err)
	_, err = coord.Transition(ctx, esc.ID, types.ActionMarkDelivered, seller)
	require.NoError(t, err)

	entered := make(chan struct{}, 1)
	proceed := make(chan struct{})
	submitter.mu.Lock()
	submitter.entered, submitter.proceed = entered, proceed
	submitter.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := coord.Transition(ctx, esc.ID, types.ActionDispute, buyer)
		done <- err
	}()
	<-entered

	// ungate so the release is not held by the stalled dispute broadcast
	submitter.mu.Lock()
	submitter.entered, submitter.proceed = nil, nil
	submitter.mu.Unlock()

	released, err := coord.Transition(ctx, esc.ID, types.ActionRelease, buyer)
	require.NoError(t, err)
	require.Equal(t, types.EscrowReleased, released.State)

	// the stalled dispute read DELIVERED; by the time its write lands the
	// escrow is terminal, so the write must lose and leave no event behind
	close(proceed)
	err = <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	final, err := coord.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EscrowReleased, final.State)

	events := store.events[esc.ID]
	require.Len(t, events, 3)
	assert.Equal(t, types.ActionRelease, events[2].Action)
	assert.Equal(t, uint64(3), events[2].Sequence)
}

func TestAuthorizeIsCaseInsensitive(t *testing.T) {
	coord, _, _ := newTestCoordinator()
	ctx := context.Background()

	esc, err := coord.Create(ctx, validCreate())
	require.NoError(t, err)

	esc, err = coord.Transition(ctx, esc.ID, types.ActionMarkDelivered, strings.ToLower(seller))
	require.NoError(t, err)
	assert.Equal(t, types.EscrowDelivered, esc.State)

	_, err = coord.Transition(ctx, esc.ID, types.ActionRelease, strings.ToUpper(stranger[:2])+stranger[2:])
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateIsNotARequestableTransition(t *testing.T) {
	coord, _, _ := newTestCoordinator()
	ctx := context.Background()

	esc, err := coord.Create(ctx, validCreate())
	require.NoError(t, err)

	_, err = coord.Transition(ctx, esc.ID, types.ActionCreate, buyer)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEventsUnknownEscrow(t *testing.T) {
	coord, _, _ := newTestCoordinator()
	_, err := coord.Events(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenDepositCarriesNoValue(t *testing.T) {
	store := newMockStore()
	var captured ledger.SubmitRequest
	submitter := &captureSubmitter{capture: &captured}
	coord := NewCoordinator(CoordinatorOpts{
		Store:     store,
		Submitter: submitter,
		Contracts: map[string]string{testChain: "0x9999999999999999999999999999999999999999"},
	})

	req := validCreate()
	req.PaymentType = types.PaymentToken
	req.TokenAddress = "0xeeEEeEEeeeEEeEEEeeEeEeeEEeEeEEeEEeEeeEe5"

	_, err := coord.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0", captured.Value.String())

	native := validCreate()
	_, err = coord.Create(context.Background(), native)
	require.NoError(t, err)
	assert.Equal(t, "1000000", captured.Value.String())
}

type captureSubmitter struct {
	capture *ledger.SubmitRequest
	count   int
}

func (c *captureSubmitter) Submit(_ context.Context, _, _ string, req ledger.SubmitRequest) (*models.PendingTransaction, error) {
	*c.capture = req
	c.count++
	return &models.PendingTransaction{TxHash: fmt.Sprintf("0x%064x", c.count)}, nil
}
