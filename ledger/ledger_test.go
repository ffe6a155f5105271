package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossrail-labs/crossrail/chain"
	"github.com/crossrail-labs/crossrail/database/models"
	"github.com/crossrail-labs/crossrail/types"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testTo     = "0x2222222222222222222222222222222222222222"
	testChain  = "ethereum"
)

type mockStore struct {
	mu      sync.Mutex
	entries map[string]*models.PendingTransaction
}

func newMockStore() *mockStore {
	return &mockStore{entries: make(map[string]*models.PendingTransaction)}
}

func (m *mockStore) CreatePendingTransaction(_ context.Context, tx *models.PendingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *tx
	m.entries[tx.ID] = &clone
	return nil
}

func (m *mockStore) GetPendingTransaction(_ context.Context, id string) (*models.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *tx
	return &clone, nil
}

func (m *mockStore) SupersedePendingTransaction(_ context.Context, id, supersededBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != types.PendingActive {
		return ErrEntryNotActive
	}
	tx.Status = types.PendingSuperseded
	tx.SupersededBy = supersededBy
	return nil
}

func (m *mockStore) ConfirmPendingTransactionsBelow(_ context.Context, wallet, chainID string, nonce uint64, at time.Time) ([]models.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var confirmed []models.PendingTransaction
	for _, tx := range m.entries {
		if tx.Wallet == wallet && tx.ChainID == chainID && tx.Status == types.PendingActive && tx.Nonce < nonce {
			tx.Status = types.PendingConfirmed
			confirmedAt := at
			tx.ConfirmedAt = &confirmedAt
			confirmed = append(confirmed, *tx)
		}
	}
	return confirmed, nil
}

func (m *mockStore) ListActivePendingTransactions(_ context.Context, wallet, chainID string) ([]models.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []models.PendingTransaction
	for _, tx := range m.entries {
		if tx.Wallet == wallet && tx.ChainID == chainID && tx.Status == types.PendingActive {
			active = append(active, *tx)
		}
	}
	return active, nil
}

type mockQuerier struct {
	price        *big.Int
	minedNonce   uint64
	pendingNonce uint64
}

func (m *mockQuerier) TransactionReceipt(context.Context, common.Hash) (*chain.Receipt, error) {
	return nil, chain.ErrReceiptNotFound
}

func (m *mockQuerier) NonceAt(context.Context, common.Address) (uint64, error) {
	return m.minedNonce, nil
}

func (m *mockQuerier) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return m.pendingNonce, nil
}

func (m *mockQuerier) SuggestUnitPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.price), nil
}

type mockChainSet struct {
	querier *mockQuerier
}

func (m *mockChainSet) QuerierFor(string) (chain.Querier, error) {
	return m.querier, nil
}

type mockBroadcaster struct {
	mu       sync.Mutex
	requests []chain.TxRequest
	err      error
}

func (m *mockBroadcaster) SignAndBroadcast(_ context.Context, req chain.TxRequest) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return common.Hash{}, m.err
	}
	m.requests = append(m.requests, req)
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", len(m.requests)))), nil
}

func (m *mockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func newTestLedger(querier *mockQuerier) (*Ledger, *mockStore, *mockBroadcaster) {
	store := newMockStore()
	broadcaster := &mockBroadcaster{}
	l := NewLedger(LedgerOpts{
		Store:       store,
		Chains:      &mockChainSet{querier: querier},
		Broadcaster: broadcaster,
	})
	return l, store, broadcaster
}

func submitWithNonce(t *testing.T, l *Ledger, nonce uint64, gasPrice int64) *models.PendingTransaction {
	t.Helper()
	tx, err := l.Submit(context.Background(), testWallet, testChain, SubmitRequest{
		To:       testTo,
		Value:    big.NewInt(1_000),
		GasLimit: 21_000,
		GasPrice: big.NewInt(gasPrice),
		Nonce:    &nonce,
		Kind:     types.KindTransfer,
	})
	require.NoError(t, err)
	return tx
}

func TestSubmitAssignsPendingNonce(t *testing.T) {
	l, _, broadcaster := newTestLedger(&mockQuerier{price: big.NewInt(50), pendingNonce: 7})

	tx, err := l.Submit(context.Background(), testWallet, testChain, SubmitRequest{
		To:       testTo,
		Value:    big.NewInt(1_000),
		GasLimit: 21_000,
		Kind:     types.KindTransfer,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(7), tx.Nonce)
	assert.Equal(t, "50", tx.GasPrice)
	assert.Equal(t, types.PendingActive, tx.Status)
	assert.False(t, tx.Replacement)
	assert.Equal(t, 1, broadcaster.count())
}

func TestSubmitValidation(t *testing.T) {
	l, store, broadcaster := newTestLedger(&mockQuerier{price: big.NewInt(50)})

	cases := []struct {
		name   string
		wallet string
		req    SubmitRequest
	}{
		{"malformed wallet", "not-an-address", SubmitRequest{To: testTo, Value: big.NewInt(1), Kind: types.KindTransfer}},
		{"malformed recipient", testWallet, SubmitRequest{To: "nope", Value: big.NewInt(1), Kind: types.KindTransfer}},
		{"negative value", testWallet, SubmitRequest{To: testTo, Value: big.NewInt(-1), Kind: types.KindTransfer}},
		{"nil value", testWallet, SubmitRequest{To: testTo, Kind: types.KindTransfer}},
		{"unknown kind", testWallet, SubmitRequest{To: testTo, Value: big.NewInt(1), Kind: "warp"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Submit(context.Background(), tc.wallet, testChain, tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	assert.Equal(t, 0, broadcaster.count())
	assert.Empty(t, store.entries)
}

func TestSubmitBroadcastFailureLeavesNothingBehind(t *testing.T) {
	l, store, broadcaster := newTestLedger(&mockQuerier{price: big.NewInt(50)})
	broadcaster.err = chain.ErrRejected

	nonce := uint64(3)
	_, err := l.Submit(context.Background(), testWallet, testChain, SubmitRequest{
		To:    testTo,
		Value: big.NewInt(1),
		Nonce: &nonce,
		Kind:  types.KindTransfer,
	})

	assert.ErrorIs(t, err, ErrBroadcastFailed)
	assert.ErrorIs(t, err, chain.ErrRejected)
	assert.Empty(t, store.entries)
}

func TestSpeedUpBumpsPriceAndSupersedes(t *testing.T) {
	// network price below the original: the original is the baseline
	l, store, _ := newTestLedger(&mockQuerier{price: big.NewInt(50)})
	orig := submitWithNonce(t, l, 42, 100)

	replacement, err := l.SpeedUp(context.Background(), orig.ID)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), replacement.Nonce)
	assert.Equal(t, "120", replacement.GasPrice) // 100 * 1.2
	assert.Equal(t, orig.To, replacement.To)
	assert.Equal(t, orig.Value, replacement.Value)
	assert.True(t, replacement.Replacement)

	stored, err := store.GetPendingTransaction(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingSuperseded, stored.Status)
	assert.Equal(t, replacement.ID, stored.SupersededBy)
}

func TestSpeedUpFloorsOnCurrentNetworkPrice(t *testing.T) {
	// network price above the original: the live price is the baseline
	l, _, _ := newTestLedger(&mockQuerier{price: big.NewInt(200)})
	orig := submitWithNonce(t, l, 42, 100)

	replacement, err := l.SpeedUp(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, "240", replacement.GasPrice) // 200 * 1.2
}

func TestSpeedUpOnReplacedEntryFails(t *testing.T) {
	l, _, broadcaster := newTestLedger(&mockQuerier{price: big.NewInt(50)})
	orig := submitWithNonce(t, l, 42, 100)

	_, err := l.SpeedUp(context.Background(), orig.ID)
	require.NoError(t, err)
	sent := broadcaster.count()

	_, err = l.SpeedUp(context.Background(), orig.ID)
	assert.ErrorIs(t, err, ErrAlreadyReplaced)
	assert.Equal(t, sent, broadcaster.count(), "stale speed-up must not broadcast")
}

func TestConcurrentSpeedUpSerializes(t *testing.T) {
	l, _, broadcaster := newTestLedger(&mockQuerier{price: big.NewInt(50)})
	orig := submitWithNonce(t, l, 42, 100)
	sent := broadcaster.count()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.SpeedUp(context.Background(), orig.ID)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrAlreadyReplaced)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one of the concurrent speed-ups must lose")
	assert.Equal(t, sent+1, broadcaster.count(), "only one replacement may be broadcast")
}

func TestCancelIsZeroValueSelfSend(t *testing.T) {
	l, _, broadcaster := newTestLedger(&mockQuerier{price: big.NewInt(50)})
	orig := submitWithNonce(t, l, 42, 100)

	cancel, err := l.Cancel(context.Background(), orig.ID)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), cancel.Nonce)
	assert.Equal(t, "110", cancel.GasPrice) // 100 * 1.1
	assert.Equal(t, testWallet, cancel.To)
	assert.Equal(t, "0", cancel.Value)
	assert.True(t, cancel.Replacement)

	last := broadcaster.requests[len(broadcaster.requests)-1]
	assert.Equal(t, common.HexToAddress(testWallet), last.To)
	assert.Zero(t, last.Value.Sign())
}

func TestReplacementChainSharesNonce(t *testing.T) {
	l, store, _ := newTestLedger(&mockQuerier{price: big.NewInt(50)})
	orig := submitWithNonce(t, l, 42, 100)

	first, err := l.SpeedUp(context.Background(), orig.ID)
	require.NoError(t, err)
	second, err := l.SpeedUp(context.Background(), first.ID)
	require.NoError(t, err)

	for _, tx := range store.entries {
		assert.Equal(t, testWallet, tx.Wallet)
		assert.Equal(t, testChain, tx.ChainID)
		assert.Equal(t, uint64(42), tx.Nonce)
	}
	assert.Equal(t, "144", second.GasPrice) // 120 * 1.2
}

func TestSpeedUpOnConfirmedEntryFails(t *testing.T) {
	querier := &mockQuerier{price: big.NewInt(50)}
	l, _, _ := newTestLedger(querier)
	orig := submitWithNonce(t, l, 42, 100)

	querier.minedNonce = 43
	_, err := l.Reconcile(context.Background(), testWallet, testChain)
	require.NoError(t, err)

	_, err = l.SpeedUp(context.Background(), orig.ID)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
}

func TestReconcileIsIdempotent(t *testing.T) {
	querier := &mockQuerier{price: big.NewInt(50)}
	l, _, _ := newTestLedger(querier)
	submitWithNonce(t, l, 40, 100)
	submitWithNonce(t, l, 41, 100)
	keep := submitWithNonce(t, l, 42, 100)

	querier.minedNonce = 42
	confirmed, err := l.Reconcile(context.Background(), testWallet, testChain)
	require.NoError(t, err)
	assert.Len(t, confirmed, 2)

	active, err := l.ListActive(context.Background(), testWallet, testChain)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, keep.ID, active[0].ID)

	confirmed, err = l.Reconcile(context.Background(), testWallet, testChain)
	require.NoError(t, err)
	assert.Empty(t, confirmed)
}

// hookStore lets a test interleave work at the supersede point, between the
// locked re-read and the compare-and-set.
type hookStore struct {
	*mockStore
	beforeSupersede func()
}

func (h *hookStore) SupersedePendingTransaction(ctx context.Context, id, supersededBy string) error {
	if h.beforeSupersede != nil {
		h.beforeSupersede()
	}
	return h.mockStore.SupersedePendingTransaction(ctx, id, supersededBy)
}

func TestSpeedUpLosingToReconcileRecordsNoReplacement(t *testing.T) {
	querier := &mockQuerier{price: big.NewInt(50)}
	store := newMockStore()
	hooked := &hookStore{mockStore: store}
	broadcaster := &mockBroadcaster{}
	l := NewLedger(LedgerOpts{
		Store:       hooked,
		Chains:      &mockChainSet{querier: querier},
		Broadcaster: broadcaster,
	})
	orig := submitWithNonce(t, l, 42, 100)

	// the nonce mines while the speed-up is in flight; the reconcile lands
	// between the locked re-read and the supersede
	querier.minedNonce = 43
	hooked.beforeSupersede = func() {
		_, err := l.Reconcile(context.Background(), testWallet, testChain)
		require.NoError(t, err)

		// the replacement is not visible yet; only the original exists
		store.mu.Lock()
		assert.Len(t, store.entries, 1)
		store.mu.Unlock()
	}

	_, err := l.SpeedUp(context.Background(), orig.ID)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)

	// the lost replacement was never persisted
	active, err := l.ListActive(context.Background(), testWallet, testChain)
	require.NoError(t, err)
	assert.Empty(t, active)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.entries, 1)
	assert.Equal(t, types.PendingConfirmed, store.entries[orig.ID].Status)
}

func TestReplaceSupersedesBeforePersistingReplacement(t *testing.T) {
	querier := &mockQuerier{price: big.NewInt(50)}
	store := newMockStore()
	hooked := &hookStore{mockStore: store}
	broadcaster := &mockBroadcaster{}
	l := NewLedger(LedgerOpts{
		Store:       hooked,
		Chains:      &mockChainSet{querier: querier},
		Broadcaster: broadcaster,
	})
	orig := submitWithNonce(t, l, 42, 100)

	// at the supersede point the replacement must not be stored yet, so an
	// interruption there leaves zero active entries for the nonce, never two
	hooked.beforeSupersede = func() {
		store.mu.Lock()
		assert.Len(t, store.entries, 1)
		store.mu.Unlock()
	}

	replacement, err := l.SpeedUp(context.Background(), orig.ID)
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.entries, 2)
	assert.Equal(t, types.PendingSuperseded, store.entries[orig.ID].Status)
	assert.Equal(t, replacement.ID, store.entries[orig.ID].SupersededBy)
	assert.Equal(t, types.PendingActive, store.entries[replacement.ID].Status)
}

func TestBumpPriceRoundsUp(t *testing.T) {
	// 11 * 1.1 = 12.1, which must round up to 13 to stay >= the multiple
	got := bumpPrice(big.NewInt(11), big.NewInt(0), cancelNum)
	assert.Equal(t, int64(13), got.Int64())

	got = bumpPrice(big.NewInt(5), big.NewInt(0), speedUpNum)
	assert.Equal(t, int64(6), got.Int64())
}
