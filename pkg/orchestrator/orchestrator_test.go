package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/money"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/pricing"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/provider"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/resiliency"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/store"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"
)

// --- Fakes ---

type fakeSwap struct {
	calls   atomic.Int32
	err     error
	quote   provider.SwapQuote
	mu      sync.Mutex
	lastKey string
}

func (f *fakeSwap) CreateSwap(_ context.Context, req provider.SwapRequest) (*provider.SwapQuote, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastKey = req.IdempotencyKey
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	q := f.quote
	if q.Reference == "" {
		q.Reference = "sw_" + req.IdempotencyKey[:8]
	}
	if q.InboundAddress == "" {
		q.InboundAddress = "bc1qswapaddr"
	}
	if q.InboundAmount.Currency == "" {
		q.InboundAmount = money.New(150000, "BTC")
	}
	return &q, nil
}

type fakePayout struct {
	disburseCalls atomic.Int32
	queryCalls    atomic.Int32
	disburseErr   error
	status        provider.PayoutStatus
	queryErr      error
}

func (f *fakePayout) Disburse(_ context.Context, req provider.PayoutRequest) (*provider.PayoutAck, error) {
	f.disburseCalls.Add(1)
	if f.disburseErr != nil {
		return nil, f.disburseErr
	}
	return &provider.PayoutAck{RequestID: "po_" + req.TransactionID[:8]}, nil
}

func (f *fakePayout) QueryStatus(_ context.Context, requestID string) (*provider.PayoutStatus, error) {
	f.queryCalls.Add(1)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	st := f.status
	st.RequestID = requestID
	return &st, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []provider.EventKind
}

func (f *fakeNotifier) Notify(_ context.Context, _ string, kind provider.EventKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
	return nil
}

func (f *fakeNotifier) kinds() []provider.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.EventKind, len(f.events))
	copy(out, f.events)
	return out
}

type fixture struct {
	orch     *Orchestrator
	store    *store.SQLiteStore
	swap     *fakeSwap
	payout   *fakePayout
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)

	f := &fixture{
		store:    s,
		swap:     &fakeSwap{},
		payout:   &fakePayout{status: provider.PayoutStatus{Final: true, Succeeded: true, Receipt: "RCPT1"}},
		notifier: &fakeNotifier{},
	}
	breaker := resiliency.NewBreaker(resiliency.NewMemoryCircuitStore(), 5, 100*time.Millisecond, nil)
	f.orch = New(s, f.swap, f.payout, f.notifier, pricing.DefaultKESQuoter(), breaker, nil, nil, Options{
		Retry: resiliency.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
	})
	return f
}

func createTx(t *testing.T, f *fixture) *transaction.Transaction {
	t.Helper()
	res, err := f.orch.Create(context.Background(), CreateRequest{
		Recipient:    "254700000001",
		Subtype:      "send_money",
		TargetAmount: money.New(500_000, "KES"),
	})
	require.NoError(t, err)
	return res.Transaction
}

// --- Tests ---

func TestCreateRegistersSwap(t *testing.T) {
	f := newFixture(t)
	tx := createTx(t, f)

	assert.Equal(t, transaction.StatusAwaitingInbound, tx.Status)
	assert.NotEmpty(t, tx.SwapReference)
	assert.NotEmpty(t, tx.InboundAddress)
	assert.False(t, tx.ExpiresAt.IsZero())
	assert.Equal(t, int32(1), f.swap.calls.Load())

	// Fee per the KES schedule: 1.5% of 5,000.00 is 75.00.
	assert.Equal(t, int64(75_00), tx.Fee.AmountMinor)

	history, err := f.store.History(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, transaction.StatusPending, history[0].FromStatus)
	assert.Equal(t, transaction.StatusAwaitingInbound, history[0].ToStatus)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Create(ctx, CreateRequest{TargetAmount: money.New(500_000, "KES")})
	assert.ErrorIs(t, err, ErrValidation, "missing recipient")

	_, err = f.orch.Create(ctx, CreateRequest{
		Recipient:    "254700000001",
		TargetAmount: money.New(10, "KES"),
	})
	assert.ErrorIs(t, err, ErrValidation, "amount below minimum")

	_, err = f.orch.Create(ctx, CreateRequest{
		Recipient:    "254700000001",
		TargetAmount: money.New(-500, "KES"),
	})
	assert.ErrorIs(t, err, ErrValidation, "negative amount")
	assert.Equal(t, int32(0), f.swap.calls.Load(), "invalid requests never reach the provider")
}

func TestCreateProviderFailureNeverLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.swap.err = &provider.StatusError{Provider: "swap-provider", Code: 503, Body: "down"}

	_, err := f.orch.Create(context.Background(), CreateRequest{
		Recipient:    "254700000001",
		TargetAmount: money.New(500_000, "KES"),
	})
	require.ErrorIs(t, err, ErrUnavailable)
	// 503 is transient: the policy's two attempts were both used.
	assert.Equal(t, int32(2), f.swap.calls.Load())

	// The record must land in FAILED, never stay PENDING. The swap
	// idempotency key is the transaction ID.
	f.swap.mu.Lock()
	id := f.swap.lastKey
	f.swap.mu.Unlock()
	got, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, got.Status)
	assert.Equal(t, "swap-provider unavailable", got.FailureReason)
}

func TestCreateDoesNotRetryClientErrors(t *testing.T) {
	f := newFixture(t)
	f.swap.err = &provider.StatusError{Provider: "swap-provider", Code: 400, Body: "bad recipient"}

	_, err := f.orch.Create(context.Background(), CreateRequest{
		Recipient:    "254700000001",
		TargetAmount: money.New(500_000, "KES"),
	})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), f.swap.calls.Load(), "4xx responses are not retried")
}

func TestHappyPathToCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))
	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPayoutPending, got.Status)
	assert.NotEmpty(t, got.PayoutRequestID)
	assert.NotNil(t, got.InboundConfirmedAt)
	assert.NotNil(t, got.PayoutInitiatedAt)
	assert.Equal(t, int32(1), f.payout.disburseCalls.Load())

	require.NoError(t, f.orch.HandlePayoutConfirmed(ctx, tx.ID, "MPE12345"))
	got, err = f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, got.Status)
	assert.Equal(t, "MPE12345", got.PayoutReceipt)
	assert.NotNil(t, got.CompletedAt)

	history, err := f.store.History(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, transaction.StatusCompleted, history[3].ToStatus)

	assert.Equal(t, []provider.EventKind{provider.EventCompleted}, f.notifier.kinds())
}

func TestDuplicateInboundConfirmationSinglePayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))
	}
	assert.Equal(t, int32(1), f.payout.disburseCalls.Load(), "one payout per transaction")

	history, err := f.store.History(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "duplicates add no history entries")
}

func TestConcurrentInboundConfirmationsSinglePayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.orch.HandleInboundConfirmed(ctx, tx.SwapReference)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.payout.disburseCalls.Load())
}

func TestInboundConfirmationUnknownReference(t *testing.T) {
	f := newFixture(t)
	err := f.orch.HandleInboundConfirmed(context.Background(), "sw_unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPayoutFailureEmitsRefundIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)
	f.payout.disburseErr = &provider.StatusError{Provider: "payout-provider", Code: 500, Body: "outage"}

	require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))

	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, got.Status)
	assert.Equal(t, "payout-provider unavailable", got.FailureReason)
	assert.Equal(t, []provider.EventKind{provider.EventRefundIntent}, f.notifier.kinds())
}

func TestPayoutCallbackFailureEmitsRefundIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))
	require.NoError(t, f.orch.HandlePayoutFailed(ctx, tx.ID, "insufficient float"))

	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, got.Status)
	assert.Equal(t, "insufficient float", got.FailureReason)
	assert.Contains(t, f.notifier.kinds(), provider.EventRefundIntent)
}

func TestPayoutConfirmationOutOfOrderIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	// Payout confirmation while still AWAITING_INBOUND: non-adjacent, no-op.
	require.NoError(t, f.orch.HandlePayoutConfirmed(ctx, tx.ID, "MPE1"))

	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusAwaitingInbound, got.Status)
	assert.Empty(t, got.PayoutReceipt)
}

func TestPayoutConfirmationIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))
	require.NoError(t, f.orch.HandlePayoutConfirmed(ctx, tx.ID, "MPE1"))
	require.NoError(t, f.orch.HandlePayoutConfirmed(ctx, tx.ID, "MPE_LATE"))

	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "MPE1", got.PayoutReceipt, "late duplicate must not overwrite the receipt")
	assert.Equal(t, []provider.EventKind{provider.EventCompleted}, f.notifier.kinds(), "one completion notification")
}

func TestPayoutConfirmationAfterExpiryDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.swap.quote = provider.SwapQuote{
		InboundAmount: money.New(150000, "BTC"),
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	}
	tx := createTx(t, f)
	_, err := f.orch.ExpireStale(ctx)
	require.NoError(t, err)

	// A confirmation for an expired transaction is acknowledged and dropped.
	require.NoError(t, f.orch.HandlePayoutConfirmed(ctx, tx.ID, "MPE_STRAY"))
	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusExpired, got.Status)
	assert.Empty(t, got.PayoutReceipt)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	f.swap.quote = provider.SwapQuote{
		Reference:      "sw_expired",
		InboundAddress: "bc1q",
		InboundAmount:  money.New(150000, "BTC"),
		ExpiresAt:      past,
	}
	tx := createTx(t, f)

	n, err := f.orch.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusExpired, got.Status)
	assert.Equal(t, []provider.EventKind{provider.EventExpired}, f.notifier.kinds())

	// A second sweep finds nothing.
	n, err = f.orch.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentExpirySweepsSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.swap.quote = provider.SwapQuote{
		InboundAmount: money.New(150000, "BTC"),
		ExpiresAt:     time.Now().UTC().Add(-time.Hour),
	}
	txs := make([]*transaction.Transaction, 3)
	for i := range txs {
		txs[i] = createTx(t, f)
	}

	const sweepers = 4
	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.orch.ExpireStale(ctx)
			assert.NoError(t, err)
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	// Each transaction is expired exactly once across all sweeps.
	assert.Equal(t, int32(len(txs)), total.Load())
	for _, tx := range txs {
		got, err := f.store.Get(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusExpired, got.Status)
	}
	kinds := f.notifier.kinds()
	require.Len(t, kinds, len(txs))
	for _, k := range kinds {
		assert.Equal(t, provider.EventExpired, k)
	}
}

func TestExpiredTransactionDiscardsLateConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.swap.quote = provider.SwapQuote{
		Reference:     "sw_late",
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
		InboundAmount: money.New(150000, "BTC"),
	}
	tx := createTx(t, f)

	_, err := f.orch.ExpireStale(ctx)
	require.NoError(t, err)

	// The confirmation arrives after the sweep won: discarded, acknowledged.
	require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))
	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusExpired, got.Status)
	assert.Equal(t, int32(0), f.payout.disburseCalls.Load())
}

func TestReconcilePayoutsSettlesSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))
	f.payout.status = provider.PayoutStatus{Final: true, Succeeded: true, Receipt: "MPE_RECON"}

	// olderThan 0: everything pending is eligible immediately.
	n, err := f.orch.ReconcilePayouts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, got.Status)
	assert.Equal(t, "MPE_RECON", got.PayoutReceipt)
}

func TestReconcilePayoutsSettlesFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))
	f.payout.status = provider.PayoutStatus{Final: true, Succeeded: false, ResultDesc: "recipient barred"}

	n, err := f.orch.ReconcilePayouts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, got.Status)
	assert.Equal(t, "recipient barred", got.FailureReason)
}

func TestReconcilePayoutsSkipsNonFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := createTx(t, f)

	require.NoError(t, f.orch.HandleInboundConfirmed(ctx, tx.SwapReference))
	f.payout.status = provider.PayoutStatus{Final: false}

	n, err := f.orch.ReconcilePayouts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPayoutPending, got.Status, "non-final answers leave the record pending")
}

func TestCircuitOpenShortCircuitsCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Threshold-1 breaker: one failure opens the swap circuit.
	breaker := resiliency.NewBreaker(resiliency.NewMemoryCircuitStore(), 1, time.Hour, nil)
	f.orch = New(f.store, f.swap, f.payout, f.notifier, pricing.DefaultKESQuoter(), breaker, nil, nil, Options{
		Retry: resiliency.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	f.swap.err = &provider.StatusError{Provider: "swap-provider", Code: 503, Body: "down"}

	_, err := f.orch.Create(ctx, CreateRequest{Recipient: "254700000001", TargetAmount: money.New(500_000, "KES")})
	require.ErrorIs(t, err, ErrUnavailable)
	callsAfterFirst := f.swap.calls.Load()

	_, err = f.orch.Create(ctx, CreateRequest{Recipient: "254700000001", TargetAmount: money.New(500_000, "KES")})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, callsAfterFirst, f.swap.calls.Load(), "open circuit rejects without calling the provider")
}
