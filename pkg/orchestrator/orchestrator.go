// Package orchestrator drives a transaction from creation through
// swap-confirmation to payout-confirmation. It is the only writer of
// transaction state: every transition goes through the store's
// compare-and-swap and appends a history entry before any notification is
// emitted. Webhook handlers are idempotent; re-deliveries and out-of-order
// events are discarded, never surfaced as failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/money"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/observability"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/pricing"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/provider"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/resiliency"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/store"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"
)

// Collaborator keys for the circuit breaker.
const (
	keySwapProvider   = "swap-provider"
	keyPayoutProvider = "payout-provider"
)

// Options tunes the orchestrator.
type Options struct {
	// Retry bounds every outbound provider call.
	Retry resiliency.RetryPolicy
	// SwapTTL is the inbound deadline when the swap provider does not
	// supply one.
	SwapTTL time.Duration
	// SweepBatch caps how many records one expiry or reconcile pass touches.
	SweepBatch int
	// Clock overrides time.Now. Tests only.
	Clock func() time.Time
}

func (o *Options) withDefaults() {
	if o.Retry.MaxAttempts == 0 {
		o.Retry = resiliency.DefaultRetryPolicy()
	}
	if o.SwapTTL <= 0 {
		o.SwapTTL = 30 * time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Orchestrator is the transaction state machine.
type Orchestrator struct {
	store    store.TransactionStore
	swap     provider.SwapProvider
	payout   provider.PayoutProvider
	notifier provider.Notifier
	quoter   pricing.Quoter
	breaker  *resiliency.Breaker
	retry    resiliency.RetryPolicy
	locks    keyedMutex
	logger   *slog.Logger
	obs      *observability.Provider
	now      func() time.Time
	swapTTL  time.Duration
	batch    int
}

// New wires the orchestrator. The breaker must be shared with nothing else:
// its keys are the two collaborator names above.
func New(
	txStore store.TransactionStore,
	swap provider.SwapProvider,
	payout provider.PayoutProvider,
	notifier provider.Notifier,
	quoter pricing.Quoter,
	breaker *resiliency.Breaker,
	logger *slog.Logger,
	obs *observability.Provider,
	opts Options,
) *Orchestrator {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    txStore,
		swap:     swap,
		payout:   payout,
		notifier: notifier,
		quoter:   quoter,
		breaker:  breaker,
		retry:    opts.Retry,
		logger:   logger,
		obs:      obs,
		now:      opts.Clock,
		swapTTL:  opts.SwapTTL,
		batch:    opts.SweepBatch,
	}
}

// CreateRequest is a client's transfer request.
type CreateRequest struct {
	Recipient    string
	Subtype      string
	TargetAmount money.Money
}

// CreateResult is returned to the client: the persisted transaction plus the
// fee breakdown.
type CreateResult struct {
	Transaction *transaction.Transaction
	Quote       pricing.Quote
}

// Create validates the request, registers the swap with the provider through
// retry and circuit breaker, and persists the transaction in
// AWAITING_INBOUND. A transaction is never left in PENDING: provider failure
// moves it to FAILED and returns ErrUnavailable.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := o.obs.StartSpan(ctx, "orchestrator.Create")
	defer span.End()

	if req.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient required", ErrValidation)
	}
	if !req.TargetAmount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	quote, err := o.quoter.Quote(req.TargetAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := o.now().UTC()
	rec := &transaction.Transaction{
		ID:           uuid.NewString(),
		Status:       transaction.StatusPending,
		TargetAmount: quote.TargetAmount,
		Fee:          quote.Fee,
		Recipient:    req.Recipient,
		Subtype:      req.Subtype,
		CreatedAt:    now,
	}
	if err := o.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	var swapQuote *provider.SwapQuote
	res := resiliency.ExecuteWithRetry(ctx, o.callPolicy(), func(ctx context.Context) error {
		return o.breaker.Execute(ctx, keySwapProvider, func(ctx context.Context) error {
			q, err := o.swap.CreateSwap(ctx, provider.SwapRequest{
				TargetAmount:   quote.TargetAmount,
				Recipient:      req.Recipient,
				Subtype:        req.Subtype,
				IdempotencyKey: rec.ID,
			})
			if err != nil {
				return err
			}
			swapQuote = q
			return nil
		}, nil)
	})
	if !res.Succeeded() {
		if errors.Is(res.Err, resiliency.ErrCircuitOpen) {
			o.obs.RecordCircuitRejection(ctx, keySwapProvider)
		}
		if terr := o.transition(ctx, rec.ID, transaction.StatusPending, transaction.StatusFailed,
			"swap-provider unavailable", func(t *transaction.Transaction) {
				t.FailureReason = "swap-provider unavailable"
			}); terr != nil {
			o.logger.Error("failed to record swap failure", "transaction_id", rec.ID, "error", terr)
		}
		return nil, fmt.Errorf("%w: swap-provider: %v", ErrUnavailable, res.Err)
	}

	expiresAt := swapQuote.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(o.swapTTL)
	}
	err = o.transition(ctx, rec.ID, transaction.StatusPending, transaction.StatusAwaitingInbound,
		"swap registered", func(t *transaction.Transaction) {
			t.SwapReference = swapQuote.Reference
			t.InboundAddress = swapQuote.InboundAddress
			t.InboundAmount = swapQuote.InboundAmount
			t.RateSnapshot = swapQuote.Rate
			t.ExpiresAt = expiresAt
		})
	if err != nil {
		return nil, fmt.Errorf("record swap registration: %w", err)
	}

	final, err := o.store.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("transaction created",
		"transaction_id", rec.ID, "swap_reference", swapQuote.Reference,
		"target", quote.TargetAmount.String(), "fee", quote.Fee.String())
	return &CreateResult{Transaction: final, Quote: quote}, nil
}

// HandleInboundConfirmed processes the swap provider's receipt confirmation.
// Idempotent: a transaction already past AWAITING_INBOUND discards the event.
// On confirmation it synchronously initiates the payout; exactly one payout
// call is ever issued per transaction, guarded by the status CAS.
func (o *Orchestrator) HandleInboundConfirmed(ctx context.Context, swapReference string) error {
	ctx, span := o.obs.StartSpan(ctx, "orchestrator.HandleInboundConfirmed")
	defer span.End()

	rec, err := o.store.GetBySwapReference(ctx, swapReference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: swap reference %s", ErrNotFound, swapReference)
		}
		return err
	}

	unlock := o.locks.lock(rec.ID)
	defer unlock()

	rec, err = o.store.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	if rec.Status != transaction.StatusAwaitingInbound {
		// Already past this step, or a side-exit won. Discard and acknowledge.
		o.logger.Info("inbound confirmation discarded",
			"transaction_id", rec.ID, "status", rec.Status)
		return nil
	}

	now := o.now().UTC()
	err = o.transition(ctx, rec.ID, transaction.StatusAwaitingInbound, transaction.StatusInboundConfirmed,
		"inbound payment confirmed", func(t *transaction.Transaction) {
			t.InboundConfirmedAt = &now
		})
	if errors.Is(err, store.ErrStaleStatus) {
		return nil // concurrent winner already handled it
	}
	if err != nil {
		return err
	}

	return o.initiatePayout(ctx, rec)
}

// initiatePayout calls the payout provider and records the outcome. Caller
// holds the transaction lock and has just moved the record to
// INBOUND_CONFIRMED.
func (o *Orchestrator) initiatePayout(ctx context.Context, rec *transaction.Transaction) error {
	var ack *provider.PayoutAck
	res := resiliency.ExecuteWithRetry(ctx, o.callPolicy(), func(ctx context.Context) error {
		return o.breaker.Execute(ctx, keyPayoutProvider, func(ctx context.Context) error {
			a, err := o.payout.Disburse(ctx, provider.PayoutRequest{
				TransactionID: rec.ID,
				Recipient:     rec.Recipient,
				Amount:        rec.TargetAmount,
			})
			if err != nil {
				return err
			}
			ack = a
			return nil
		}, nil)
	})
	if !res.Succeeded() {
		if errors.Is(res.Err, resiliency.ErrCircuitOpen) {
			o.obs.RecordCircuitRejection(ctx, keyPayoutProvider)
		}
		reason := "payout-provider unavailable"
		if terr := o.transition(ctx, rec.ID, transaction.StatusInboundConfirmed, transaction.StatusFailed,
			reason, func(t *transaction.Transaction) {
				t.FailureReason = reason
			}); terr != nil {
			o.logger.Error("failed to record payout failure", "transaction_id", rec.ID, "error", terr)
		}
		// Funds were received: signal the refund collaborator.
		o.notify(ctx, rec.ID, provider.EventRefundIntent)
		o.logger.Error("payout initiation failed",
			"transaction_id", rec.ID, "attempts", res.Attempts, "error", res.Err)
		return nil
	}

	now := o.now().UTC()
	err := o.transition(ctx, rec.ID, transaction.StatusInboundConfirmed, transaction.StatusPayoutPending,
		"payout initiated", func(t *transaction.Transaction) {
			t.PayoutRequestID = ack.RequestID
			t.PayoutInitiatedAt = &now
		})
	if err != nil && !errors.Is(err, store.ErrStaleStatus) {
		return err
	}
	o.logger.Info("payout initiated",
		"transaction_id", rec.ID, "payout_request_id", ack.RequestID, "attempts", res.Attempts)
	return nil
}

// HandlePayoutConfirmed processes the payout provider's success callback.
// Idempotent by payout request: terminal transactions discard the event.
func (o *Orchestrator) HandlePayoutConfirmed(ctx context.Context, transactionID, receipt string) error {
	ctx, span := o.obs.StartSpan(ctx, "orchestrator.HandlePayoutConfirmed")
	defer span.End()

	unlock := o.locks.lock(transactionID)
	defer unlock()

	rec, err := o.store.Get(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, transactionID)
		}
		return err
	}
	if rec.Status.After(transaction.StatusPayoutPending) {
		o.logger.Info("payout confirmation discarded",
			"transaction_id", transactionID, "status", rec.Status)
		return nil
	}
	if rec.Status != transaction.StatusPayoutPending {
		// Non-adjacent transition: no-op, logged, never retried.
		o.logger.Warn("payout confirmation out of order",
			"transaction_id", transactionID, "status", rec.Status)
		return nil
	}

	now := o.now().UTC()
	err = o.transition(ctx, transactionID, transaction.StatusPayoutPending, transaction.StatusCompleted,
		"payout confirmed", func(t *transaction.Transaction) {
			t.PayoutReceipt = receipt
			t.CompletedAt = &now
		})
	if errors.Is(err, store.ErrStaleStatus) {
		return nil
	}
	if err != nil {
		return err
	}
	o.notify(ctx, transactionID, provider.EventCompleted)
	o.logger.Info("transaction completed", "transaction_id", transactionID, "receipt", receipt)
	return nil
}

// HandlePayoutFailed processes the payout provider's failure callback:
// the transaction fails with the provider's reason and a refund intent is
// emitted, since funds were already received.
func (o *Orchestrator) HandlePayoutFailed(ctx context.Context, transactionID, reason string) error {
	ctx, span := o.obs.StartSpan(ctx, "orchestrator.HandlePayoutFailed")
	defer span.End()

	unlock := o.locks.lock(transactionID)
	defer unlock()

	rec, err := o.store.Get(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, transactionID)
		}
		return err
	}
	if rec.Status.IsTerminal() {
		o.logger.Info("payout failure discarded",
			"transaction_id", transactionID, "status", rec.Status)
		return nil
	}
	if rec.Status != transaction.StatusPayoutPending {
		o.logger.Warn("payout failure out of order",
			"transaction_id", transactionID, "status", rec.Status)
		return nil
	}

	if reason == "" {
		reason = "payout rejected by provider"
	}
	err = o.transition(ctx, transactionID, transaction.StatusPayoutPending, transaction.StatusFailed,
		reason, func(t *transaction.Transaction) {
			t.FailureReason = reason
		})
	if errors.Is(err, store.ErrStaleStatus) {
		return nil
	}
	if err != nil {
		return err
	}
	o.notify(ctx, transactionID, provider.EventRefundIntent)
	o.logger.Warn("transaction failed at payout", "transaction_id", transactionID, "reason", reason)
	return nil
}

// ExpireStale sweeps AWAITING_INBOUND transactions past their deadline into
// EXPIRED. The status CAS makes one winner per record even when several
// sweepers run concurrently. Returns how many records this pass expired.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	ctx, span := o.obs.StartSpan(ctx, "orchestrator.ExpireStale")
	defer span.End()

	now := o.now().UTC()
	ids, err := o.store.ListAwaitingExpiry(ctx, now, o.batch)
	if err != nil {
		return 0, fmt.Errorf("list expirable: %w", err)
	}

	expired := 0
	for _, id := range ids {
		unlock := o.locks.lock(id)
		err := o.transition(ctx, id, transaction.StatusAwaitingInbound, transaction.StatusExpired,
			"inbound deadline passed", nil)
		unlock()
		if errors.Is(err, store.ErrStaleStatus) {
			continue // another sweeper or a late confirmation won
		}
		if err != nil {
			o.logger.Error("expiry sweep failed", "transaction_id", id, "error", err)
			continue
		}
		expired++
		o.notify(ctx, id, provider.EventExpired)
	}
	if expired > 0 {
		o.logger.Info("expiry sweep", "expired", expired, "candidates", len(ids))
	}
	return expired, nil
}

// ReconcilePayouts polls the payout provider for PAYOUT_PENDING transactions
// whose callback never arrived, feeding final answers through the same
// confirmation and failure paths. olderThan bounds how fresh a pending payout
// must be before reconciliation bothers the provider.
func (o *Orchestrator) ReconcilePayouts(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span := o.obs.StartSpan(ctx, "orchestrator.ReconcilePayouts")
	defer span.End()

	cutoff := o.now().UTC().Add(-olderThan)
	ids, err := o.store.ListPayoutPendingBefore(ctx, cutoff, o.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending payouts: %w", err)
	}

	settled := 0
	for _, id := range ids {
		rec, err := o.store.Get(ctx, id)
		if err != nil {
			continue
		}
		var st *provider.PayoutStatus
		res := resiliency.ExecuteWithRetry(ctx, o.callPolicy(), func(ctx context.Context) error {
			return o.breaker.Execute(ctx, keyPayoutProvider, func(ctx context.Context) error {
				s, err := o.payout.QueryStatus(ctx, rec.PayoutRequestID)
				if err != nil {
					return err
				}
				st = s
				return nil
			}, nil)
		})
		if !res.Succeeded() {
			o.logger.Warn("payout reconciliation query failed",
				"transaction_id", id, "error", res.Err)
			continue
		}
		if !st.Final {
			continue
		}
		if st.Succeeded {
			err = o.HandlePayoutConfirmed(ctx, id, st.Receipt)
		} else {
			err = o.HandlePayoutFailed(ctx, id, st.ResultDesc)
		}
		if err == nil {
			settled++
		}
	}
	if settled > 0 {
		o.logger.Info("payout reconciliation", "settled", settled, "candidates", len(ids))
	}
	return settled, nil
}

// callPolicy returns the retry policy with the standard predicate: transient
// provider errors retry, an open circuit does not.
func (o *Orchestrator) callPolicy() resiliency.RetryPolicy {
	p := o.retry
	p.RetryIf = func(err error) bool {
		if errors.Is(err, resiliency.ErrCircuitOpen) {
			return false
		}
		return provider.IsRetryable(err)
	}
	return p
}

// transition runs the store CAS and records the metric. Illegal edges are a
// programming error caught here before touching the store.
func (o *Orchestrator) transition(ctx context.Context, id string, from, to transaction.Status, reason string, mutate func(*transaction.Transaction)) error {
	if !transaction.CanTransition(from, to) {
		o.logger.Warn("illegal transition rejected",
			"transaction_id", id, "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", store.ErrStaleStatus, from, to)
	}
	if err := o.store.Transition(ctx, id, from, to, reason, mutate); err != nil {
		return err
	}
	o.obs.RecordTransition(ctx, string(from), string(to))
	return nil
}

// notify emits a lifecycle notification after the transition is durable.
// Notification failure is logged, never propagated: state is already
// recorded and the collaborator is expected to reconcile.
func (o *Orchestrator) notify(ctx context.Context, transactionID string, kind provider.EventKind) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, transactionID, kind); err != nil {
		o.logger.Error("notification failed",
			"transaction_id", transactionID, "event", string(kind), "error", err)
	}
}
