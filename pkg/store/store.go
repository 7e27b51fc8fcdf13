// Package store provides the durable record of transactions, their status
// history, and the webhook dedup ledger. Two backends exist: SQLite
// (modernc.org/sqlite, embedded) and PostgreSQL (lib/pq).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"
)

// ErrNotFound is returned for an unknown transaction ID.
var ErrNotFound = errors.New("transaction not found")

// ErrStaleStatus is returned when a status compare-and-swap loses: the
// stored status no longer matches the expected from-status. The caller
// treats this as a duplicate or out-of-order transition, not a failure.
var ErrStaleStatus = errors.New("stale status")

// TransactionStore is the durable home of Transaction and its history.
// Transition is the single-winner mechanism serializing concurrent writers
// (webhook handler vs expiry sweep) on one record.
type TransactionStore interface {
	// Create persists a new transaction in its initial status.
	Create(ctx context.Context, tx *transaction.Transaction) error
	// Get returns the transaction or ErrNotFound.
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	// GetBySwapReference resolves the swap provider's reference to our
	// transaction, or ErrNotFound. Swap webhooks carry only the reference.
	GetBySwapReference(ctx context.Context, reference string) (*transaction.Transaction, error)
	// Transition atomically moves id from `from` to `to`, applies mutate to
	// the record's other fields, and appends a StatusHistoryEntry, all in
	// one storage transaction. Returns ErrStaleStatus when the stored status
	// is no longer `from`.
	Transition(ctx context.Context, id string, from, to transaction.Status, reason string, mutate func(*transaction.Transaction)) error
	// History returns the append-only transition log, oldest first.
	History(ctx context.Context, id string) ([]transaction.StatusHistoryEntry, error)
	// ListAwaitingExpiry returns IDs of AWAITING_INBOUND transactions whose
	// deadline is at or before asOf.
	ListAwaitingExpiry(ctx context.Context, asOf time.Time, limit int) ([]string, error)
	// ListPayoutPendingBefore returns IDs of PAYOUT_PENDING transactions
	// whose payout was initiated at or before cutoff. Used by reconciliation.
	ListPayoutPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// WebhookEventStore is the dedup ledger for provider callbacks.
type WebhookEventStore interface {
	// MarkProcessed records (provider, dedupKey) first-writer-wins and
	// returns alreadyProcessed=true if the key had been seen before.
	// Exactly one concurrent caller per key observes false.
	MarkProcessed(ctx context.Context, provider transaction.Provider, dedupKey string, payload []byte, receivedAt time.Time) (alreadyProcessed bool, err error)
}
