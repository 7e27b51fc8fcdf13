package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore implements TransactionStore and WebhookEventStore on
// PostgreSQL for multi-instance deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing handle and ensures the schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		swap_reference TEXT NOT NULL DEFAULT '',
		inbound_address TEXT NOT NULL DEFAULT '',
		inbound_amount_minor BIGINT NOT NULL DEFAULT 0,
		inbound_currency TEXT NOT NULL DEFAULT '',
		target_amount_minor BIGINT NOT NULL DEFAULT 0,
		target_currency TEXT NOT NULL DEFAULT '',
		fee_minor BIGINT NOT NULL DEFAULT 0,
		recipient TEXT NOT NULL,
		subtype TEXT NOT NULL DEFAULT '',
		rate_snapshot TEXT NOT NULL DEFAULT '',
		payout_request_id TEXT NOT NULL DEFAULT '',
		payout_receipt TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		inbound_confirmed_at TIMESTAMPTZ,
		payout_initiated_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_status_expiry
		ON transactions (status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_swap_reference
		ON transactions (swap_reference);

	CREATE TABLE IF NOT EXISTS status_history (
		seq BIGSERIAL PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_history_tx
		ON status_history (transaction_id);

	CREATE TABLE IF NOT EXISTS webhook_events (
		provider TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		payload BYTEA,
		received_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (provider, dedup_key)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const pgTxColumns = `id, status, swap_reference, inbound_address,
	inbound_amount_minor, inbound_currency, target_amount_minor, target_currency,
	fee_minor, recipient, subtype, rate_snapshot, payout_request_id,
	payout_receipt, failure_reason, expires_at, created_at,
	inbound_confirmed_at, payout_initiated_at, completed_at`

// Create persists a new transaction.
func (s *PostgresStore) Create(ctx context.Context, tx *transaction.Transaction) error {
	query := `INSERT INTO transactions (` + pgTxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := s.db.ExecContext(ctx, query,
		tx.ID, string(tx.Status), tx.SwapReference, tx.InboundAddress,
		tx.InboundAmount.AmountMinor, tx.InboundAmount.Currency,
		tx.TargetAmount.AmountMinor, tx.TargetAmount.Currency,
		tx.Fee.AmountMinor, tx.Recipient, tx.Subtype, tx.RateSnapshot,
		tx.PayoutRequestID, tx.PayoutReceipt, tx.FailureReason,
		nullTime(tx.ExpiresAt), tx.CreatedAt,
		nullTimePtr(tx.InboundConfirmedAt), nullTimePtr(tx.PayoutInitiatedAt), nullTimePtr(tx.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// Get returns the transaction or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgTxColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetBySwapReference resolves a swap provider reference to its transaction.
func (s *PostgresStore) GetBySwapReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgTxColumns+` FROM transactions WHERE swap_reference = $1`, reference)
	return scanTransaction(row)
}

// Transition performs the status CAS plus history append in one SQL
// transaction. SELECT ... FOR UPDATE serializes writers on the row; the
// WHERE status = $n guard makes the winner explicit.
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to transaction.Status, reason string, mutate func(*transaction.Transaction)) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	row := dbtx.QueryRowContext(ctx, `SELECT `+pgTxColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanTransaction(row)
	if err != nil {
		return err
	}
	if rec.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleStatus, id, rec.Status, from)
	}

	rec.Status = to
	if mutate != nil {
		mutate(rec)
	}

	res, err := dbtx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, swap_reference = $2, inbound_address = $3,
			inbound_amount_minor = $4, inbound_currency = $5,
			target_amount_minor = $6, target_currency = $7, fee_minor = $8,
			rate_snapshot = $9, payout_request_id = $10, payout_receipt = $11,
			failure_reason = $12, expires_at = $13,
			inbound_confirmed_at = $14, payout_initiated_at = $15, completed_at = $16
		WHERE id = $17 AND status = $18`,
		string(rec.Status), rec.SwapReference, rec.InboundAddress,
		rec.InboundAmount.AmountMinor, rec.InboundAmount.Currency,
		rec.TargetAmount.AmountMinor, rec.TargetAmount.Currency, rec.Fee.AmountMinor,
		rec.RateSnapshot, rec.PayoutRequestID, rec.PayoutReceipt,
		rec.FailureReason, nullTime(rec.ExpiresAt),
		nullTimePtr(rec.InboundConfirmedAt), nullTimePtr(rec.PayoutInitiatedAt), nullTimePtr(rec.CompletedAt),
		id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s lost transition race", ErrStaleStatus, id)
	}

	if _, err := dbtx.ExecContext(ctx,
		`INSERT INTO status_history (transaction_id, from_status, to_status, reason, at) VALUES ($1, $2, $3, $4, $5)`,
		id, string(from), string(to), reason, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("append history %s: %w", id, err)
	}

	return dbtx.Commit()
}

// History returns the transition log oldest first.
func (s *PostgresStore) History(ctx context.Context, id string) ([]transaction.StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, from_status, to_status, reason, at FROM status_history WHERE transaction_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []transaction.StatusHistoryEntry
	for rows.Next() {
		var e transaction.StatusHistoryEntry
		var from, to string
		if err := rows.Scan(&e.TransactionID, &from, &to, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		e.FromStatus = transaction.Status(from)
		e.ToStatus = transaction.Status(to)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListAwaitingExpiry returns AWAITING_INBOUND transactions past their deadline.
func (s *PostgresStore) ListAwaitingExpiry(ctx context.Context, asOf time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT id FROM transactions WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at ASC LIMIT $3`,
		string(transaction.StatusAwaitingInbound), asOf, limit)
}

// ListPayoutPendingBefore returns PAYOUT_PENDING transactions initiated at or
// before cutoff.
func (s *PostgresStore) ListPayoutPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT id FROM transactions WHERE status = $1 AND payout_initiated_at <= $2 ORDER BY payout_initiated_at ASC LIMIT $3`,
		string(transaction.StatusPayoutPending), cutoff, limit)
}

func (s *PostgresStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkProcessed inserts the dedup key first-writer-wins via
// ON CONFLICT DO NOTHING on the (provider, dedup_key) primary key.
func (s *PostgresStore) MarkProcessed(ctx context.Context, provider transaction.Provider, dedupKey string, payload []byte, receivedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (provider, dedup_key, payload, received_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider, dedup_key) DO NOTHING`,
		string(provider), dedupKey, payload, receivedAt)
	if err != nil {
		return false, fmt.Errorf("mark webhook %s/%s: %w", provider, dedupKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 0, nil
}
