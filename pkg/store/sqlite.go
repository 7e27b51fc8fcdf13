package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/money"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements TransactionStore and WebhookEventStore on an
// embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		swap_reference TEXT NOT NULL DEFAULT '',
		inbound_address TEXT NOT NULL DEFAULT '',
		inbound_amount_minor INTEGER NOT NULL DEFAULT 0,
		inbound_currency TEXT NOT NULL DEFAULT '',
		target_amount_minor INTEGER NOT NULL DEFAULT 0,
		target_currency TEXT NOT NULL DEFAULT '',
		fee_minor INTEGER NOT NULL DEFAULT 0,
		recipient TEXT NOT NULL,
		subtype TEXT NOT NULL DEFAULT '',
		rate_snapshot TEXT NOT NULL DEFAULT '',
		payout_request_id TEXT NOT NULL DEFAULT '',
		payout_receipt TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		expires_at DATETIME,
		created_at DATETIME NOT NULL,
		inbound_confirmed_at DATETIME,
		payout_initiated_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_status_expiry
		ON transactions (status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_swap_reference
		ON transactions (swap_reference);

	CREATE TABLE IF NOT EXISTS status_history (
		transaction_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_history_tx
		ON status_history (transaction_id);

	CREATE TABLE IF NOT EXISTS webhook_events (
		provider TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		payload BLOB,
		received_at DATETIME NOT NULL,
		PRIMARY KEY (provider, dedup_key)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const sqliteTxColumns = `id, status, swap_reference, inbound_address,
	inbound_amount_minor, inbound_currency, target_amount_minor, target_currency,
	fee_minor, recipient, subtype, rate_snapshot, payout_request_id,
	payout_receipt, failure_reason, expires_at, created_at,
	inbound_confirmed_at, payout_initiated_at, completed_at`

// Create persists a new transaction.
func (s *SQLiteStore) Create(ctx context.Context, tx *transaction.Transaction) error {
	query := `INSERT INTO transactions (` + sqliteTxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
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
func (s *SQLiteStore) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTxColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// GetBySwapReference resolves a swap provider reference to its transaction.
func (s *SQLiteStore) GetBySwapReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTxColumns+` FROM transactions WHERE swap_reference = ?`, reference)
	return scanTransaction(row)
}

// Transition performs the status compare-and-swap plus history append in one
// storage transaction. The WHERE status = from guard makes exactly one
// concurrent writer win.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to transaction.Status, reason string, mutate func(*transaction.Transaction)) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	row := dbtx.QueryRowContext(ctx, `SELECT `+sqliteTxColumns+` FROM transactions WHERE id = ?`, id)
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
			status = ?, swap_reference = ?, inbound_address = ?,
			inbound_amount_minor = ?, inbound_currency = ?,
			target_amount_minor = ?, target_currency = ?, fee_minor = ?,
			rate_snapshot = ?, payout_request_id = ?, payout_receipt = ?,
			failure_reason = ?, expires_at = ?,
			inbound_confirmed_at = ?, payout_initiated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
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
		`INSERT INTO status_history (transaction_id, from_status, to_status, reason, at) VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(to), reason, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("append history %s: %w", id, err)
	}

	return dbtx.Commit()
}

// History returns the transition log oldest first.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]transaction.StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, from_status, to_status, reason, at FROM status_history WHERE transaction_id = ? ORDER BY at ASC, rowid ASC`, id)
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
func (s *SQLiteStore) ListAwaitingExpiry(ctx context.Context, asOf time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT id FROM transactions WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`,
		string(transaction.StatusAwaitingInbound), asOf, limit)
}

// ListPayoutPendingBefore returns PAYOUT_PENDING transactions initiated at or
// before cutoff.
func (s *SQLiteStore) ListPayoutPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT id FROM transactions WHERE status = ? AND payout_initiated_at <= ? ORDER BY payout_initiated_at ASC LIMIT ?`,
		string(transaction.StatusPayoutPending), cutoff, limit)
}

func (s *SQLiteStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
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

// MarkProcessed inserts the dedup key first-writer-wins. The primary key on
// (provider, dedup_key) plus ON CONFLICT DO NOTHING makes exactly one
// concurrent caller observe a fresh insert.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, provider transaction.Provider, dedupKey string, payload []byte, receivedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (provider, dedup_key, payload, received_at) VALUES (?, ?, ?, ?)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var rec transaction.Transaction
	var status, inboundCur, targetCur string
	var inboundMinor, targetMinor, feeMinor int64
	var expiresAt, inboundConfirmedAt, payoutInitiatedAt, completedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &status, &rec.SwapReference, &rec.InboundAddress,
		&inboundMinor, &inboundCur, &targetMinor, &targetCur,
		&feeMinor, &rec.Recipient, &rec.Subtype, &rec.RateSnapshot,
		&rec.PayoutRequestID, &rec.PayoutReceipt, &rec.FailureReason,
		&expiresAt, &rec.CreatedAt,
		&inboundConfirmedAt, &payoutInitiatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	rec.Status = transaction.Status(status)
	if inboundCur != "" {
		rec.InboundAmount = money.New(inboundMinor, inboundCur)
	}
	if targetCur != "" {
		rec.TargetAmount = money.New(targetMinor, targetCur)
		rec.Fee = money.New(feeMinor, targetCur)
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	rec.InboundConfirmedAt = timePtr(inboundConfirmedAt)
	rec.PayoutInitiatedAt = timePtr(payoutInitiatedAt)
	rec.CompletedAt = timePtr(completedAt)
	return &rec, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
