package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(db)
	require.NoError(t, err)
	return s, mock
}

func pgRows(tx *transaction.Transaction) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "status", "swap_reference", "inbound_address",
		"inbound_amount_minor", "inbound_currency", "target_amount_minor", "target_currency",
		"fee_minor", "recipient", "subtype", "rate_snapshot", "payout_request_id",
		"payout_receipt", "failure_reason", "expires_at", "created_at",
		"inbound_confirmed_at", "payout_initiated_at", "completed_at",
	}).AddRow(
		tx.ID, string(tx.Status), tx.SwapReference, tx.InboundAddress,
		tx.InboundAmount.AmountMinor, tx.InboundAmount.Currency,
		tx.TargetAmount.AmountMinor, tx.TargetAmount.Currency,
		tx.Fee.AmountMinor, tx.Recipient, tx.Subtype, tx.RateSnapshot,
		tx.PayoutRequestID, tx.PayoutReceipt, tx.FailureReason,
		tx.ExpiresAt, tx.CreatedAt, nil, nil, nil,
	)
}

func pgFixture(status transaction.Status) *transaction.Transaction {
	return &transaction.Transaction{
		ID:        "tx_1",
		Status:    status,
		Recipient: "254700000001",
		Subtype:   "send_money",
		ExpiresAt: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgresTransitionCAS(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
		WithArgs("tx_1").
		WillReturnRows(pgRows(pgFixture(transaction.StatusPayoutPending)))
	mock.ExpectExec("UPDATE transactions SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO status_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Transition(ctx, "tx_1", transaction.StatusPayoutPending, transaction.StatusCompleted, "payout confirmed", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionStaleOnStatusMismatch(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
		WithArgs("tx_1").
		WillReturnRows(pgRows(pgFixture(transaction.StatusCompleted)))
	mock.ExpectRollback()

	err := s.Transition(ctx, "tx_1", transaction.StatusPayoutPending, transaction.StatusCompleted, "", nil)
	assert.ErrorIs(t, err, ErrStaleStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionStaleOnLostUpdateRace(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1 FOR UPDATE").
		WithArgs("tx_1").
		WillReturnRows(pgRows(pgFixture(transaction.StatusAwaitingInbound)))
	mock.ExpectExec("UPDATE transactions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Transition(ctx, "tx_1", transaction.StatusAwaitingInbound, transaction.StatusExpired, "deadline passed", nil)
	assert.ErrorIs(t, err, ErrStaleStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	// An empty result set maps to ErrNotFound.
	mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "status", "swap_reference", "inbound_address",
			"inbound_amount_minor", "inbound_currency", "target_amount_minor", "target_currency",
			"fee_minor", "recipient", "subtype", "rate_snapshot", "payout_request_id",
			"payout_receipt", "failure_reason", "expires_at", "created_at",
			"inbound_confirmed_at", "payout_initiated_at", "completed_at",
		}))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkProcessed(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	already, err := s.MarkProcessed(ctx, transaction.ProviderPayout, "RCPT1", nil, now)
	require.NoError(t, err)
	assert.False(t, already)

	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	already, err = s.MarkProcessed(ctx, transaction.ProviderPayout, "RCPT1", nil, now)
	require.NoError(t, err)
	assert.True(t, already)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListAwaitingExpiry(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id FROM transactions WHERE status = \\$1 AND expires_at <= \\$2").
		WithArgs(string(transaction.StatusAwaitingInbound), now, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tx_1").AddRow("tx_2"))

	ids, err := s.ListAwaitingExpiry(context.Background(), now, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx_1", "tx_2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
