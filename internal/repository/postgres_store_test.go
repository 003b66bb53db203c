package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cardrewards/ledger/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	accountCols = []string{"id", "username", "balance", "point_balance", "credit_limit", "updated_at"}
	entryCols   = []string{"id", "account_id", "amount", "status", "point_delta", "merchant", "source_entry_id", "created_at"}
)

const (
	lockAccountSQL = `SELECT id, username, balance, point_balance, credit_limit, updated_at FROM accounts WHERE id = \$1 FOR UPDATE`
	lockEntrySQL   = `SELECT id, account_id, amount, status, point_delta, merchant, source_entry_id, created_at FROM ledger_entries WHERE id = \$1 FOR UPDATE`
	insertEntrySQL = `INSERT INTO ledger_entries \(account_id, amount, status, point_delta, merchant, source_entry_id, created_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\) RETURNING id`
	updateEntrySQL = `UPDATE ledger_entries SET status = \$1 WHERE id = \$2 AND status = \$3`
	applyDeltaSQL  = `UPDATE accounts SET balance = balance \+ \$1, point_balance = point_balance \+ \$2, updated_at = \$3 WHERE id = \$4 RETURNING id, username, balance, point_balance, credit_limit, updated_at`
)

func newMockStore(t *testing.T, lockTimeout time.Duration) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, lockTimeout), mock
}

func TestPostgresStore_InTx(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("commits a payment", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(1, "alice", "0.00", 0, "1000.00", now))
		mock.ExpectQuery(insertEntrySQL).
			WithArgs(int64(1), decimal.NewFromInt(100), "Paid", int64(200), "Steam", sql.NullInt64{}, now).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(41))
		mock.ExpectQuery(applyDeltaSQL).
			WithArgs(decimal.NewFromInt(100), int64(200), now, int64(1)).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(1, "alice", "100.00", 200, "1000.00", now))
		mock.ExpectCommit()

		err := store.InTx(ctx, func(tx LedgerTx) error {
			account, err := tx.LockAccount(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "alice", account.Username)
			assert.True(t, account.CreditLimit.Equal(decimal.NewFromInt(1000)))

			entry := &models.LedgerEntry{AccountID: 1, Amount: decimal.NewFromInt(100), Status: models.EntryStatusPaid, PointDelta: 200, Merchant: "Steam", CreatedAt: now}
			id, err := tx.InsertEntry(ctx, entry)
			require.NoError(t, err)
			assert.Equal(t, int64(41), id)
			assert.Equal(t, int64(41), entry.ID)

			updated, err := tx.ApplyAccountDelta(ctx, 1, decimal.NewFromInt(100), 200, now)
			require.NoError(t, err)
			assert.True(t, updated.Balance.Equal(decimal.NewFromInt(100)))
			assert.Equal(t, int64(200), updated.PointBalance)
			return nil
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the callback fails", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(2, "bob", "990.00", 0, "1000.00", now))
		mock.ExpectRollback()

		boom := errors.New("insufficient credit")
		err := store.InTx(ctx, func(tx LedgerTx) error {
			if _, err := tx.LockAccount(ctx, 2); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sets the lock timeout", func(t *testing.T) {
		store, mock := newMockStore(t, 1500*time.Millisecond)

		mock.ExpectBegin()
		mock.ExpectExec(`SET LOCAL lock_timeout = '1500ms'`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		assert.NoError(t, store.InTx(ctx, func(tx LedgerTx) error { return nil }))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock timeout is reported", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).
			WithArgs(int64(3)).
			WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
		mock.ExpectRollback()

		err := store.InTx(ctx, func(tx LedgerTx) error {
			_, err := tx.LockAccount(ctx, 3)
			return err
		})
		assert.ErrorIs(t, err, ErrLockTimeout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(9)).WillReturnRows(sqlmock.NewRows(accountCols))
		mock.ExpectRollback()

		err := store.InTx(ctx, func(tx LedgerTx) error {
			_, err := tx.LockAccount(ctx, 9)
			return err
		})
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTx_Compensation(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("refund writes status change and compensating entry", func(t *testing.T) {
		store, mock := newMockStore(t, 0)
		src := int64(41)

		mock.ExpectBegin()
		mock.ExpectQuery(lockEntrySQL).
			WithArgs(int64(41)).
			WillReturnRows(sqlmock.NewRows(entryCols).AddRow(41, 1, "100.00", "Paid", 200, "Steam", nil, now))
		mock.ExpectExec(updateEntrySQL).
			WithArgs("Refunded", int64(41), "Paid").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(insertEntrySQL).
			WithArgs(int64(1), decimal.NewFromInt(-100), "Refunded", int64(-200), "Steam", sql.NullInt64{Int64: 41, Valid: true}, now).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		mock.ExpectCommit()

		err := store.InTx(ctx, func(tx LedgerTx) error {
			entry, err := tx.GetEntryForUpdate(ctx, 41)
			require.NoError(t, err)
			assert.Equal(t, models.EntryStatusPaid, entry.Status)
			assert.Nil(t, entry.SourceEntryID)

			require.NoError(t, tx.UpdateEntryStatus(ctx, 41, models.EntryStatusPaid, models.EntryStatusRefunded))

			comp := entry.Compensation(models.EntryStatusRefunded, now)
			assert.Equal(t, &src, comp.SourceEntryID)
			id, err := tx.InsertEntry(ctx, comp)
			require.NoError(t, err)
			assert.Equal(t, int64(42), id)
			return nil
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("status already moved", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectBegin()
		mock.ExpectExec(updateEntrySQL).
			WithArgs("Voided", int64(41), "Paid").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.InTx(ctx, func(tx LedgerTx) error {
			return tx.UpdateEntryStatus(ctx, 41, models.EntryStatusPaid, models.EntryStatusVoided)
		})
		assert.ErrorIs(t, err, ErrStatusConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second compensation hits the unique index", func(t *testing.T) {
		store, mock := newMockStore(t, 0)
		src := int64(41)

		mock.ExpectBegin()
		mock.ExpectQuery(insertEntrySQL).
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
		mock.ExpectRollback()

		err := store.InTx(ctx, func(tx LedgerTx) error {
			_, err := tx.InsertEntry(ctx, &models.LedgerEntry{AccountID: 1, Amount: decimal.NewFromInt(-5), Status: models.EntryStatusVoided, SourceEntryID: &src, CreatedAt: now})
			return err
		})
		assert.ErrorIs(t, err, ErrStatusConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown entry", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectBegin()
		mock.ExpectQuery(lockEntrySQL).WithArgs(int64(7)).WillReturnRows(sqlmock.NewRows(entryCols))
		mock.ExpectRollback()

		err := store.InTx(ctx, func(tx LedgerTx) error {
			_, err := tx.GetEntryForUpdate(ctx, 7)
			return err
		})
		assert.ErrorIs(t, err, ErrEntryNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTx_RiskCounts(t *testing.T) {
	ctx := context.Background()
	since := time.Now().Add(-24 * time.Hour)
	store, mock := newMockStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ledger_entries WHERE account_id = \$1 AND status = \$2 AND created_at > \$3`).
		WithArgs(int64(1), "Refunded", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ledger_entries WHERE account_id = \$1 AND merchant = \$2 AND amount = \$3 AND created_at > \$4`).
		WithArgs(int64(1), "Steam", decimal.RequireFromString("49.99"), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	err := store.InTx(ctx, func(tx LedgerTx) error {
		refunds, err := tx.CountRefundsSince(ctx, 1, since)
		require.NoError(t, err)
		assert.Equal(t, int64(2), refunds)

		dups, err := tx.CountDuplicatesSince(ctx, 1, "Steam", decimal.RequireFromString("49.99"), since)
		require.NoError(t, err)
		assert.Equal(t, int64(0), dups)
		return nil
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Queries(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("list entries newest first", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectQuery(`SELECT id, account_id, amount, status, point_delta, merchant, source_entry_id, created_at FROM ledger_entries WHERE account_id = \$1 ORDER BY id DESC LIMIT \$2`).
			WithArgs(int64(1), 2).
			WillReturnRows(sqlmock.NewRows(entryCols).
				AddRow(2, 1, "-100.00", "Refunded", -200, "Steam", 1, now).
				AddRow(1, 1, "100.00", "Refunded", 200, "Steam", nil, now))

		entries, err := store.ListEntries(ctx, 1, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.NotNil(t, entries[0].SourceEntryID)
		assert.Equal(t, int64(1), *entries[0].SourceEntryID)
		assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(-100)))
		assert.Nil(t, entries[1].SourceEntryID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sum entries", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\), COALESCE\(SUM\(point_delta\), 0\), COUNT\(\*\) FROM ledger_entries WHERE account_id = \$1`).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"sum", "points", "count"}).AddRow("148.00", 96, 2))

		sum, points, count, err := store.SumEntries(ctx, 1)
		require.NoError(t, err)
		assert.True(t, sum.Equal(decimal.NewFromInt(148)))
		assert.Equal(t, int64(96), points)
		assert.Equal(t, int64(2), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get account not found", func(t *testing.T) {
		store, mock := newMockStore(t, 0)

		mock.ExpectQuery(`SELECT id, username, balance, point_balance, credit_limit, updated_at FROM accounts WHERE id = \$1`).
			WithArgs(int64(5)).
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetAccount(ctx, 5)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
