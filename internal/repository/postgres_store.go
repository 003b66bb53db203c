package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cardrewards/ledger/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const (
	pqLockNotAvailable = "55P03"
	pqUniqueViolation  = "23505"
)

const entryColumns = `id, account_id, amount, status, point_delta, merchant, source_entry_id, created_at`

// PostgresStore keeps accounts and ledger entries in PostgreSQL. Every
// mutation runs in a READ COMMITTED transaction that locks the account row.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, balance, point_balance, credit_limit, updated_at
		FROM accounts
		WHERE id = $1`, accountID)
	return scanAccount(row)
}

func (s *PostgresStore) ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SumEntries(ctx context.Context, accountID int64) (decimal.Decimal, int64, int64, error) {
	var (
		sum    decimal.Decimal
		points int64
		count  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(point_delta), 0), COUNT(*)
		FROM ledger_entries
		WHERE account_id = $1`, accountID).Scan(&sum, &points, &count)
	return sum, points, count, err
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) LockAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, username, balance, point_balance, credit_limit, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID)
	account, err := scanAccount(row)
	if err != nil {
		return nil, mapLockError(err)
	}
	return account, nil
}

func (t *postgresTx) GetEntryForUpdate(ctx context.Context, entryID int64) (*models.LedgerEntry, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1
		FOR UPDATE`, entryID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, mapLockError(err)
	}
	return entry, nil
}

func (t *postgresTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) (int64, error) {
	var source sql.NullInt64
	if entry.SourceEntryID != nil {
		source = sql.NullInt64{Int64: *entry.SourceEntryID, Valid: true}
	}

	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (account_id, amount, status, point_delta, merchant, source_entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.AccountID, entry.Amount, string(entry.Status), entry.PointDelta, entry.Merchant, source, entry.CreatedAt,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return 0, ErrStatusConflict
		}
		return 0, err
	}
	entry.ID = id
	return id, nil
}

func (t *postgresTx) UpdateEntryStatus(ctx context.Context, entryID int64, from, to models.EntryStatus) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = $1
		WHERE id = $2 AND status = $3`,
		string(to), entryID, string(from))
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (t *postgresTx) ApplyAccountDelta(ctx context.Context, accountID int64, amount decimal.Decimal, points int64, at time.Time) (*models.Account, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, point_balance = point_balance + $2, updated_at = $3
		WHERE id = $4
		RETURNING id, username, balance, point_balance, credit_limit, updated_at`,
		amount, points, at, accountID)
	return scanAccount(row)
}

func (t *postgresTx) CountRefundsSince(ctx context.Context, accountID int64, since time.Time) (int64, error) {
	var count int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM ledger_entries
		WHERE account_id = $1 AND status = $2 AND created_at > $3`,
		accountID, string(models.EntryStatusRefunded), since).Scan(&count)
	return count, err
}

func (t *postgresTx) CountDuplicatesSince(ctx context.Context, accountID int64, merchant string, amount decimal.Decimal, since time.Time) (int64, error) {
	var count int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM ledger_entries
		WHERE account_id = $1 AND merchant = $2 AND amount = $3 AND created_at > $4`,
		accountID, merchant, amount, since).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.Username, &account.Balance, &account.PointBalance, &account.CreditLimit, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func scanEntry(row scanner) (*models.LedgerEntry, error) {
	var (
		entry  models.LedgerEntry
		status string
		source sql.NullInt64
	)
	if err := row.Scan(&entry.ID, &entry.AccountID, &entry.Amount, &status, &entry.PointDelta, &entry.Merchant, &source, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.Status = models.EntryStatus(status)
	if source.Valid {
		id := source.Int64
		entry.SourceEntryID = &id
	}
	return &entry, nil
}

func mapLockError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return err
}
