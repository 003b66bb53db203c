package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cardrewards/ledger/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrEntryNotFound   = errors.New("ledger entry not found")
	// ErrStatusConflict means a status transition found the entry in another state.
	ErrStatusConflict = errors.New("ledger entry status changed concurrently")
	// ErrLockTimeout means the account lock could not be acquired in time.
	ErrLockTimeout = errors.New("timed out waiting for account lock")
)

// LedgerStore is the durable side of the ledger.
type LedgerStore interface {
	// InTx runs fn in one atomic scope. Any error from fn rolls back every write.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetAccount(ctx context.Context, accountID int64) (*models.Account, error)
	ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error)
	// SumEntries replays the account's entries: amount sum, point sum and count.
	SumEntries(ctx context.Context, accountID int64) (decimal.Decimal, int64, int64, error)
	Ping(ctx context.Context) error
}

// LedgerTx is the set of reads and writes available inside InTx.
type LedgerTx interface {
	// LockAccount takes the exclusive per-account lock held until the scope ends.
	LockAccount(ctx context.Context, accountID int64) (*models.Account, error)
	GetEntryForUpdate(ctx context.Context, entryID int64) (*models.LedgerEntry, error)
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) (int64, error)
	// UpdateEntryStatus fails with ErrStatusConflict if the entry is no longer in from.
	UpdateEntryStatus(ctx context.Context, entryID int64, from, to models.EntryStatus) error
	ApplyAccountDelta(ctx context.Context, accountID int64, amount decimal.Decimal, points int64, at time.Time) (*models.Account, error)

	CountRefundsSince(ctx context.Context, accountID int64, since time.Time) (int64, error)
	CountDuplicatesSince(ctx context.Context, accountID int64, merchant string, amount decimal.Decimal, since time.Time) (int64, error)
}
