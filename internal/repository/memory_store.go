package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardrewards/ledger/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process LedgerStore. Each account has its own lock,
// held from LockAccount until the surrounding InTx returns, and writes are
// staged and applied only on commit.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[int64]*models.Account
	entries  map[int64]*models.LedgerEntry
	sources  map[int64]int64

	locksMu sync.Mutex
	locks   map[int64]chan struct{}

	seq atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*models.Account),
		entries:  make(map[int64]*models.LedgerEntry),
		sources:  make(map[int64]int64),
		locks:    make(map[int64]chan struct{}),
	}
}

// AddAccount registers an account. It is meant for tests and demo seeding.
func (s *MemoryStore) AddAccount(account models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = time.Now()
	}
	s.accounts[account.ID] = &account
}

// SeedAccounts creates n accounts with ids 1..n and the given credit limit.
func (s *MemoryStore) SeedAccounts(n int, creditLimit decimal.Decimal) {
	for i := 1; i <= n; i++ {
		s.AddAccount(models.Account{
			ID:          int64(i),
			Username:    fmt.Sprintf("user%d", i),
			Balance:     decimal.Zero,
			CreditLimit: creditLimit,
		})
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) accountLock(accountID int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[accountID] = l
	}
	return l
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:    s,
		held:     make(map[int64]chan struct{}),
		statuses: make(map[int64]models.EntryStatus),
		deltas:   make(map[int64]*accountDelta),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LedgerEntry
	for _, entry := range s.entries {
		if entry.AccountID == accountID {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SumEntries(ctx context.Context, accountID int64) (decimal.Decimal, int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	var points, count int64
	for _, entry := range s.entries {
		if entry.AccountID != accountID {
			continue
		}
		sum = sum.Add(entry.Amount)
		points += entry.PointDelta
		count++
	}
	return sum, points, count, nil
}

type accountDelta struct {
	amount decimal.Decimal
	points int64
	at     time.Time
}

type memoryTx struct {
	store *MemoryStore
	held  map[int64]chan struct{}

	inserted []*models.LedgerEntry
	statuses map[int64]models.EntryStatus
	deltas   map[int64]*accountDelta
}

func (t *memoryTx) release() {
	for id, l := range t.held {
		<-l
		delete(t.held, id)
	}
}

func (t *memoryTx) LockAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	if _, ok := t.held[accountID]; !ok {
		t.store.mu.RLock()
		_, exists := t.store.accounts[accountID]
		t.store.mu.RUnlock()
		if !exists {
			return nil, ErrAccountNotFound
		}

		l := t.store.accountLock(accountID)
		select {
		case l <- struct{}{}:
			t.held[accountID] = l
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		}
	}
	return t.view(accountID)
}

// view returns the account as this transaction sees it.
func (t *memoryTx) view(accountID int64) (*models.Account, error) {
	t.store.mu.RLock()
	account, ok := t.store.accounts[accountID]
	var cp models.Account
	if ok {
		cp = *account
	}
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	if d, ok := t.deltas[accountID]; ok {
		cp.Balance = cp.Balance.Add(d.amount)
		cp.PointBalance += d.points
		cp.UpdatedAt = d.at
	}
	return &cp, nil
}

func (t *memoryTx) lookupEntry(entryID int64) (*models.LedgerEntry, bool) {
	for _, e := range t.inserted {
		if e.ID == entryID {
			cp := *e
			return &cp, true
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	e, ok := t.store.entries[entryID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

func (t *memoryTx) GetEntryForUpdate(ctx context.Context, entryID int64) (*models.LedgerEntry, error) {
	entry, ok := t.lookupEntry(entryID)
	if !ok {
		return nil, ErrEntryNotFound
	}
	if status, ok := t.statuses[entryID]; ok {
		entry.Status = status
	}
	return entry, nil
}

func (t *memoryTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) (int64, error) {
	if entry.SourceEntryID != nil {
		src := *entry.SourceEntryID
		t.store.mu.RLock()
		_, taken := t.store.sources[src]
		t.store.mu.RUnlock()
		if taken {
			return 0, ErrStatusConflict
		}
		for _, e := range t.inserted {
			if e.SourceEntryID != nil && *e.SourceEntryID == src {
				return 0, ErrStatusConflict
			}
		}
	}

	id := t.store.seq.Add(1)
	cp := *entry
	cp.ID = id
	t.inserted = append(t.inserted, &cp)
	entry.ID = id
	return id, nil
}

func (t *memoryTx) UpdateEntryStatus(ctx context.Context, entryID int64, from, to models.EntryStatus) error {
	current, err := t.GetEntryForUpdate(ctx, entryID)
	if err != nil {
		return err
	}
	if current.Status != from || current.Status.Terminal() {
		return ErrStatusConflict
	}
	t.statuses[entryID] = to
	return nil
}

func (t *memoryTx) ApplyAccountDelta(ctx context.Context, accountID int64, amount decimal.Decimal, points int64, at time.Time) (*models.Account, error) {
	d, ok := t.deltas[accountID]
	if !ok {
		d = &accountDelta{amount: decimal.Zero}
		t.deltas[accountID] = d
	}
	d.amount = d.amount.Add(amount)
	d.points += points
	d.at = at

	account, err := t.view(accountID)
	if err != nil {
		return nil, err
	}
	if account.PointBalance < 0 {
		return nil, fmt.Errorf("point balance of account %d would become negative", accountID)
	}
	return account, nil
}

// entriesFor merges committed and staged entries of one account.
func (t *memoryTx) entriesFor(accountID int64) []models.LedgerEntry {
	t.store.mu.RLock()
	var out []models.LedgerEntry
	for _, e := range t.store.entries {
		if e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	t.store.mu.RUnlock()
	for _, e := range t.inserted {
		if e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	for i := range out {
		if status, ok := t.statuses[out[i].ID]; ok {
			out[i].Status = status
		}
	}
	return out
}

func (t *memoryTx) CountRefundsSince(ctx context.Context, accountID int64, since time.Time) (int64, error) {
	var count int64
	for _, e := range t.entriesFor(accountID) {
		if e.Status == models.EntryStatusRefunded && e.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) CountDuplicatesSince(ctx context.Context, accountID int64, merchant string, amount decimal.Decimal, since time.Time) (int64, error) {
	var count int64
	for _, e := range t.entriesFor(accountID) {
		if e.Merchant == merchant && e.Amount.Equal(amount) && e.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for accountID, d := range t.deltas {
		account, ok := s.accounts[accountID]
		if !ok {
			return ErrAccountNotFound
		}
		account.Balance = account.Balance.Add(d.amount)
		account.PointBalance += d.points
		account.UpdatedAt = d.at
	}

	for _, e := range t.inserted {
		s.entries[e.ID] = e
		if e.SourceEntryID != nil {
			s.sources[*e.SourceEntryID] = e.ID
		}
	}

	for entryID, status := range t.statuses {
		if e, ok := s.entries[entryID]; ok {
			e.Status = status
		}
	}
	return nil
}
