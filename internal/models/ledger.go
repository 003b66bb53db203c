package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryStatus is the lifecycle state of a ledger entry
type EntryStatus string

const (
	EntryStatusPending  EntryStatus = "Pending"
	EntryStatusPaid     EntryStatus = "Paid"
	EntryStatusVoided   EntryStatus = "Voided"
	EntryStatusRefunded EntryStatus = "Refunded"
)

// Terminal reports whether no further transition may leave the status.
func (s EntryStatus) Terminal() bool {
	return s == EntryStatusVoided || s == EntryStatusRefunded
}

// Voidable reports whether a void may be applied to an entry in this status.
func (s EntryStatus) Voidable() bool {
	return s == EntryStatusPending || s == EntryStatusPaid
}

// Refundable reports whether a refund may be applied to an entry in this status.
func (s EntryStatus) Refundable() bool {
	return s == EntryStatusPaid
}

type LedgerEntry struct {
	ID            int64           `json:"id" db:"id"`
	AccountID     int64           `json:"account_id" db:"account_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Status        EntryStatus     `json:"status" db:"status"`
	PointDelta    int64           `json:"point_delta" db:"point_delta"`
	Merchant      string          `json:"merchant,omitempty" db:"merchant"`
	SourceEntryID *int64          `json:"source_entry_id,omitempty" db:"source_entry_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Compensation builds the entry that exactly negates e.
func (e *LedgerEntry) Compensation(status EntryStatus, at time.Time) *LedgerEntry {
	src := e.ID
	return &LedgerEntry{
		AccountID:     e.AccountID,
		Amount:        e.Amount.Neg(),
		Status:        status,
		PointDelta:    -e.PointDelta,
		Merchant:      e.Merchant,
		SourceEntryID: &src,
		CreatedAt:     at,
	}
}

type Account struct {
	ID           int64           `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	PointBalance int64           `json:"point_balance" db:"point_balance"`
	CreditLimit  decimal.Decimal `json:"credit_limit" db:"credit_limit"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// AvailableCredit is the amount that can still be charged before the limit.
func (a *Account) AvailableCredit() decimal.Decimal {
	return a.CreditLimit.Sub(a.Balance)
}
