package models

import (
	"github.com/shopspring/decimal"
)

// PayRequest is the inbound pay payload
type PayRequest struct {
	AccountID int64           `json:"account_id" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
	Merchant  string          `json:"merchant" validate:"required,max=64"`
	UsePoints bool            `json:"use_points"`
}

// EntryActionRequest is the inbound payload for void and refund
type EntryActionRequest struct {
	AccountID int64 `json:"account_id" validate:"required,gt=0"`
	EntryID   int64 `json:"entry_id" validate:"required,gt=0"`
}

type PayResult struct {
	EntryID        int64           `json:"entry_id"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	PointsEarned   int64           `json:"points_earned"`
	PointsRedeemed int64           `json:"points_redeemed"`
	Logs           []string        `json:"logs"`
}

type VoidResult struct {
	VoidedAmount        decimal.Decimal `json:"voided_amount"`
	RestoredPoints      int64           `json:"restored_points"`
	CompensatingEntryID int64           `json:"compensating_entry_id"`
	Logs                []string        `json:"logs"`
}

type RefundResult struct {
	RefundEntryID int64    `json:"refund_entry_id"`
	Logs          []string `json:"logs"`
}

// ReconcileReport compares the incrementally maintained account state with a
// full replay of its ledger entries.
type ReconcileReport struct {
	AccountID    int64           `json:"account_id"`
	Balance      decimal.Decimal `json:"balance"`
	EntrySum     decimal.Decimal `json:"entry_sum"`
	PointBalance int64           `json:"point_balance"`
	PointSum     int64           `json:"point_sum"`
	EntryCount   int64           `json:"entry_count"`
	Balanced     bool            `json:"balanced"`
}
