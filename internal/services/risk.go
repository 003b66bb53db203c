package services

import (
	"context"
	"time"

	"github.com/cardrewards/ledger/internal/config"
	"github.com/cardrewards/ledger/internal/repository"
	"github.com/shopspring/decimal"
)

// RiskEvaluator runs the durable Tier 2 checks. Every check reads through the
// caller's transaction after the account lock has been taken.
type RiskEvaluator struct {
	rules config.RiskRules
}

func NewRiskEvaluator(rules config.RiskRules) *RiskEvaluator {
	return &RiskEvaluator{rules: rules}
}

func (r *RiskEvaluator) CheckAmount(amount decimal.Decimal, trace *TxLogger) error {
	if amount.LessThan(r.rules.MinAmount) || amount.GreaterThan(r.rules.MaxAmount) {
		trace.Risk("REJECT: amount %s outside [%s, %s]", amount, r.rules.MinAmount, r.rules.MaxAmount)
		return newLedgerError(KindAmountOutOfRange, "amount %s must be between %s and %s", amount, r.rules.MinAmount, r.rules.MaxAmount)
	}
	trace.Risk("PASS: amount %s within bounds", amount)
	return nil
}

// CheckRefundFreeze rejects any operation on an account that has hit the
// refund limit inside the refund window.
func (r *RiskEvaluator) CheckRefundFreeze(ctx context.Context, tx repository.LedgerTx, accountID int64, now time.Time, trace *TxLogger) error {
	since := now.Add(-r.rules.RefundWindow)
	trace.SQL("count refunds for account %d since %s", accountID, since.Format(time.RFC3339))
	count, err := tx.CountRefundsSince(ctx, accountID, since)
	if err != nil {
		return infraError("refund history unavailable", err)
	}
	if count >= r.rules.RefundLimit {
		trace.Risk("REJECT: %d refunds in %s, account frozen", count, r.rules.RefundWindow)
		return newLedgerError(KindAccountFrozen, "account frozen: %d refunds within %s", count, r.rules.RefundWindow)
	}
	trace.Risk("PASS: %d refunds in %s", count, r.rules.RefundWindow)
	return nil
}

func (r *RiskEvaluator) CheckDuplicate(ctx context.Context, tx repository.LedgerTx, accountID int64, merchant string, amount decimal.Decimal, now time.Time, trace *TxLogger) error {
	since := now.Add(-r.rules.DuplicateWindow)
	trace.SQL("count entries for account %d at %q of %s since %s", accountID, merchant, amount, since.Format(time.RFC3339))
	count, err := tx.CountDuplicatesSince(ctx, accountID, merchant, amount, since)
	if err != nil {
		return infraError("entry history unavailable", err)
	}
	if count > 0 {
		trace.Risk("REJECT: %d matching entries at %q in %s", count, merchant, r.rules.DuplicateWindow)
		return newLedgerError(KindDuplicateSuspected, "suspected duplicate: same merchant and amount within %s", r.rules.DuplicateWindow)
	}
	trace.Risk("PASS: no duplicate at %q", merchant)
	return nil
}

// EvaluatePay runs every Tier 2 check that guards a payment.
func (r *RiskEvaluator) EvaluatePay(ctx context.Context, tx repository.LedgerTx, accountID int64, merchant string, amount decimal.Decimal, now time.Time, trace *TxLogger) error {
	if err := r.CheckAmount(amount, trace); err != nil {
		return err
	}
	if err := r.CheckRefundFreeze(ctx, tx, accountID, now, trace); err != nil {
		return err
	}
	return r.CheckDuplicate(ctx, tx, accountID, merchant, amount, now, trace)
}
