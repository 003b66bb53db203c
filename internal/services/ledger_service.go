package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cardrewards/ledger/internal/audit"
	"github.com/cardrewards/ledger/internal/config"
	"github.com/cardrewards/ledger/internal/models"
	"github.com/cardrewards/ledger/internal/repository"
	"github.com/shopspring/decimal"
)

const (
	DefaultEntryLimit = 50
	MaxEntryLimit     = 500
)

// LedgerService runs pay, void and refund as single-account atomic units.
type LedgerService struct {
	store    repository.LedgerStore
	velocity *VelocityLimiter
	risk     *RiskEvaluator
	cfg      *config.LedgerConfig
	audit    *audit.Logger
	now      func() time.Time
}

func NewLedgerService(store repository.LedgerStore, velocity *VelocityLimiter, cfg *config.LedgerConfig, auditLogger *audit.Logger) *LedgerService {
	if auditLogger == nil {
		auditLogger = audit.NewLogger(nil)
	}
	return &LedgerService{
		store:    store,
		velocity: velocity,
		risk:     NewRiskEvaluator(cfg.Risk),
		cfg:      cfg,
		audit:    auditLogger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *LedgerService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *LedgerService) Pay(ctx context.Context, req models.PayRequest) (*models.PayResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	trace := newTxLogger("pay")
	now := s.now()
	trace.Info("pay account=%d amount=%s merchant=%q use_points=%t", req.AccountID, req.Amount, req.Merchant, req.UsePoints)

	if err := validatePay(req); err != nil {
		return nil, s.reject("PAY", req.AccountID, trace, err)
	}
	if err := s.velocity.CheckAndRecord(ctx, req.AccountID, trace); err != nil {
		return nil, s.reject("PAY", req.AccountID, trace, err)
	}

	var result models.PayResult
	err := s.store.InTx(ctx, func(tx repository.LedgerTx) error {
		trace.SQL("lock account %d", req.AccountID)
		account, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return mapStoreError(err)
		}

		if err := s.risk.EvaluatePay(ctx, tx, req.AccountID, req.Merchant, req.Amount, now, trace); err != nil {
			return err
		}

		finalAmount := req.Amount
		var redeemed int64
		if req.UsePoints && account.PointBalance >= s.cfg.RedemptionThreshold {
			units := decimal.NewFromInt(account.PointBalance / s.cfg.PointsPerUnit)
			discount := decimal.Min(units, req.Amount.Floor())
			redeemed = discount.IntPart() * s.cfg.PointsPerUnit
			finalAmount = req.Amount.Sub(discount)
			trace.Info("redeem %d points for a discount of %s", redeemed, discount)
		} else if req.UsePoints {
			trace.Info("point balance %d below redemption threshold %d", account.PointBalance, s.cfg.RedemptionThreshold)
		}

		if account.Balance.Add(finalAmount).GreaterThan(account.CreditLimit) {
			trace.Info("credit check failed: balance %s + %s exceeds limit %s", account.Balance, finalAmount, account.CreditLimit)
			return newLedgerError(KindInsufficientCredit, "available credit %s is less than %s", account.AvailableCredit(), finalAmount)
		}

		multiplier := s.cfg.Multiplier(req.Merchant)
		earned := finalAmount.Mul(multiplier).Floor().IntPart()
		net := earned - redeemed
		trace.Info("earn %d points at x%s, net point delta %d", earned, multiplier, net)

		entry := &models.LedgerEntry{
			AccountID:  req.AccountID,
			Amount:     finalAmount,
			Status:     models.EntryStatusPaid,
			PointDelta: net,
			Merchant:   req.Merchant,
			CreatedAt:  now,
		}
		entryID, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return mapStoreError(err)
		}
		trace.SQL("insert entry %d amount=%s point_delta=%d", entryID, finalAmount, net)

		updated, err := tx.ApplyAccountDelta(ctx, req.AccountID, finalAmount, net, now)
		if err != nil {
			return mapStoreError(err)
		}
		trace.SQL("account %d balance=%s point_balance=%d", updated.ID, updated.Balance, updated.PointBalance)

		result = models.PayResult{
			EntryID:        entryID,
			FinalAmount:    finalAmount,
			PointsEarned:   earned,
			PointsRedeemed: redeemed,
		}
		return nil
	})
	if err != nil {
		return nil, s.reject("PAY", req.AccountID, trace, mapStoreError(err))
	}

	trace.Info("committed entry %d", result.EntryID)
	result.Logs = trace.Lines()
	s.audit.LogPayment(req.AccountID, result.EntryID, result.FinalAmount, result.PointsEarned-result.PointsRedeemed, req.Merchant)
	return &result, nil
}

// Void reverses a Pending or Paid entry with a compensating Voided entry.
func (s *LedgerService) Void(ctx context.Context, req models.EntryActionRequest) (*models.VoidResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	trace := newTxLogger("void")
	now := s.now()
	trace.Info("void account=%d entry=%d", req.AccountID, req.EntryID)

	if err := validateEntryAction(req); err != nil {
		return nil, s.reject("VOID", req.AccountID, trace, err)
	}
	if err := s.velocity.CheckAndRecord(ctx, req.AccountID, trace); err != nil {
		return nil, s.reject("VOID", req.AccountID, trace, err)
	}

	var result models.VoidResult
	err := s.store.InTx(ctx, func(tx repository.LedgerTx) error {
		trace.SQL("lock account %d", req.AccountID)
		account, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return mapStoreError(err)
		}
		if err := s.risk.CheckRefundFreeze(ctx, tx, req.AccountID, now, trace); err != nil {
			return err
		}

		entry, err := s.loadOwnedEntry(ctx, tx, req, trace)
		if err != nil {
			return err
		}
		if !entry.Status.Voidable() {
			return newLedgerError(KindInvalidStatus, "entry %d is %s and cannot be voided", entry.ID, entry.Status)
		}
		if account.PointBalance < entry.PointDelta {
			return newLedgerError(KindInsufficientPoints, "point balance %d cannot cover reversal of %d points", account.PointBalance, entry.PointDelta)
		}

		compID, err := s.compensate(ctx, tx, entry, models.EntryStatusVoided, now, trace)
		if err != nil {
			return err
		}

		result = models.VoidResult{
			VoidedAmount:        entry.Amount,
			RestoredPoints:      -entry.PointDelta,
			CompensatingEntryID: compID,
		}
		return nil
	})
	if err != nil {
		return nil, s.reject("VOID", req.AccountID, trace, mapStoreError(err))
	}

	trace.Info("voided entry %d", req.EntryID)
	result.Logs = trace.Lines()
	s.audit.LogVoid(req.AccountID, req.EntryID, result.CompensatingEntryID, result.VoidedAmount, result.RestoredPoints)
	return &result, nil
}

// Refund claws back a Paid entry with a compensating Refunded entry.
func (s *LedgerService) Refund(ctx context.Context, req models.EntryActionRequest) (*models.RefundResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	trace := newTxLogger("refund")
	now := s.now()
	trace.Info("refund account=%d entry=%d", req.AccountID, req.EntryID)

	if err := validateEntryAction(req); err != nil {
		return nil, s.reject("REFUND", req.AccountID, trace, err)
	}
	if err := s.velocity.CheckAndRecord(ctx, req.AccountID, trace); err != nil {
		return nil, s.reject("REFUND", req.AccountID, trace, err)
	}

	var (
		result   models.RefundResult
		original models.LedgerEntry
	)
	err := s.store.InTx(ctx, func(tx repository.LedgerTx) error {
		trace.SQL("lock account %d", req.AccountID)
		account, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return mapStoreError(err)
		}
		if err := s.risk.CheckRefundFreeze(ctx, tx, req.AccountID, now, trace); err != nil {
			return err
		}

		entry, err := s.loadOwnedEntry(ctx, tx, req, trace)
		if err != nil {
			return err
		}
		if !entry.Status.Refundable() {
			return newLedgerError(KindInvalidStatus, "entry %d is %s and cannot be refunded", entry.ID, entry.Status)
		}
		if account.PointBalance < entry.PointDelta {
			return newLedgerError(KindInsufficientPoints, "point balance %d cannot cover clawback of %d points", account.PointBalance, entry.PointDelta)
		}

		refundID, err := s.compensate(ctx, tx, entry, models.EntryStatusRefunded, now, trace)
		if err != nil {
			return err
		}
		original = *entry
		result = models.RefundResult{RefundEntryID: refundID}
		return nil
	})
	if err != nil {
		return nil, s.reject("REFUND", req.AccountID, trace, mapStoreError(err))
	}

	trace.Info("refunded entry %d", req.EntryID)
	result.Logs = trace.Lines()
	s.audit.LogRefund(req.AccountID, req.EntryID, result.RefundEntryID, original.Amount, original.PointDelta)
	return &result, nil
}

// loadOwnedEntry loads the entry and checks that it belongs to the caller's account.
func (s *LedgerService) loadOwnedEntry(ctx context.Context, tx repository.LedgerTx, req models.EntryActionRequest, trace *TxLogger) (*models.LedgerEntry, error) {
	trace.SQL("load entry %d", req.EntryID)
	entry, err := tx.GetEntryForUpdate(ctx, req.EntryID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if entry.AccountID != req.AccountID {
		return nil, newLedgerError(KindForbidden, "entry %d does not belong to account %d", entry.ID, req.AccountID)
	}
	trace.Info("entry %d status=%s amount=%s point_delta=%d", entry.ID, entry.Status, entry.Amount, entry.PointDelta)
	return entry, nil
}

// compensate moves entry into status and writes its exact negation.
func (s *LedgerService) compensate(ctx context.Context, tx repository.LedgerTx, entry *models.LedgerEntry, status models.EntryStatus, now time.Time, trace *TxLogger) (int64, error) {
	if err := tx.UpdateEntryStatus(ctx, entry.ID, entry.Status, status); err != nil {
		return 0, mapStoreError(err)
	}
	trace.SQL("entry %d %s -> %s", entry.ID, entry.Status, status)

	comp := entry.Compensation(status, now)
	compID, err := tx.InsertEntry(ctx, comp)
	if err != nil {
		return 0, mapStoreError(err)
	}
	trace.SQL("insert compensating entry %d amount=%s point_delta=%d", compID, comp.Amount, comp.PointDelta)

	updated, err := tx.ApplyAccountDelta(ctx, entry.AccountID, comp.Amount, comp.PointDelta, now)
	if err != nil {
		return 0, mapStoreError(err)
	}
	trace.SQL("account %d balance=%s point_balance=%d", updated.ID, updated.Balance, updated.PointBalance)
	return compID, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return account, nil
}

// ListEntries returns the newest entries of an account first.
func (s *LedgerService) ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultEntryLimit
	}
	if limit > MaxEntryLimit {
		limit = MaxEntryLimit
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, mapStoreError(err)
	}
	entries, err := s.store.ListEntries(ctx, accountID, limit)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return entries, nil
}

// Reconcile replays every entry of the account and compares the totals with
// the incrementally maintained balances. Accounts are assumed to open at zero.
func (s *LedgerService) Reconcile(ctx context.Context, accountID int64) (*models.ReconcileReport, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	sum, points, count, err := s.store.SumEntries(ctx, accountID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	report := &models.ReconcileReport{
		AccountID:    accountID,
		Balance:      account.Balance,
		EntrySum:     sum,
		PointBalance: account.PointBalance,
		PointSum:     points,
		EntryCount:   count,
		Balanced:     account.Balance.Equal(sum) && account.PointBalance == points,
	}
	if !report.Balanced {
		s.audit.LogRejection("RECONCILE", accountID, "UNBALANCED", "ledger replay does not match account balances")
	}
	return report, nil
}

// Ping reports whether the durable store is reachable.
func (s *LedgerService) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return infraError("store unavailable", err)
	}
	return nil
}

func (s *LedgerService) reject(op string, accountID int64, trace *TxLogger, err error) error {
	failed := trace.fail(err)
	var le *LedgerError
	if errors.As(failed, &le) {
		s.audit.LogRejection(op, accountID, string(le.Kind), le.PublicMessage())
	}
	return failed
}

func validatePay(req models.PayRequest) error {
	if req.AccountID <= 0 {
		return newLedgerError(KindValidation, "account_id must be positive")
	}
	if strings.TrimSpace(req.Merchant) == "" {
		return newLedgerError(KindValidation, "merchant is required")
	}
	if !req.Amount.IsPositive() {
		return newLedgerError(KindValidation, "amount must be positive")
	}
	if !req.Amount.Equal(req.Amount.Truncate(2)) {
		return newLedgerError(KindValidation, "amount %s has more than two fractional digits", req.Amount)
	}
	return nil
}

func validateEntryAction(req models.EntryActionRequest) error {
	if req.AccountID <= 0 {
		return newLedgerError(KindValidation, "account_id must be positive")
	}
	if req.EntryID <= 0 {
		return newLedgerError(KindValidation, "entry_id must be positive")
	}
	return nil
}

func mapStoreError(err error) error {
	var le *LedgerError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &le):
		return le
	case errors.Is(err, repository.ErrAccountNotFound):
		return newLedgerError(KindAccountNotFound, "account not found")
	case errors.Is(err, repository.ErrEntryNotFound):
		return newLedgerError(KindEntryNotFound, "entry not found")
	case errors.Is(err, repository.ErrStatusConflict):
		return newLedgerError(KindInvalidStatus, "entry was already compensated")
	case errors.Is(err, repository.ErrLockTimeout):
		return infraError("account is busy", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return infraError("operation timed out or was cancelled", err)
	default:
		return infraError("store failure", err)
	}
}
