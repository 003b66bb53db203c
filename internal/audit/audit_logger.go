package audit

import (
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Event struct {
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	AccountID int64           `json:"account_id"`
	EntryID   int64           `json:"entry_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Points    int64           `json:"points"`
	Status    string          `json:"status"`
	Details   any             `json:"details,omitempty"`
}

// Logger writes one AUDIT line of JSON per ledger decision.
type Logger struct {
	out *log.Logger
}

// NewLogger writes to w, or to the standard logger when w is nil.
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		return &Logger{out: log.Default()}
	}
	return &Logger{out: log.New(w, "", log.LstdFlags)}
}

func (a *Logger) LogPayment(accountID, entryID int64, amount decimal.Decimal, pointDelta int64, merchant string) {
	a.log(Event{
		EventType: "PAY",
		AccountID: accountID,
		EntryID:   entryID,
		Amount:    amount,
		Points:    pointDelta,
		Status:    "SUCCESS",
		Details:   map[string]string{"merchant": merchant},
	})
}

func (a *Logger) LogVoid(accountID, entryID, compensatingID int64, amount decimal.Decimal, points int64) {
	a.log(Event{
		EventType: "VOID",
		AccountID: accountID,
		EntryID:   entryID,
		Amount:    amount,
		Points:    points,
		Status:    "SUCCESS",
		Details:   map[string]int64{"compensating_entry_id": compensatingID},
	})
}

func (a *Logger) LogRefund(accountID, entryID, refundID int64, amount decimal.Decimal, points int64) {
	a.log(Event{
		EventType: "REFUND",
		AccountID: accountID,
		EntryID:   entryID,
		Amount:    amount,
		Points:    points,
		Status:    "SUCCESS",
		Details:   map[string]int64{"refund_entry_id": refundID},
	})
}

// LogRejection records a refused operation with its error kind.
func (a *Logger) LogRejection(operation string, accountID int64, kind, message string) {
	a.log(Event{
		EventType: operation,
		AccountID: accountID,
		Amount:    decimal.Zero,
		Status:    "REJECTED",
		Details:   map[string]string{"kind": kind, "message": message},
	})
}

func (a *Logger) log(event Event) {
	event.EventID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	data, _ := json.Marshal(event)
	a.out.Printf("AUDIT: %s", string(data))
}
