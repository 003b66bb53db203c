package services

import (
	"fmt"
	"log"
)

// TxLogger collects the ordered decision lines of one operation and mirrors
// them to the process log.
type TxLogger struct {
	op    string
	lines []string
}

func newTxLogger(op string) *TxLogger {
	return &TxLogger{op: op}
}

func (l *TxLogger) add(prefix, format string, args ...any) {
	line := prefix + " " + fmt.Sprintf(format, args...)
	l.lines = append(l.lines, line)
	log.Printf("[LEDGER] %s %s", l.op, line)
}

func (l *TxLogger) Info(format string, args ...any) { l.add("[INFO]", format, args...) }

func (l *TxLogger) Risk(format string, args ...any) { l.add("[RISK]", format, args...) }

func (l *TxLogger) SQL(format string, args ...any) { l.add("[SQL]", format, args...) }

func (l *TxLogger) Error(format string, args ...any) { l.add("[ERROR]", format, args...) }

// Lines returns a copy of the recorded trace.
func (l *TxLogger) Lines() []string {
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// fail attaches the trace to err, converting unknown errors to infrastructure errors.
func (l *TxLogger) fail(err error) error {
	var out LedgerError
	if le, ok := err.(*LedgerError); ok {
		out = *le
	} else {
		out = *infraError("operation failed", err)
	}
	if out.Err != nil {
		log.Printf("[LEDGER] %s cause: %v", l.op, out.Err)
	}
	l.Error("%s: %s", out.Kind, out.PublicMessage())
	out.Trace = l.Lines()
	return &out
}
