package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"athena/internal/domain"
)

const (
	SeverityInfo     = "info"
	SeveritySuccess  = "success"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Writer appends operation log entries, inside the caller's transaction when one is given.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one operation log line.
type Entry struct {
	Severity    string
	Source      string
	Message     string
	OperationID string
	TechniqueID string
	TargetID    string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Source == "" || e.Message == "" {
		return fmt.Errorf("log entry requires source and message")
	}
	const q = `INSERT INTO log_entries(ts,severity,source,message,operation_id,technique_id,target_id) VALUES (?,?,?,?,?,?,?)`
	args := []any{domain.FormatTime(now()), e.Severity, e.Source, e.Message, nullable(e.OperationID), nullable(e.TechniqueID), nullable(e.TargetID)}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

// Infof is a convenience for an info entry outside any transaction.
func (w Writer) Infof(ctx context.Context, operationID, source, format string, args ...any) error {
	return w.Append(ctx, nil, Entry{Severity: SeverityInfo, Source: source, OperationID: operationID, Message: fmt.Sprintf(format, args...)})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
