// Package audit records operator actions (migrations, deletions, purges,
// backups) to an append-only JSONL file and the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-diary/internal/shared"
)

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	failCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of failed actions recorded since startup.
func FailureCount() int64 {
	return failCount.Load()
}

// Record appends one action. The outcome is derived from err.
func Record(ctx context.Context, actor, action, subject string, err error) {
	outcome, detail := OutcomeOK, ""
	if err != nil {
		outcome, detail = OutcomeFailed, err.Error()
	}
	RecordDetail(ctx, actor, action, subject, outcome, detail)
}

// RecordDetail appends one action with an explicit outcome and detail.
func RecordDetail(ctx context.Context, actor, action, subject, outcome, detail string) {
	if outcome == OutcomeFailed {
		failCount.Add(1)
	}
	subject = shared.Redact(subject)
	detail = shared.Redact(detail)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: now,
			TraceID:   shared.TraceID(ctx),
			Actor:     actor,
			Action:    action,
			Subject:   subject,
			Outcome:   outcome,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (actor, action, subject, outcome, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, actor, action, subject, outcome, detail, now)
	}
}
