package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	portaudit "github.com/hanax-ai/citadel-orchestrator/internal/port/audit"
)

// Sink writes terminal task records to Postgres for audit and analytics.
// In-flight rows are never read back for recovery: a crash mid-flight leaves
// whatever was last flushed, and consumers must treat in_flight as ambiguous.
type Sink struct {
	pool *pgxpool.Pool
}

var _ portaudit.Sink = (*Sink)(nil)

func New(pool *pgxpool.Pool) *Sink {
	return &Sink{pool: pool}
}

// EnsureSchema creates the audit table if missing. Called once at wire time.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_audit (
			task_id       UUID        NOT NULL,
			backend_id    TEXT        NOT NULL DEFAULT '',
			status        TEXT        NOT NULL,
			reason        TEXT        NOT NULL DEFAULT '',
			attempt_count INT         NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			completed_at  TIMESTAMPTZ NOT NULL,
			recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (task_id, completed_at)
		)`)
	if err != nil {
		return fmt.Errorf("ensure task_audit schema: %w", err)
	}
	return nil
}

func (s *Sink) Write(ctx context.Context, rec portaudit.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_audit (task_id, backend_id, status, reason, attempt_count, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id, completed_at) DO NOTHING`,
		rec.TaskID, rec.BackendID, string(rec.Status), string(rec.Reason),
		rec.AttemptCount, rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task_audit row: %w", err)
	}
	return nil
}
