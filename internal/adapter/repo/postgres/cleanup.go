package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the minimal transaction surface CleanupService needs.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts transactions. A *pgxpool.Pool satisfies this through
// PgxPoolBeginner, the adapter cmd binaries wire at startup.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// PgxPoolBeginner adapts *pgxpool.Pool to Beginner.
type PgxPoolBeginner struct{ Pool *pgxpool.Pool }

// NewPgxPoolBeginner wraps a pool so CleanupService can start transactions
// against it without depending on the concrete pgxpool type.
func NewPgxPoolBeginner(pool *pgxpool.Pool) PgxPoolBeginner { return PgxPoolBeginner{Pool: pool} }

// Begin starts a transaction via the wrapped pool.
func (b PgxPoolBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// CleanupService handles data retention and cleanup of terminal work orders
// and their associated audit/metric history.
type CleanupService struct {
	Beginner      Beginner
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(b Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Beginner: b, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal work orders (and their audit/metric rows)
// older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deletedMetrics int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM agent_metrics
			WHERE work_order_id IN (
				SELECT id FROM work_orders
				WHERE status IN ('completed','cancelled','blocked') AND updated_at < $1
			)
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedMetrics)
	if err != nil {
		slog.Debug("no agent metrics to delete", slog.Any("error", err))
	}

	var deletedAudit int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM audit_logs
			WHERE work_order_id IN (
				SELECT id FROM work_orders
				WHERE status IN ('completed','cancelled','blocked') AND updated_at < $1
			)
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedAudit)
	if err != nil {
		slog.Debug("no audit logs to delete", slog.Any("error", err))
	}

	var deletedWorkOrders int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM work_orders
			WHERE status IN ('completed','cancelled','blocked') AND updated_at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedWorkOrders)
	if err != nil {
		slog.Debug("no work orders to delete", slog.Any("error", err))
	}

	var deletedSessions int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM sessions WHERE last_active_at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedSessions)
	if err != nil {
		slog.Debug("no sessions to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_work_orders", deletedWorkOrders),
		slog.Int64("deleted_audit_logs", deletedAudit),
		slog.Int64("deleted_agent_metrics", deletedMetrics),
		slog.Int64("deleted_sessions", deletedSessions),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
