// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

//go:generate mockery --config=.mockery.yml
//go:generate mockery --config=.mockery-pgx.yml

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// WorkOrderRepo persists and loads work orders using a minimal pgx pool.
// It is the primary WorkOrderStore backend; the SQLite backend in
// internal/adapter/repo/sqlite is the automatic single-node fallback.
type WorkOrderRepo struct{ Pool PgxPool }

// NewWorkOrderRepo constructs a WorkOrderRepo with the given pool.
func NewWorkOrderRepo(p PgxPool) *WorkOrderRepo { return &WorkOrderRepo{Pool: p} }

// CreateWorkOrder inserts a new work order and returns its id, generating a
// time-sortable ULID if one was not supplied.
func (r *WorkOrderRepo) CreateWorkOrder(ctx domain.Context, w domain.WorkOrder) (string, error) {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "work_orders"),
	)

	id := w.ID
	if id == "" {
		id = ulid.Make().String()
	}
	now := time.Now().UTC()

	q := `INSERT INTO work_orders (
		id, intent, difficulty, owner, status, compressed_context, relevant_files,
		qa_requirements, qa_spec_ref, equipment_hint, retry_count, max_retries,
		escalation_chain, last_error, result_output, session_id,
		created_at, updated_at, cost_usd, prompt_tokens, completion_tokens
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`

	_, err := r.Pool.Exec(ctx, q,
		id, w.Intent, w.Difficulty, w.Owner, w.Status, w.CompressedContext, w.RelevantFiles,
		w.QARequirements, w.QASpecRef, w.EquipmentHint, w.RetryCount, w.MaxRetries,
		tiersToStrings(w.EscalationChain), w.LastError, w.ResultOutput, w.SessionID,
		now, now, w.CostUSD, w.PromptTokens, w.CompletionTokens,
	)
	if err != nil {
		return "", fmt.Errorf("op=workorder.create: %w", err)
	}
	return id, nil
}

// GetWorkOrder loads a work order by id.
func (r *WorkOrderRepo) GetWorkOrder(ctx domain.Context, id string) (domain.WorkOrder, error) {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "work_orders"),
	)

	q := `SELECT id, intent, difficulty, owner, status, compressed_context, relevant_files,
		qa_requirements, qa_spec_ref, equipment_hint, retry_count, max_retries,
		escalation_chain, COALESCE(last_error,''), COALESCE(result_output,''), session_id,
		created_at, updated_at, completed_at, cost_usd, prompt_tokens, completion_tokens
	FROM work_orders WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	w, escChain, err := scanWorkOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WorkOrder{}, fmt.Errorf("op=workorder.get: %w", domain.ErrNotFound)
		}
		return domain.WorkOrder{}, fmt.Errorf("op=workorder.get: %w", err)
	}
	w.EscalationChain = stringsToTiers(escChain)
	return w, nil
}

// TransitionStatus performs a compare-and-swap status transition: the update
// only applies when the row's current status still matches `from`, and the
// transition itself must be legal per domain.IsAllowedTransition. Zero rows
// affected is reported as domain.ErrConflict so callers can distinguish a
// lost race from a not-found work order.
func (r *WorkOrderRepo) TransitionStatus(ctx domain.Context, id string, from, to domain.WorkOrderStatus, reason string) error {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.TransitionStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "work_orders"),
		attribute.String("workorder.from", string(from)),
		attribute.String("workorder.to", string(to)),
	)

	if !domain.IsAllowedTransition(from, to) {
		return fmt.Errorf("op=workorder.transition_status: %w: %s -> %s", domain.ErrConflict, from, to)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=workorder.transition_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var completedAt *time.Time
	if domain.IsTerminal(to) {
		completedAt = &now
	}

	q := `UPDATE work_orders SET status=$3, updated_at=$4, completed_at=COALESCE($5, completed_at),
		last_error=CASE WHEN $6 != '' THEN $6 ELSE last_error END
		WHERE id=$1 AND status=$2`
	tag, err := tx.Exec(ctx, q, id, from, to, now, completedAt, reason)
	if err != nil {
		return fmt.Errorf("op=workorder.transition_status.exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workorder.transition_status: %w: work order %s not in state %s", domain.ErrConflict, id, from)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_logs (id, work_order_id, actor, action, status, details_json, timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ulid.Make().String(), id, "dispatcher", "transition_status", string(to), reason, now,
	); err != nil {
		return fmt.Errorf("op=workorder.transition_status.audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=workorder.transition_status.commit: %w", err)
	}
	committed = true
	return nil
}

// RecordAttempt persists an AgentMetric row for a dispatch attempt and, on
// failure, increments the work order's retry_count in the same transaction.
func (r *WorkOrderRepo) RecordAttempt(ctx domain.Context, id string, m domain.AgentMetric, attemptFailed bool) error {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.RecordAttempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "agent_metrics"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=workorder.record_attempt.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	metricID := m.ID
	if metricID == "" {
		metricID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_metrics (id, work_order_id, agent_name, role, model, provider, success, latency_ms, prompt_tokens, completion_tokens, cost_usd, timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		metricID, id, m.AgentName, m.Role, m.Model, m.Provider, m.Success, m.LatencyMS, m.PromptTokens, m.CompletionTokens, m.CostUSD, now,
	); err != nil {
		return fmt.Errorf("op=workorder.record_attempt.metric: %w", err)
	}

	if attemptFailed {
		if _, err := tx.Exec(ctx,
			`UPDATE work_orders SET retry_count = retry_count + 1, updated_at=$2 WHERE id=$1`,
			id, now,
		); err != nil {
			return fmt.Errorf("op=workorder.record_attempt.retry_count: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE work_orders SET cost_usd = cost_usd + $2, prompt_tokens = prompt_tokens + $3, completion_tokens = completion_tokens + $4, updated_at=$5 WHERE id=$1`,
			id, m.CostUSD, m.PromptTokens, m.CompletionTokens, now,
		); err != nil {
			return fmt.Errorf("op=workorder.record_attempt.cost: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=workorder.record_attempt.commit: %w", err)
	}
	committed = true
	return nil
}

// Escalate moves a work order to newOwner, resets retry_count to 0, and
// appends newOwner to escalation_chain. Call between a TransitionStatus to
// StatusEscalated and the follow-up TransitionStatus back to
// StatusInProgress.
func (r *WorkOrderRepo) Escalate(ctx domain.Context, id string, newOwner domain.Tier, reason string) error {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.Escalate")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "work_orders"),
		attribute.String("workorder.new_owner", string(newOwner)),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=workorder.escalate.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE work_orders SET owner=$2, retry_count=0,
			escalation_chain = array_append(escalation_chain, $3), updated_at=$4
		 WHERE id=$1`,
		id, newOwner, string(newOwner), now,
	)
	if err != nil {
		return fmt.Errorf("op=workorder.escalate.exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workorder.escalate: %w", domain.ErrNotFound)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_logs (id, work_order_id, actor, action, status, details_json, timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ulid.Make().String(), id, "escalation_controller", "escalate", string(newOwner), reason, now,
	); err != nil {
		return fmt.Errorf("op=workorder.escalate.audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=workorder.escalate.commit: %w", err)
	}
	committed = true
	return nil
}

// RecordResult stores the final result output for a work order.
func (r *WorkOrderRepo) RecordResult(ctx domain.Context, id string, output string) error {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.RecordResult")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "work_orders"),
	)

	q := `UPDATE work_orders SET result_output=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, output, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=workorder.record_result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workorder.record_result: %w", domain.ErrNotFound)
	}
	return nil
}

// QueryWorkOrders returns work orders matching the filter, most recent first.
func (r *WorkOrderRepo) QueryWorkOrders(ctx domain.Context, f domain.WorkOrderFilter, limit int) ([]domain.WorkOrder, error) {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "work_orders"),
	)

	if limit <= 0 {
		limit = 100
	}

	baseQuery := `SELECT id, intent, difficulty, owner, status, compressed_context, relevant_files,
		qa_requirements, qa_spec_ref, equipment_hint, retry_count, max_retries,
		escalation_chain, COALESCE(last_error,''), COALESCE(result_output,''), session_id,
		created_at, updated_at, completed_at, cost_usd, prompt_tokens, completion_tokens
	FROM work_orders`
	where := ""
	args := []any{}
	argIdx := 1
	if f.Status != nil {
		where += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, *f.Status)
		argIdx++
	}
	if f.Owner != nil {
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" owner = $%d", argIdx)
		args = append(args, *f.Owner)
		argIdx++
	}
	query := baseQuery + where + fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := r.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("op=workorder.query: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkOrder
	for rows.Next() {
		w, escChain, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("op=workorder.query_scan: %w", err)
		}
		w.EscalationChain = stringsToTiers(escChain)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=workorder.query_rows: %w", err)
	}
	return out, nil
}

// QuerySystemStatus returns work order counts grouped by status.
func (r *WorkOrderRepo) QuerySystemStatus(ctx domain.Context) (domain.SystemStatus, error) {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.QuerySystemStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "work_orders"),
	)

	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM work_orders GROUP BY status`)
	if err != nil {
		return domain.SystemStatus{}, fmt.Errorf("op=workorder.system_status: %w", err)
	}
	defer rows.Close()

	counts := map[domain.WorkOrderStatus]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return domain.SystemStatus{}, fmt.Errorf("op=workorder.system_status_scan: %w", err)
		}
		counts[domain.WorkOrderStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return domain.SystemStatus{}, fmt.Errorf("op=workorder.system_status_rows: %w", err)
	}
	return domain.SystemStatus{CountsByStatus: counts}, nil
}

// QueryCost returns aggregate token/cost figures for work orders updated
// within the given trailing window.
func (r *WorkOrderRepo) QueryCost(ctx domain.Context, window time.Duration) (domain.CostReport, error) {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.QueryCost")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "work_orders"),
	)

	since := time.Now().UTC().Add(-window)
	row := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd),0), COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0)
		 FROM work_orders WHERE updated_at >= $1`, since)

	var report domain.CostReport
	if err := row.Scan(&report.TotalCostUSD, &report.PromptTokens, &report.CompletionTokens); err != nil {
		return domain.CostReport{}, fmt.Errorf("op=workorder.query_cost: %w", err)
	}

	rows, err := r.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM work_orders WHERE updated_at >= $1 GROUP BY status`, since)
	if err != nil {
		return domain.CostReport{}, fmt.Errorf("op=workorder.query_cost_counts: %w", err)
	}
	defer rows.Close()

	counts := map[domain.WorkOrderStatus]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return domain.CostReport{}, fmt.Errorf("op=workorder.query_cost_counts_scan: %w", err)
		}
		counts[domain.WorkOrderStatus(status)] = count
	}
	report.CountsByStatus = counts
	return report, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkOrder(row rowScanner) (domain.WorkOrder, []string, error) {
	var w domain.WorkOrder
	var escChain []string
	err := row.Scan(
		&w.ID, &w.Intent, &w.Difficulty, &w.Owner, &w.Status, &w.CompressedContext, &w.RelevantFiles,
		&w.QARequirements, &w.QASpecRef, &w.EquipmentHint, &w.RetryCount, &w.MaxRetries,
		&escChain, &w.LastError, &w.ResultOutput, &w.SessionID,
		&w.CreatedAt, &w.UpdatedAt, &w.CompletedAt, &w.CostUSD, &w.PromptTokens, &w.CompletionTokens,
	)
	return w, escChain, err
}

func tiersToStrings(tiers []domain.Tier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}

func stringsToTiers(strs []string) []domain.Tier {
	if len(strs) == 0 {
		return nil
	}
	out := make([]domain.Tier, len(strs))
	for i, s := range strs {
		out[i] = domain.Tier(s)
	}
	return out
}
