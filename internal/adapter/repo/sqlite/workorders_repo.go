package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// WorkOrderRepo persists and loads work orders against a local SQLite file.
// mu serializes every write so CAS transitions stay atomic even though
// database/sql's connection pool is capped at one connection.
type WorkOrderRepo struct {
	DB *sql.DB
	mu sync.Mutex
}

// NewWorkOrderRepo constructs a WorkOrderRepo over an opened SQLite handle.
func NewWorkOrderRepo(db *sql.DB) *WorkOrderRepo { return &WorkOrderRepo{DB: db} }

// CreateWorkOrder inserts a new work order and returns its id.
func (r *WorkOrderRepo) CreateWorkOrder(ctx domain.Context, w domain.WorkOrder) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := w.ID
	if id == "" {
		id = ulid.Make().String()
	}
	now := time.Now().UTC()

	_, err := r.DB.ExecContext(ctx, `INSERT INTO work_orders (
		id, intent, difficulty, owner, status, compressed_context, relevant_files,
		qa_requirements, qa_spec_ref, equipment_hint, retry_count, max_retries,
		escalation_chain, last_error, result_output, session_id,
		created_at, updated_at, cost_usd, prompt_tokens, completion_tokens
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, w.Intent, w.Difficulty, w.Owner, w.Status, w.CompressedContext, joinCSV(w.RelevantFiles),
		w.QARequirements, w.QASpecRef, w.EquipmentHint, w.RetryCount, w.MaxRetries,
		joinTiers(w.EscalationChain), w.LastError, w.ResultOutput, w.SessionID,
		now, now, w.CostUSD, w.PromptTokens, w.CompletionTokens,
	)
	if err != nil {
		return "", fmt.Errorf("op=workorder.create: %w", err)
	}
	return id, nil
}

// GetWorkOrder loads a work order by id.
func (r *WorkOrderRepo) GetWorkOrder(ctx domain.Context, id string) (domain.WorkOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, intent, difficulty, owner, status, compressed_context, relevant_files,
		qa_requirements, qa_spec_ref, equipment_hint, retry_count, max_retries,
		escalation_chain, last_error, result_output, session_id,
		created_at, updated_at, completed_at, cost_usd, prompt_tokens, completion_tokens
	FROM work_orders WHERE id=?`, id)
	w, err := scanWorkOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.WorkOrder{}, fmt.Errorf("op=workorder.get: %w", domain.ErrNotFound)
		}
		return domain.WorkOrder{}, fmt.Errorf("op=workorder.get: %w", err)
	}
	return w, nil
}

// TransitionStatus performs a compare-and-swap status transition identical
// in semantics to the PostgreSQL backend: the update only applies if the
// row's current status still matches from, and the transition must be
// listed in domain.IsAllowedTransition.
func (r *WorkOrderRepo) TransitionStatus(ctx domain.Context, id string, from, to domain.WorkOrderStatus, reason string) error {
	if !domain.IsAllowedTransition(from, to) {
		return fmt.Errorf("op=workorder.transition_status: %w: %s -> %s", domain.ErrConflict, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=workorder.transition_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	var completedAt any
	if domain.IsTerminal(to) {
		completedAt = now
	}

	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET status=?, updated_at=?,
		completed_at=COALESCE(?, completed_at),
		last_error=CASE WHEN ? != '' THEN ? ELSE last_error END
		WHERE id=? AND status=?`,
		to, now, completedAt, reason, reason, id, from,
	)
	if err != nil {
		return fmt.Errorf("op=workorder.transition_status.exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=workorder.transition_status.rows_affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("op=workorder.transition_status: %w: work order %s not in state %s", domain.ErrConflict, id, from)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_logs (id, work_order_id, actor, action, status, details_json, timestamp) VALUES (?,?,?,?,?,?,?)`,
		ulid.Make().String(), id, "dispatcher", "transition_status", string(to), reason, now,
	); err != nil {
		return fmt.Errorf("op=workorder.transition_status.audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=workorder.transition_status.commit: %w", err)
	}
	committed = true
	return nil
}

// RecordAttempt persists an AgentMetric row for a dispatch attempt and, on
// failure, increments the work order's retry_count in the same transaction.
func (r *WorkOrderRepo) RecordAttempt(ctx domain.Context, id string, m domain.AgentMetric, attemptFailed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=workorder.record_attempt.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	metricID := m.ID
	if metricID == "" {
		metricID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_metrics (id, work_order_id, agent_name, role, model, provider, success, latency_ms, prompt_tokens, completion_tokens, cost_usd, timestamp)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		metricID, id, m.AgentName, m.Role, m.Model, m.Provider, m.Success, m.LatencyMS, m.PromptTokens, m.CompletionTokens, m.CostUSD, now,
	); err != nil {
		return fmt.Errorf("op=workorder.record_attempt.metric: %w", err)
	}

	if attemptFailed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_orders SET retry_count = retry_count + 1, updated_at=? WHERE id=?`, now, id,
		); err != nil {
			return fmt.Errorf("op=workorder.record_attempt.retry_count: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_orders SET cost_usd = cost_usd + ?, prompt_tokens = prompt_tokens + ?, completion_tokens = completion_tokens + ?, updated_at=? WHERE id=?`,
			m.CostUSD, m.PromptTokens, m.CompletionTokens, now, id,
		); err != nil {
			return fmt.Errorf("op=workorder.record_attempt.cost: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
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
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=workorder.escalate.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT escalation_chain FROM work_orders WHERE id=?`, id)
	var escChain string
	if err := row.Scan(&escChain); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("op=workorder.escalate: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=workorder.escalate.select: %w", err)
	}
	chain := splitTiers(escChain)
	chain = append(chain, newOwner)

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE work_orders SET owner=?, retry_count=0, escalation_chain=?, updated_at=? WHERE id=?`,
		newOwner, joinTiers(chain), now, id,
	)
	if err != nil {
		return fmt.Errorf("op=workorder.escalate.exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=workorder.escalate.rows_affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("op=workorder.escalate: %w", domain.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_logs (id, work_order_id, actor, action, status, details_json, timestamp) VALUES (?,?,?,?,?,?,?)`,
		ulid.Make().String(), id, "escalation_controller", "escalate", string(newOwner), reason, now,
	); err != nil {
		return fmt.Errorf("op=workorder.escalate.audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=workorder.escalate.commit: %w", err)
	}
	committed = true
	return nil
}

// RecordResult stores the final result output for a work order.
func (r *WorkOrderRepo) RecordResult(ctx domain.Context, id string, output string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.DB.ExecContext(ctx, `UPDATE work_orders SET result_output=?, updated_at=? WHERE id=?`, output, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("op=workorder.record_result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=workorder.record_result.rows_affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("op=workorder.record_result: %w", domain.ErrNotFound)
	}
	return nil
}

// QueryWorkOrders returns work orders matching the filter, most recent first.
func (r *WorkOrderRepo) QueryWorkOrders(ctx domain.Context, f domain.WorkOrderFilter, limit int) ([]domain.WorkOrder, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT id, intent, difficulty, owner, status, compressed_context, relevant_files,
		qa_requirements, qa_spec_ref, equipment_hint, retry_count, max_retries,
		escalation_chain, last_error, result_output, session_id,
		created_at, updated_at, completed_at, cost_usd, prompt_tokens, completion_tokens
	FROM work_orders`
	var where []string
	var args []any
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.Owner != nil {
		where = append(where, "owner = ?")
		args = append(args, *f.Owner)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=workorder.query: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("op=workorder.query_scan: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=workorder.query_rows: %w", err)
	}
	return out, nil
}

// QuerySystemStatus returns work order counts grouped by status.
func (r *WorkOrderRepo) QuerySystemStatus(ctx domain.Context) (domain.SystemStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_orders GROUP BY status`)
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
	since := time.Now().UTC().Add(-window)

	var report domain.CostReport
	row := r.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd),0), COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0)
		 FROM work_orders WHERE updated_at >= ?`, since)
	if err := row.Scan(&report.TotalCostUSD, &report.PromptTokens, &report.CompletionTokens); err != nil {
		return domain.CostReport{}, fmt.Errorf("op=workorder.query_cost: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_orders WHERE updated_at >= ? GROUP BY status`, since)
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
	if err := rows.Err(); err != nil {
		return domain.CostReport{}, fmt.Errorf("op=workorder.query_cost_counts_rows: %w", err)
	}
	report.CountsByStatus = counts
	return report, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var w domain.WorkOrder
	var relevantFiles, escChain string
	var completedAt sql.NullTime
	err := row.Scan(
		&w.ID, &w.Intent, &w.Difficulty, &w.Owner, &w.Status, &w.CompressedContext, &relevantFiles,
		&w.QARequirements, &w.QASpecRef, &w.EquipmentHint, &w.RetryCount, &w.MaxRetries,
		&escChain, &w.LastError, &w.ResultOutput, &w.SessionID,
		&w.CreatedAt, &w.UpdatedAt, &completedAt, &w.CostUSD, &w.PromptTokens, &w.CompletionTokens,
	)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	w.RelevantFiles = splitCSV(relevantFiles)
	w.EscalationChain = splitTiers(escChain)
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	return w, nil
}

// joinCSV/splitCSV and joinTiers/splitTiers encode the small ordered string
// slices SQLite has no native array type for, mirroring the Postgres
// backend's TEXT[] columns as comma-joined TEXT.

func joinCSV(items []string) string { return strings.Join(items, ",") }

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinTiers(tiers []domain.Tier) string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return strings.Join(out, ",")
}

func splitTiers(s string) []domain.Tier {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.Tier, len(parts))
	for i, p := range parts {
		out[i] = domain.Tier(p)
	}
	return out
}
