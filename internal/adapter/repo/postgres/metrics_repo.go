package postgres

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// MetricRepo persists and loads agent metrics from PostgreSQL. AgentMetric
// rows are also written transactionally from WorkOrderRepo.RecordAttempt;
// this repo is used for standalone appends (e.g. by the escalation
// controller) and for reads.
type MetricRepo struct{ Pool PgxPool }

// NewMetricRepo constructs a MetricRepo with the given pool.
func NewMetricRepo(p PgxPool) *MetricRepo { return &MetricRepo{Pool: p} }

// Append inserts a new agent metric row.
func (r *MetricRepo) Append(ctx domain.Context, m domain.AgentMetric) error {
	tracer := otel.Tracer("repo.metrics")
	ctx, span := tracer.Start(ctx, "metrics.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "agent_metrics"),
	)

	id := m.ID
	if id == "" {
		id = ulid.Make().String()
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	q := `INSERT INTO agent_metrics (id, work_order_id, agent_name, role, model, provider, success, latency_ms, prompt_tokens, completion_tokens, cost_usd, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q, id, m.WorkOrderID, m.AgentName, m.Role, m.Model, m.Provider, m.Success, m.LatencyMS, m.PromptTokens, m.CompletionTokens, m.CostUSD, ts)
	if err != nil {
		return fmt.Errorf("op=metrics.append: %w", err)
	}
	return nil
}

// metricQueryLimit bounds QueryByWorkOrder results; the port takes no limit
// argument, so this is the fixed cap applied to every call.
const metricQueryLimit = 500

// QueryByWorkOrder returns agent metrics for a work order, oldest first.
func (r *MetricRepo) QueryByWorkOrder(ctx domain.Context, workOrderID string) ([]domain.AgentMetric, error) {
	tracer := otel.Tracer("repo.metrics")
	ctx, span := tracer.Start(ctx, "metrics.QueryByWorkOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "agent_metrics"),
	)

	q := `SELECT id, work_order_id, agent_name, role, model, provider, success, latency_ms, prompt_tokens, completion_tokens, cost_usd, timestamp
		FROM agent_metrics WHERE work_order_id=$1 ORDER BY timestamp ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, workOrderID, metricQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("op=metrics.query_by_workorder: %w", err)
	}
	defer rows.Close()

	var out []domain.AgentMetric
	for rows.Next() {
		var m domain.AgentMetric
		if err := rows.Scan(&m.ID, &m.WorkOrderID, &m.AgentName, &m.Role, &m.Model, &m.Provider, &m.Success, &m.LatencyMS, &m.PromptTokens, &m.CompletionTokens, &m.CostUSD, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("op=metrics.query_scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=metrics.query_rows: %w", err)
	}
	return out, nil
}
