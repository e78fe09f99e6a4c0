package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// metricQueryLimit bounds QueryByWorkOrder results, mirroring the PostgreSQL
// backend's fixed cap since the port takes no limit argument.
const metricQueryLimit = 500

// MetricRepo persists and loads agent metrics against a local SQLite file.
type MetricRepo struct{ DB *sql.DB }

// NewMetricRepo constructs a MetricRepo over an opened SQLite handle.
func NewMetricRepo(db *sql.DB) *MetricRepo { return &MetricRepo{DB: db} }

// Append inserts a new agent metric row.
func (r *MetricRepo) Append(ctx domain.Context, m domain.AgentMetric) error {
	id := m.ID
	if id == "" {
		id = ulid.Make().String()
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO agent_metrics (id, work_order_id, agent_name, role, model, provider, success, latency_ms, prompt_tokens, completion_tokens, cost_usd, timestamp)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, m.WorkOrderID, m.AgentName, m.Role, m.Model, m.Provider, m.Success, m.LatencyMS, m.PromptTokens, m.CompletionTokens, m.CostUSD, ts,
	)
	if err != nil {
		return fmt.Errorf("op=metrics.append: %w", err)
	}
	return nil
}

// QueryByWorkOrder returns agent metrics for a work order, oldest first.
func (r *MetricRepo) QueryByWorkOrder(ctx domain.Context, workOrderID string) ([]domain.AgentMetric, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, work_order_id, agent_name, role, model, provider, success, latency_ms, prompt_tokens, completion_tokens, cost_usd, timestamp
		 FROM agent_metrics WHERE work_order_id=? ORDER BY timestamp ASC LIMIT ?`,
		workOrderID, metricQueryLimit,
	)
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
