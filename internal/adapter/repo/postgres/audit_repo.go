package postgres

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// AuditRepo persists and loads audit log entries from PostgreSQL.
type AuditRepo struct{ Pool PgxPool }

// NewAuditRepo constructs an AuditRepo with the given pool.
func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

// Append inserts a new audit log entry, generating an id if one is missing.
func (r *AuditRepo) Append(ctx domain.Context, a domain.AuditLog) error {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "audit_logs"),
	)

	id := a.ID
	if id == "" {
		id = ulid.Make().String()
	}
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	q := `INSERT INTO audit_logs (id, work_order_id, session_id, actor, action, status, details_json, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, a.WorkOrderID, a.SessionID, a.Actor, a.Action, a.Status, a.DetailsJSON, ts)
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	return nil
}

// auditQueryLimit bounds QueryByWorkOrder results; the port takes no limit
// argument, so this is the fixed cap applied to every call.
const auditQueryLimit = 500

// QueryByWorkOrder returns audit entries for a work order, oldest first.
func (r *AuditRepo) QueryByWorkOrder(ctx domain.Context, workOrderID string) ([]domain.AuditLog, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.QueryByWorkOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "audit_logs"),
	)

	q := `SELECT id, work_order_id, COALESCE(session_id,''), actor, action, status, COALESCE(details_json,''), timestamp
		FROM audit_logs WHERE work_order_id=$1 ORDER BY timestamp ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, workOrderID, auditQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("op=audit.query_by_workorder: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditLog
	for rows.Next() {
		var a domain.AuditLog
		if err := rows.Scan(&a.ID, &a.WorkOrderID, &a.SessionID, &a.Actor, &a.Action, &a.Status, &a.DetailsJSON, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("op=audit.query_scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.query_rows: %w", err)
	}
	return out, nil
}
