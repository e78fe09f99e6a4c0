package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// auditQueryLimit bounds QueryByWorkOrder results, mirroring the PostgreSQL
// backend's fixed cap since the port takes no limit argument.
const auditQueryLimit = 500

// AuditRepo persists and loads audit log entries against a local SQLite file.
type AuditRepo struct{ DB *sql.DB }

// NewAuditRepo constructs an AuditRepo over an opened SQLite handle.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{DB: db} }

// Append inserts a new audit log row.
func (r *AuditRepo) Append(ctx domain.Context, e domain.AuditLog) error {
	id := e.ID
	if id == "" {
		id = ulid.Make().String()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO audit_logs (id, work_order_id, session_id, actor, action, status, details_json, timestamp) VALUES (?,?,?,?,?,?,?,?)`,
		id, e.WorkOrderID, e.SessionID, e.Actor, e.Action, e.Status, e.DetailsJSON, ts,
	)
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	return nil
}

// QueryByWorkOrder returns audit log entries for a work order, oldest first.
func (r *AuditRepo) QueryByWorkOrder(ctx domain.Context, workOrderID string) ([]domain.AuditLog, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, work_order_id, session_id, actor, action, status, details_json, timestamp
		 FROM audit_logs WHERE work_order_id=? ORDER BY timestamp ASC LIMIT ?`,
		workOrderID, auditQueryLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=audit.query_by_workorder: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditLog
	for rows.Next() {
		var e domain.AuditLog
		if err := rows.Scan(&e.ID, &e.WorkOrderID, &e.SessionID, &e.Actor, &e.Action, &e.Status, &e.DetailsJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("op=audit.query_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.query_rows: %w", err)
	}
	return out, nil
}
