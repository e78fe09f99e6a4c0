package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// SessionRepo persists and loads conversation sessions (one per ingress
// channel/external-user pair) from PostgreSQL.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

// GetOrCreate returns the existing session for (channel, externalUserID), or
// creates one if none exists.
func (r *SessionRepo) GetOrCreate(ctx domain.Context, channel, externalUserID string) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.GetOrCreate")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "sessions"),
	)

	row := r.Pool.QueryRow(ctx,
		`SELECT id, channel, external_user_id, created_at, last_active_at
		 FROM sessions WHERE channel=$1 AND external_user_id=$2`, channel, externalUserID)

	var s domain.Session
	err := row.Scan(&s.ID, &s.Channel, &s.ExternalUserID, &s.CreatedAt, &s.LastActiveAt)
	if err == nil {
		return s, nil
	}
	if err != pgx.ErrNoRows {
		return domain.Session{}, fmt.Errorf("op=session.get_or_create.select: %w", err)
	}

	now := time.Now().UTC()
	s = domain.Session{
		ID:             uuid.New().String(),
		Channel:        channel,
		ExternalUserID: externalUserID,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	_, err = r.Pool.Exec(ctx,
		`INSERT INTO sessions (id, channel, external_user_id, created_at, last_active_at) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (channel, external_user_id) DO NOTHING`,
		s.ID, s.Channel, s.ExternalUserID, s.CreatedAt, s.LastActiveAt)
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.get_or_create.insert: %w", err)
	}

	row = r.Pool.QueryRow(ctx,
		`SELECT id, channel, external_user_id, created_at, last_active_at
		 FROM sessions WHERE channel=$1 AND external_user_id=$2`, channel, externalUserID)
	if err := row.Scan(&s.ID, &s.Channel, &s.ExternalUserID, &s.CreatedAt, &s.LastActiveAt); err != nil {
		return domain.Session{}, fmt.Errorf("op=session.get_or_create.reselect: %w", err)
	}
	return s, nil
}

// Touch updates a session's last_active_at timestamp.
func (r *SessionRepo) Touch(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Touch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "sessions"),
	)

	tag, err := r.Pool.Exec(ctx, `UPDATE sessions SET last_active_at=$2 WHERE id=$1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=session.touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=session.touch: %w", domain.ErrNotFound)
	}
	return nil
}
