package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// SessionRepo persists and loads conversation sessions (one per ingress
// channel/external-user pair) against a local SQLite file.
type SessionRepo struct{ DB *sql.DB }

// NewSessionRepo constructs a SessionRepo over an opened SQLite handle.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{DB: db} }

// GetOrCreate returns the existing session for (channel, externalUserID), or
// creates one if none exists.
func (r *SessionRepo) GetOrCreate(ctx domain.Context, channel, externalUserID string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, channel, external_user_id, created_at, last_active_at
		 FROM sessions WHERE channel=? AND external_user_id=?`, channel, externalUserID)

	var s domain.Session
	err := row.Scan(&s.ID, &s.Channel, &s.ExternalUserID, &s.CreatedAt, &s.LastActiveAt)
	if err == nil {
		return s, nil
	}
	if err != sql.ErrNoRows {
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
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO sessions (id, channel, external_user_id, created_at, last_active_at) VALUES (?,?,?,?,?)
		 ON CONFLICT (channel, external_user_id) DO NOTHING`,
		s.ID, s.Channel, s.ExternalUserID, s.CreatedAt, s.LastActiveAt)
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=session.get_or_create.insert: %w", err)
	}

	row = r.DB.QueryRowContext(ctx,
		`SELECT id, channel, external_user_id, created_at, last_active_at
		 FROM sessions WHERE channel=? AND external_user_id=?`, channel, externalUserID)
	if err := row.Scan(&s.ID, &s.Channel, &s.ExternalUserID, &s.CreatedAt, &s.LastActiveAt); err != nil {
		return domain.Session{}, fmt.Errorf("op=session.get_or_create.reselect: %w", err)
	}
	return s, nil
}

// Touch updates a session's last_active_at timestamp.
func (r *SessionRepo) Touch(ctx domain.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET last_active_at=? WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("op=session.touch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=session.touch.rows_affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("op=session.touch: %w", domain.ErrNotFound)
	}
	return nil
}
