package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/chatrelay/internal/domain"
)

// SessionRepo persists sessions and their append-only event logs.
type SessionRepo struct {
	pool *pgxpool.Pool
}

var _ domain.SessionStore = (*SessionRepo)(nil)

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) UpsertSession(ctx context.Context, sessionID string, userID *string) error {
	// COALESCE keeps the first non-null user_id; reconnects never
	// reset start_time or null out an existing user id.
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (session_id)
		 DO UPDATE SET user_id = COALESCE(excluded.user_id, sessions.user_id)`,
		sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpsertSession: %w", err)
	}

	return nil
}

func (r *SessionRepo) LogEvent(ctx context.Context, sessionID string, eventType domain.EventType, role domain.Role, content string, meta domain.Meta) error {
	if meta == nil {
		meta = domain.Meta{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("sessionRepo.LogEvent: marshal meta: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_events (session_id, event_type, role, content, meta)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5::jsonb)`,
		sessionID, eventType, string(role), content, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.LogEvent: %w", err)
	}

	return nil
}

func (r *SessionRepo) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s domain.Session

	err := r.pool.QueryRow(ctx,
		`SELECT session_id, user_id, start_time, end_time, duration_seconds, summary
		 FROM sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&s.SessionID, &s.UserID, &s.StartTime, &s.EndTime, &s.DurationSeconds, &s.Summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sessionRepo.GetSession: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.GetSession: %w", err)
	}

	return &s, nil
}

func (r *SessionRepo) GetTranscript(ctx context.Context, sessionID string) ([]domain.TranscriptEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT COALESCE(role, 'system'), content, event_type
		 FROM session_events
		 WHERE session_id = $1
		 ORDER BY ts ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.GetTranscript: %w", err)
	}
	defer rows.Close()

	var entries []domain.TranscriptEntry
	for rows.Next() {
		var e domain.TranscriptEntry

		err = rows.Scan(&e.Role, &e.Content, &e.EventType)
		if err != nil {
			return nil, fmt.Errorf("sessionRepo.GetTranscript: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.GetTranscript: rows: %w", err)
	}

	return entries, nil
}

func (r *SessionRepo) FinalizeSession(ctx context.Context, sessionID string, summary string) error {
	// duration_seconds is computed in SQL so caller-side clock skew
	// cannot distort it.
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET end_time = now(),
		     duration_seconds = extract(epoch FROM (now() - start_time))::int,
		     summary = $2
		 WHERE session_id = $1`,
		sessionID, summary,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.FinalizeSession: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.FinalizeSession: %w", domain.ErrNotFound)
	}

	return nil
}
