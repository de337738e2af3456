// Package postgres implements store.Gateway against the platform's
// PostgreSQL database using pgx connection pools.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
)

// Store implements store.Gateway backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Gateway = (*Store)(nil)

// New connects a pool against databaseURL and pings it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The caller retains ownership.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	const q = `SELECT id, owner_id, name, is_active, closed_at FROM sessions WHERE id = $1`
	rec := &store.SessionRecord{}
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.IsActive, &rec.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

func (s *Store) SetSessionActive(ctx context.Context, sessionID string, active bool, closedAt time.Time) error {
	var tag int64
	if active {
		const q = `UPDATE sessions SET is_active = TRUE, closed_at = NULL WHERE id = $1`
		ct, err := s.pool.Exec(ctx, q, sessionID)
		if err != nil {
			return fmt.Errorf("activate session: %w", err)
		}
		tag = ct.RowsAffected()
	} else {
		const q = `UPDATE sessions SET is_active = FALSE, closed_at = $2 WHERE id = $1`
		ct, err := s.pool.Exec(ctx, q, sessionID, closedAt)
		if err != nil {
			return fmt.Errorf("deactivate session: %w", err)
		}
		tag = ct.RowsAffected()
	}
	if tag == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkStaleSessionsInactive(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	const q = `
UPDATE sessions SET is_active = FALSE, closed_at = $1
WHERE is_active = TRUE
  AND NOT EXISTS (
    SELECT 1 FROM session_participants p
    WHERE p.session_id = sessions.id
      AND p.is_online = TRUE
      AND p.last_seen > $2
  )`
	ct, err := s.pool.Exec(ctx, q, now, now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("sweep stale sessions: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) GetParticipant(ctx context.Context, sessionID, userID string) (*store.ParticipantRecord, error) {
	const q = `
SELECT session_id, user_id, name, role, is_guest, is_online, last_seen, presence
FROM session_participants WHERE session_id = $1 AND user_id = $2`
	rec := &store.ParticipantRecord{}
	err := s.pool.QueryRow(ctx, q, sessionID, userID).Scan(
		&rec.SessionID, &rec.UserID, &rec.Name, &rec.Role,
		&rec.IsGuest, &rec.IsOnline, &rec.LastSeen, &rec.Presence,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return rec, nil
}

func (s *Store) UpsertParticipant(ctx context.Context, p *store.ParticipantRecord) error {
	const q = `
INSERT INTO session_participants (session_id, user_id, name, role, is_guest, is_online, last_seen, presence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id, user_id) DO UPDATE SET
  name = EXCLUDED.name, role = EXCLUDED.role, is_guest = EXCLUDED.is_guest,
  is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen`
	_, err := s.pool.Exec(ctx, q, p.SessionID, p.UserID, p.Name, string(p.Role), p.IsGuest, p.IsOnline, p.LastSeen, p.Presence)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *Store) SetParticipantOnline(ctx context.Context, sessionID, userID string, online bool, lastSeen time.Time) error {
	const q = `
UPDATE session_participants SET is_online = $3, last_seen = $4
WHERE session_id = $1 AND user_id = $2`
	ct, err := s.pool.Exec(ctx, q, sessionID, userID, online, lastSeen)
	if err != nil {
		return fmt.Errorf("set participant online: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SavePresence(ctx context.Context, sessionID, userID string, payload []byte, lastSeen time.Time) error {
	const q = `
UPDATE session_participants SET presence = $3, last_seen = $4
WHERE session_id = $1 AND user_id = $2`
	ct, err := s.pool.Exec(ctx, q, sessionID, userID, payload, lastSeen)
	if err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendChatMessage(ctx context.Context, m *store.ChatMessage) error {
	const q = `
INSERT INTO chat_messages (id, session_id, user_id, user_name, content, type, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, m.ID, m.SessionID, m.UserID, m.UserName, m.Content, m.Type, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

func (s *Store) AppendPrivateMessage(ctx context.Context, m *store.PrivateMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
INSERT INTO private_messages (id, conversation_id, sender_id, content, created_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, insert, m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt); err != nil {
		return fmt.Errorf("append private message: %w", err)
	}
	const bump = `UPDATE conversations SET updated_at = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, bump, m.ConversationID, m.CreatedAt); err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) MarkMessageRead(ctx context.Context, messageID string, readAt time.Time) error {
	const q = `UPDATE private_messages SET read_at = COALESCE(read_at, $2) WHERE id = $1`
	ct, err := s.pool.Exec(ctx, q, messageID, readAt)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListFriends(ctx context.Context, userID string) ([]store.Friend, error) {
	const q = `
SELECT f.friend_id, u.name
FROM friendships f
JOIN users u ON u.id = f.friend_id
WHERE f.user_id = $1`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var out []store.Friend
	for rows.Next() {
		var f store.Friend
		if err := rows.Scan(&f.UserID, &f.Name); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) SaveScore(ctx context.Context, sc *store.Score) error {
	const q = `
INSERT INTO scores (id, session_id, user_id, time_ms, created_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, sc.ID, sc.SessionID, sc.UserID, sc.TimeMs, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
