// Package store defines the durable record gateway used by the realtime
// session layer. The schema is owned by the surrounding platform; this
// package only models the slices of it the session layer reads and writes.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Role is a participant's capability level within a session.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
	RolePlayer Role = "PLAYER"
)

// ValidRole reports whether r is one of the recognized roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer, RolePlayer:
		return true
	}
	return false
}

// CanEdit reports whether the role may mutate shared scene state.
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

// CanPlay reports whether the role may emit gameplay input/events.
func (r Role) CanPlay() bool { return r == RolePlayer }

// SessionRecord mirrors the durable session row.
type SessionRecord struct {
	ID       string
	OwnerID  string
	Name     string
	IsActive bool
	ClosedAt *time.Time
}

// ParticipantRecord mirrors the durable participant row. UserID holds the
// effective identity: a registered user id or a generated guest id.
type ParticipantRecord struct {
	SessionID string
	UserID    string
	Name      string
	Role      Role
	IsGuest   bool
	IsOnline  bool
	LastSeen  time.Time
	// Presence holds the last sampled presence payload, if any.
	Presence []byte
}

// ChatMessage is a persisted session chat message.
type ChatMessage struct {
	ID        string
	SessionID string
	UserID    string
	UserName  string
	Content   string
	Type      string
	CreatedAt time.Time
}

// PrivateMessage is a persisted direct message within a conversation.
type PrivateMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// Friend is one edge of a user's friendship list.
type Friend struct {
	UserID string
	Name   string
}

// Score is a gameplay result persisted on a finish event.
type Score struct {
	ID        string
	SessionID string
	UserID    string
	TimeMs    int64
	CreatedAt time.Time
}

// Gateway is the durable store contract consumed by the session layer.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// GetSession returns the session row or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	// SetSessionActive flips the session's active flag. Deactivating stamps
	// closedAt; reactivating clears it.
	SetSessionActive(ctx context.Context, sessionID string, active bool, closedAt time.Time) error
	// MarkStaleSessionsInactive deactivates every active session none of
	// whose participants has been seen online within the window. Returns the
	// number of sessions deactivated.
	MarkStaleSessionsInactive(ctx context.Context, window time.Duration, now time.Time) (int, error)

	// GetParticipant returns the participant row or ErrNotFound.
	GetParticipant(ctx context.Context, sessionID, userID string) (*ParticipantRecord, error)
	// UpsertParticipant inserts or replaces a participant row.
	UpsertParticipant(ctx context.Context, p *ParticipantRecord) error
	// SetParticipantOnline updates the online flag and lastSeen stamp.
	SetParticipantOnline(ctx context.Context, sessionID, userID string, online bool, lastSeen time.Time) error
	// SavePresence stores a sampled presence payload for a participant.
	SavePresence(ctx context.Context, sessionID, userID string, payload []byte, lastSeen time.Time) error

	// AppendChatMessage persists a session chat message.
	AppendChatMessage(ctx context.Context, m *ChatMessage) error
	// AppendPrivateMessage persists a direct message and bumps the owning
	// conversation's updatedAt.
	AppendPrivateMessage(ctx context.Context, m *PrivateMessage) error
	// MarkMessageRead stamps a private message as read. Unknown ids return
	// ErrNotFound.
	MarkMessageRead(ctx context.Context, messageID string, readAt time.Time) error

	// ListFriends returns the user's friendship list.
	ListFriends(ctx context.Context, userID string) ([]Friend, error)
	// SaveScore persists a gameplay score.
	SaveScore(ctx context.Context, s *Score) error

	// Close releases backing resources.
	Close() error
}
