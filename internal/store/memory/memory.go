// Package memory provides an in-memory store.Gateway suitable for
// single-node deployments and tests. State is local to the process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
)

// Store implements store.Gateway with process-local maps.
type Store struct {
	mu sync.RWMutex

	sessions     map[string]*store.SessionRecord
	participants map[string]map[string]*store.ParticipantRecord // sessionID -> userID
	chat         map[string][]*store.ChatMessage                // sessionID
	private      map[string][]*store.PrivateMessage             // conversationID
	privateByID  map[string]*store.PrivateMessage
	convUpdated  map[string]time.Time
	friends      map[string][]store.Friend
	scores       []*store.Score
}

var _ store.Gateway = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:     make(map[string]*store.SessionRecord),
		participants: make(map[string]map[string]*store.ParticipantRecord),
		chat:         make(map[string][]*store.ChatMessage),
		private:      make(map[string][]*store.PrivateMessage),
		privateByID:  make(map[string]*store.PrivateMessage),
		convUpdated:  make(map[string]time.Time),
		friends:      make(map[string][]store.Friend),
	}
}

// PutSession seeds a session row. Intended for tests and dev bootstrap.
func (s *Store) PutSession(rec *store.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.sessions[rec.ID] = &cp
}

// PutFriends seeds a friendship list.
func (s *Store) PutFriends(userID string, friends []store.Friend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[userID] = append([]store.Friend(nil), friends...)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) SetSessionActive(ctx context.Context, sessionID string, active bool, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	rec.IsActive = active
	if active {
		rec.ClosedAt = nil
	} else {
		t := closedAt
		rec.ClosedAt = &t
	}
	return nil
}

func (s *Store) MarkStaleSessionsInactive(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)
	n := 0
	for id, rec := range s.sessions {
		if !rec.IsActive {
			continue
		}
		fresh := false
		for _, p := range s.participants[id] {
			if p.IsOnline && p.LastSeen.After(cutoff) {
				fresh = true
				break
			}
		}
		if !fresh {
			rec.IsActive = false
			t := now
			rec.ClosedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *Store) GetParticipant(ctx context.Context, sessionID, userID string) (*store.ParticipantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[sessionID][userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpsertParticipant(ctx context.Context, p *store.ParticipantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.participants[p.SessionID]
	if !ok {
		byUser = make(map[string]*store.ParticipantRecord)
		s.participants[p.SessionID] = byUser
	}
	cp := *p
	byUser[p.UserID] = &cp
	return nil
}

func (s *Store) SetParticipantOnline(ctx context.Context, sessionID, userID string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[sessionID][userID]
	if !ok {
		return store.ErrNotFound
	}
	p.IsOnline = online
	p.LastSeen = lastSeen
	return nil
}

func (s *Store) SavePresence(ctx context.Context, sessionID, userID string, payload []byte, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[sessionID][userID]
	if !ok {
		return store.ErrNotFound
	}
	p.Presence = append([]byte(nil), payload...)
	p.LastSeen = lastSeen
	return nil
}

func (s *Store) AppendChatMessage(ctx context.Context, m *store.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.chat[m.SessionID] = append(s.chat[m.SessionID], &cp)
	return nil
}

func (s *Store) AppendPrivateMessage(ctx context.Context, m *store.PrivateMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.private[m.ConversationID] = append(s.private[m.ConversationID], &cp)
	s.privateByID[m.ID] = &cp
	s.convUpdated[m.ConversationID] = m.CreatedAt
	return nil
}

func (s *Store) MarkMessageRead(ctx context.Context, messageID string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.privateByID[messageID]
	if !ok {
		return store.ErrNotFound
	}
	if m.ReadAt == nil {
		t := readAt
		m.ReadAt = &t
	}
	return nil
}

func (s *Store) ListFriends(ctx context.Context, userID string) ([]store.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Friend(nil), s.friends[userID]...), nil
}

func (s *Store) SaveScore(ctx context.Context, sc *store.Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.scores = append(s.scores, &cp)
	return nil
}

// ChatMessages returns persisted chat for a session. Test helper.
func (s *Store) ChatMessages(sessionID string) []*store.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.ChatMessage, len(s.chat[sessionID]))
	copy(out, s.chat[sessionID])
	return out
}

// Scores returns all persisted scores. Test helper.
func (s *Store) Scores() []*store.Score {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*store.Score(nil), s.scores...)
}

func (s *Store) Close() error { return nil }
