// Package session holds the in-memory state of live collaborative
// sessions: who is present, the recent chat tail, and the shared scene.
package session

import (
	"sync"
	"time"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
)

// ChatBufferCap bounds the in-memory chat tail per session. The oldest
// entry is evicted first.
const ChatBufferCap = 100

// Participant is the in-memory mirror of a durable participant record,
// eventually consistent with storage. One participant may be backed by
// several live connections (multiple tabs or devices).
type Participant struct {
	UserID   string         `json:"userId"`
	Name     string         `json:"name"`
	Role     store.Role     `json:"role"`
	IsGuest  bool           `json:"isGuest"`
	Online   bool           `json:"online"`
	JoinedAt time.Time      `json:"joinedAt"`
	Presence map[string]any `json:"presence,omitempty"`
}

// participantEntry pairs the participant view with the set of connection
// ids currently backing it. The view lives until the set empties.
type participantEntry struct {
	p     Participant
	conns map[string]struct{}
}

// ChatEntry is one message in the bounded chat tail.
type ChatEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Block is one entry of the shared scene. Data is the client-supplied
// block payload; the server stamps creator and mutation time.
type Block struct {
	Data      map[string]any `json:"data"`
	CreatedBy string         `json:"createdBy"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// BlockOp identifies a scene mutation kind.
type BlockOp string

const (
	BlockAdd    BlockOp = "add"
	BlockUpdate BlockOp = "update"
	BlockDelete BlockOp = "delete"
)

// ValidBlockOp reports whether op is a recognized scene mutation.
func ValidBlockOp(op BlockOp) bool {
	return op == BlockAdd || op == BlockUpdate || op == BlockDelete
}

// State is the live representation of one session. All mutation goes
// through its methods; the internal mutex makes each operation atomic
// relative to concurrent connections.
type State struct {
	ID string

	mu           sync.Mutex
	participants map[string]*participantEntry
	chat         []ChatEntry
	blocks       map[string]*Block
	touched      time.Time
}

func newState(id string) *State {
	return &State{
		ID:           id,
		participants: make(map[string]*participantEntry),
		blocks:       make(map[string]*Block),
	}
}

// touch records that the directory handed this state to a joiner. Guards
// the janitor's idle prune against a join in flight.
func (s *State) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = now
}

// AddParticipant binds a connection to the participant keyed by effective
// user id, installing the participant view on its first connection. It
// returns snapshots of the participant list and scene taken under the
// same lock, so session_joined reflects a consistent instant, and reports
// whether this connection is the participant's first.
func (s *State) AddParticipant(p *Participant, connID string) (participants []Participant, scene map[string]Block, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.participants[p.UserID]
	if !ok {
		e = &participantEntry{p: *p, conns: make(map[string]struct{})}
		s.participants[p.UserID] = e
	}
	e.conns[connID] = struct{}{}
	return s.participantsLocked(), s.sceneLocked(), !ok
}

// RemoveParticipant unbinds a connection. The participant view is removed
// only when its last connection goes; empty reports whether the session
// has no participants left.
func (s *State) RemoveParticipant(userID, connID string) (last, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.participants[userID]
	if !ok {
		return false, len(s.participants) == 0
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return false, false
	}
	delete(s.participants, userID)
	return true, len(s.participants) == 0
}

// Participant returns a copy of the participant, if present.
func (s *State) Participant(userID string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return e.p, true
}

// Participants returns a snapshot of the participant list.
func (s *State) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked()
}

// Len returns the current participant count.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// UpdatePresence stores the latest ephemeral presence payload for a
// participant. Unknown participants are ignored.
func (s *State) UpdatePresence(userID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.participants[userID]; ok {
		e.p.Presence = payload
	}
}

// AppendChat pushes an entry onto the chat tail, evicting the oldest
// entry beyond ChatBufferCap.
func (s *State) AppendChat(e ChatEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, e)
	if len(s.chat) > ChatBufferCap {
		s.chat = s.chat[len(s.chat)-ChatBufferCap:]
	}
}

// Chat returns a snapshot of the chat tail in insertion order.
func (s *State) Chat() []ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatEntry(nil), s.chat...)
}

// ApplyBlock applies a scene mutation and reports whether it changed the
// scene. Updates against an absent block and deletes of an absent block
// are deliberate no-ops: tolerant of out-of-order delivery, never errors.
// The stored block never aliases caller-owned maps: data is copied on
// add, and update installs a fresh merged map, so snapshots and broadcast
// payloads stay immutable once they leave the lock.
func (s *State) ApplyBlock(op BlockOp, blockID string, data map[string]any, userID string, now time.Time) (applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case BlockAdd:
		s.blocks[blockID] = &Block{
			Data:      copyData(data),
			CreatedBy: userID,
			UpdatedAt: now,
		}
		return true
	case BlockUpdate:
		b, ok := s.blocks[blockID]
		if !ok {
			return false
		}
		merged := copyData(b.Data)
		for k, v := range data {
			merged[k] = v
		}
		b.Data = merged
		b.UpdatedAt = now
		return true
	case BlockDelete:
		if _, ok := s.blocks[blockID]; !ok {
			return false
		}
		delete(s.blocks, blockID)
		return true
	}
	return false
}

// Scene returns a snapshot of the block map.
func (s *State) Scene() map[string]Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sceneLocked()
}

func (s *State) participantsLocked() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, e := range s.participants {
		out = append(out, e.p)
	}
	return out
}

func (s *State) sceneLocked() map[string]Block {
	out := make(map[string]Block, len(s.blocks))
	for id, b := range s.blocks {
		cp := *b
		cp.Data = copyData(b.Data)
		out[id] = cp
	}
	return out
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
