package session

import (
	"sync"
	"time"
)

// Directory is the process-wide registry of live session state. A State
// exists iff at least one connection is currently joined to the session:
// created at first join, removed at last leave.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]*State
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]*State)}
}

// GetOrCreate returns the live state for the session, creating it if
// absent. Atomic with respect to concurrent joins: two callers for the
// same id always observe the same State.
func (d *Directory) GetOrCreate(sessionID string) (*State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.sessions[sessionID]; ok {
		st.touch(time.Now())
		return st, false
	}
	st := newState(sessionID)
	st.touch(time.Now())
	d.sessions[sessionID] = st
	return st, true
}

// Get returns the live state, if any.
func (d *Directory) Get(sessionID string) (*State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sessions[sessionID]
	return st, ok
}

// Remove deletes the state. Called when the participant map empties.
func (d *Directory) Remove(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// RemoveIfIdle deletes the state only if it is still empty and has not
// been handed to a joiner within the grace window. A joiner sits between
// GetOrCreate and AddParticipant for an instant; the grace check keeps
// the sweep from yanking the state out from under it, which would leave
// two live states for one id.
func (d *Directory) RemoveIfIdle(sessionID string, grace time.Duration, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sessions[sessionID]
	if !ok || st.Len() != 0 {
		return false
	}
	st.mu.Lock()
	touched := st.touched
	st.mu.Unlock()
	if now.Sub(touched) < grace {
		return false
	}
	delete(d.sessions, sessionID)
	return true
}

// Len returns the number of live sessions.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Snapshot returns the live states at this instant.
func (d *Directory) Snapshot() []*State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*State, 0, len(d.sessions))
	for _, st := range d.sessions {
		out = append(out, st)
	}
	return out
}
