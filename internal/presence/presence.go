// Package presence tracks which users currently hold live connections.
// The index exists only for cross-session notification fan-out; session
// membership itself lives in the session directory.
package presence

import "sync"

// Index is the process-wide map of userId → live connection ids. Entries
// are added on authenticated connect and removed on disconnect; an empty
// set is deleted.
type Index struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{conns: make(map[string]map[string]struct{})}
}

// Add records a live connection for the user and reports whether it is
// the user's first (i.e. the user just came online).
func (i *Index) Add(userID, connID string) (first bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	set, ok := i.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		i.conns[userID] = set
	}
	first = len(set) == 0
	set[connID] = struct{}{}
	return first
}

// TryAdd records a live connection only if the user's count is below
// limit (limit <= 0 means unlimited). Check and insert happen under one
// lock, so two racing connects cannot both slip past the cap. first
// reports whether the user just came online; ok whether the connection
// was admitted.
func (i *Index) TryAdd(userID, connID string, limit int) (first, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	set, exists := i.conns[userID]
	if limit > 0 && len(set) >= limit {
		return false, false
	}
	if !exists {
		set = make(map[string]struct{})
		i.conns[userID] = set
	}
	first = len(set) == 0
	set[connID] = struct{}{}
	return first, true
}

// Remove drops a connection and reports whether it was the user's last
// (i.e. the user just went offline).
func (i *Index) Remove(userID, connID string) (last bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	set, ok := i.conns[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(i.conns, userID)
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one live connection.
func (i *Index) IsOnline(userID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.conns[userID]) > 0
}

// Count returns the user's live connection count.
func (i *Index) Count(userID string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.conns[userID])
}

// Users returns the number of distinct online users.
func (i *Index) Users() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.conns)
}
