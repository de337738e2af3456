// Package janitor runs the periodic sweep that closes stale durable
// sessions and prunes leaked in-memory state. It is a safety net behind
// the event router's own disconnect cleanup: after a crash or restart the
// durable rows the router never got to update are reconciled here.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/session"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
)

// Janitor sweeps on a fixed interval.
type Janitor struct {
	store     store.Gateway
	dir       *session.Directory
	interval  time.Duration
	staleness time.Duration
	log       *slog.Logger
}

// New builds a Janitor. dir may be nil when only the durable sweep is
// wanted.
func New(gw store.Gateway, dir *session.Directory, interval, staleness time.Duration, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		store:     gw,
		dir:       dir,
		interval:  interval,
		staleness: staleness,
		log:       log,
	}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			j.Sweep(ctx, now)
		}
	}
}

// pruneGrace spares empty states recently handed to a joiner: a join in
// flight sits between directory lookup and participant registration for
// an instant, and pruning there would orphan the joiner's state.
const pruneGrace = time.Minute

// Sweep performs one pass: deactivate stale durable sessions, then prune
// any in-memory session whose participant map emptied without triggering
// removal (leak cover).
func (j *Janitor) Sweep(ctx context.Context, now time.Time) {
	n, err := j.store.MarkStaleSessionsInactive(ctx, j.staleness, now)
	if err != nil {
		j.log.Error("stale session sweep failed", "err", err)
	} else if n > 0 {
		j.log.Info("closed stale sessions", "count", n)
	}

	if j.dir == nil {
		return
	}
	for _, st := range j.dir.Snapshot() {
		if j.dir.RemoveIfIdle(st.ID, pruneGrace, now) {
			j.log.Warn("pruned leaked empty session state", "session_id", st.ID)
		}
	}
}
