// Package storetest provides a conformance suite for store.Gateway
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
)

// Seeder prepares fixture rows for a gateway under test. Implementations
// that cannot seed out of band (e.g. real databases in CI) may skip.
type Seeder interface {
	PutSession(rec *store.SessionRecord)
	PutFriends(userID string, friends []store.Friend)
}

// Factory creates a fresh gateway plus its seeder for each subtest.
type Factory func(t *testing.T) (store.Gateway, Seeder)

// Run executes the gateway conformance suite.
func Run(t *testing.T, factory Factory) {
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, factory) })
	t.Run("ParticipantOnline", func(t *testing.T) { testParticipantOnline(t, factory) })
	t.Run("StaleSweep", func(t *testing.T) { testStaleSweep(t, factory) })
	t.Run("PrivateMessageRead", func(t *testing.T) { testPrivateMessageRead(t, factory) })
}

func testSessionLifecycle(t *testing.T, factory Factory) {
	g, seed := factory(t)
	ctx := context.Background()

	if _, err := g.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	seed.PutSession(&store.SessionRecord{ID: "s1", OwnerID: "u1", Name: "castle", IsActive: true})
	rec, err := g.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !rec.IsActive || rec.ClosedAt != nil {
		t.Fatalf("expected active session with nil closedAt, got %+v", rec)
	}

	closed := time.Now().Truncate(time.Second)
	if err := g.SetSessionActive(ctx, "s1", false, closed); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	rec, err = g.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.IsActive || rec.ClosedAt == nil {
		t.Fatalf("expected inactive session with closedAt, got %+v", rec)
	}
}

func testParticipantOnline(t *testing.T, factory Factory) {
	g, seed := factory(t)
	ctx := context.Background()
	seed.PutSession(&store.SessionRecord{ID: "s1", OwnerID: "u1", IsActive: true})

	now := time.Now().Truncate(time.Second)
	p := &store.ParticipantRecord{
		SessionID: "s1", UserID: "u1", Name: "owner",
		Role: store.RoleOwner, IsOnline: true, LastSeen: now,
	}
	if err := g.UpsertParticipant(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := g.SetParticipantOnline(ctx, "s1", "u1", false, now.Add(time.Minute)); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	got, err := g.GetParticipant(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if got.IsOnline {
		t.Fatal("expected participant offline")
	}
	if !got.LastSeen.After(now.Add(30 * time.Second)) {
		t.Fatalf("lastSeen not advanced: %v", got.LastSeen)
	}

	if err := g.SetParticipantOnline(ctx, "s1", "ghost", true, now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown participant, got %v", err)
	}
}

func testStaleSweep(t *testing.T, factory Factory) {
	g, seed := factory(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	seed.PutSession(&store.SessionRecord{ID: "stale", IsActive: true})
	seed.PutSession(&store.SessionRecord{ID: "fresh", IsActive: true})

	old := &store.ParticipantRecord{
		SessionID: "stale", UserID: "u1", Role: store.RoleOwner,
		IsOnline: true, LastSeen: now.Add(-2 * time.Hour),
	}
	live := &store.ParticipantRecord{
		SessionID: "fresh", UserID: "u2", Role: store.RoleOwner,
		IsOnline: true, LastSeen: now.Add(-time.Minute),
	}
	if err := g.UpsertParticipant(ctx, old); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.UpsertParticipant(ctx, live); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := g.MarkStaleSessionsInactive(ctx, 30*time.Minute, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
	rec, err := g.GetSession(ctx, "stale")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.IsActive {
		t.Fatal("stale session still active")
	}
	rec, err = g.GetSession(ctx, "fresh")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !rec.IsActive {
		t.Fatal("fresh session was swept")
	}
}

func testPrivateMessageRead(t *testing.T, factory Factory) {
	g, _ := factory(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	m := &store.PrivateMessage{
		ID: "m1", ConversationID: "c1", SenderID: "u1",
		Content: "hello", CreatedAt: now,
	}
	if err := g.AppendPrivateMessage(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := g.MarkMessageRead(ctx, "m1", now.Add(time.Second)); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := g.MarkMessageRead(ctx, "nope", now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
