// Package realtime is the server-side authority for collaborative
// sessions: it admits authenticated sockets, applies ordered mutations to
// shared in-memory session state, fans out deltas, and reconciles with
// durable storage on disconnect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/broker"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/logctx"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/presence"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/ratelimit"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/rooms"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/session"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/tokenauth"
)

const pongWait = 60 * time.Second

// TokenVerifier admits a connection's bearer credential.
type TokenVerifier interface {
	Verify(ctx context.Context, bearer string) (*tokenauth.Identity, error)
}

// socket is the transport surface the router drives. *websocket.Conn
// satisfies it; tests substitute in-process fakes.
type socket interface {
	rooms.Conn
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

var _ socket = (*websocket.Conn)(nil)

// connState is the protocol position of one connection. Transitions are
// driven only by the connection's own goroutine.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateJoined
	stateDisconnected
)

// conn is one admitted socket plus its session binding.
type conn struct {
	id      string
	sock    socket
	client  *rooms.Client
	ident   *tokenauth.Identity
	state   *session.State
	limiter *ratelimit.Limiter
	phase   connState

	joinedGlobal bool
	convRooms    map[string]struct{}
}

// Config tunes the router.
type Config struct {
	AuthTimeout        time.Duration
	SendQueueLen       int
	MaxConnsPerUser    int
	PresenceSampleRate float64
	Limits             ratelimit.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:        5 * time.Second,
		SendQueueLen:       256,
		PresenceSampleRate: 0.1,
		Limits:             ratelimit.DefaultConfig(),
	}
}

// Router owns the connection lifecycle and per-event dispatch.
type Router struct {
	cfg      Config
	log      *slog.Logger
	verifier TokenVerifier
	store    store.Gateway
	dir      *session.Directory
	rooms    *rooms.Registry
	presence *presence.Index
	broker   broker.Broker
	global   *globalChat
	nodeID   string

	randFloat   func() float64
	connCount   atomic.Int64
	unsubscribe func()

	upgrader websocket.Upgrader
}

// Option configures the Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithPresenceSampler overrides the random source used for presence
// persistence sampling. Tests inject a deterministic source.
func WithPresenceSampler(fn func() float64) Option {
	return func(r *Router) { r.randFloat = fn }
}

// NewRouter wires the session layer together and subscribes to the
// broker for frames relayed from peer nodes.
func NewRouter(cfg Config, verifier TokenVerifier, gw store.Gateway, brk broker.Broker, opts ...Option) (*Router, error) {
	r := &Router{
		cfg:       cfg,
		log:       slog.Default(),
		verifier:  verifier,
		store:     gw,
		dir:       session.NewDirectory(),
		rooms:     rooms.NewRegistry(),
		presence:  presence.NewIndex(),
		broker:    brk,
		global:    newGlobalChat(),
		nodeID:    uuid.NewString(),
		randFloat: rand.Float64,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	cancel, err := brk.Subscribe(context.Background(), r.handleRelayed)
	if err != nil {
		return nil, err
	}
	r.unsubscribe = cancel
	return r, nil
}

// Close detaches the router from the broker.
func (r *Router) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Directory exposes the live session registry (janitor, diagnostics).
func (r *Router) Directory() *session.Directory { return r.dir }

// handleRelayed applies frames published by peer nodes to local rooms.
func (r *Router) handleRelayed(env broker.Envelope) {
	if env.Origin == r.nodeID {
		return
	}
	r.rooms.Broadcast(env.Room, env.Data)
}

// deliverRoom broadcasts locally and relays to peer nodes. Targets with
// no live connection anywhere simply receive nothing.
func (r *Router) deliverRoom(ctx context.Context, room string, frame []byte) {
	r.rooms.Broadcast(room, frame)
	if err := r.broker.Publish(ctx, broker.Envelope{Origin: r.nodeID, Room: room, Data: frame}); err != nil {
		r.log.WarnContext(ctx, "broker publish failed", "room", room, "err", err)
	}
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	token := bearerFromRequest(req)
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("websocket upgrade failed", "remote_addr", req.RemoteAddr, "err", err)
		return
	}
	r.runConnection(req.Context(), ws, req.RemoteAddr, token)
}

func bearerFromRequest(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):]
		}
	}
	return req.URL.Query().Get("token")
}

// runConnection drives the full lifecycle of one socket: handshake, join,
// event loop, disconnect cleanup.
func (r *Router) runConnection(ctx context.Context, sock socket, remoteAddr, token string) {
	c := &conn{
		id:        uuid.NewString(),
		sock:      sock,
		phase:     stateConnecting,
		limiter:   ratelimit.New(r.cfg.Limits),
		convRooms: make(map[string]struct{}),
	}

	c.phase = stateAuthenticating
	ident, err := r.authenticate(ctx, c, token)
	if err != nil {
		r.refuse(sock, err)
		c.phase = stateDisconnected
		return
	}
	c.ident = ident

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:     c.id,
		UserID:     ident.EffectiveID(),
		RemoteAddr: remoteAddr,
	})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: ident.SessionID,
		Role:      string(ident.Role),
	})

	// Reserve the presence slot atomically: the cap check and the insert
	// happen under one lock, so racing connects cannot both pass it.
	limit := 0
	if !ident.IsGuest() {
		limit = r.cfg.MaxConnsPerUser
	}
	first, ok := r.presence.TryAdd(ident.EffectiveID(), c.id, limit)
	if !ok {
		r.refuse(sock, errors.New("too many active connections"))
		c.phase = stateDisconnected
		return
	}

	c.client = rooms.NewClient(c.id, sock, r.cfg.SendQueueLen, r.log)
	go c.client.WritePump()

	r.join(ctx, c, first)
	c.phase = stateJoined
	r.connCount.Add(1)
	r.log.InfoContext(ctx, "connection joined")

	r.readLoop(ctx, c)

	r.disconnect(ctx, c)
	c.phase = stateDisconnected
	r.connCount.Add(-1)
	r.log.InfoContext(ctx, "connection closed")
}

// authenticate resolves the credential: either it arrived with the
// upgrade request, or the client gets one bounded read to present an auth
// frame. No other event is processed before authentication.
func (r *Router) authenticate(ctx context.Context, c *conn, token string) (*tokenauth.Identity, error) {
	if token == "" {
		_ = c.sock.SetReadDeadline(time.Now().Add(r.cfg.AuthTimeout))
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return nil, tokenauth.ErrMissingToken
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type != evtAuth {
			return nil, tokenauth.ErrMissingToken
		}
		var payload authIn
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, tokenauth.ErrMissingToken
		}
		token = payload.Token
	}

	authCtx, cancel := context.WithTimeout(ctx, r.cfg.AuthTimeout)
	defer cancel()
	return r.verifier.Verify(authCtx, token)
}

// refuse writes a terminal error frame and closes the socket. Runs before
// the write pump exists, so the direct write is safe.
func (r *Router) refuse(sock socket, reason error) {
	frame := encodeEvent(evtError, errorOut{Message: reason.Error()})
	_ = sock.SetWriteDeadline(time.Now().Add(time.Second))
	_ = sock.WriteMessage(websocket.TextMessage, frame)
	_ = sock.Close()
}

// join registers the connection everywhere it belongs. The participant
// is announced to the session only on the user's first connection to it;
// further tabs attach to the existing participant view silently.
func (r *Router) join(ctx context.Context, c *conn, firstOnline bool) {
	ident := c.ident
	now := time.Now()

	st, _ := r.dir.GetOrCreate(ident.SessionID)
	c.state = st

	participant := &session.Participant{
		UserID:   ident.EffectiveID(),
		Name:     ident.Name,
		Role:     ident.Role,
		IsGuest:  ident.IsGuest(),
		Online:   true,
		JoinedAt: now,
	}
	participants, scene, newParticipant := st.AddParticipant(participant, c.id)

	r.rooms.Join(rooms.SessionRoom(ident.SessionID), c.client)
	if !ident.IsGuest() {
		r.rooms.Join(rooms.UserRoom(ident.UserID), c.client)
	}

	c.client.Send(encodeEvent(evtSessionJoined, sessionJoinedOut{
		SessionID:    ident.SessionID,
		Participants: participants,
		SceneState:   scene,
	}))
	if newParticipant {
		r.rooms.BroadcastExcept(rooms.SessionRoom(ident.SessionID), c.id,
			encodeEvent(evtParticipantJoined, participant))
	}

	// Durable side effects are best-effort and never gate the join.
	if ident.IsGuest() {
		err := r.store.UpsertParticipant(ctx, &store.ParticipantRecord{
			SessionID: ident.SessionID,
			UserID:    ident.GuestID,
			Name:      ident.Name,
			Role:      ident.Role,
			IsGuest:   true,
			IsOnline:  true,
			LastSeen:  now,
		})
		if err != nil {
			r.log.ErrorContext(ctx, "guest participant upsert failed", "err", err)
		}
	} else {
		if err := r.store.SetParticipantOnline(ctx, ident.SessionID, ident.UserID, true, now); err != nil {
			r.log.ErrorContext(ctx, "participant online update failed", "err", err)
		}
		if firstOnline {
			r.notifyFriends(ctx, ident.UserID, true)
		}
	}
}

// readLoop processes inbound frames one at a time, so a connection's
// events are applied and broadcast in the order received.
func (r *Router) readLoop(ctx context.Context, c *conn) {
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-c.client.Done():
			return
		default:
		}

		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.client.Send(encodeEvent(evtError, errorOut{Message: "malformed frame"}))
			continue
		}
		r.dispatch(ctx, c, env)
	}
}

// dispatch gates one inbound event through the rate limiter, then routes
// it to its handler. Rate-limited events are dropped silently.
func (r *Router) dispatch(ctx context.Context, c *conn, env envelope) {
	category, known := eventCategory[env.Type]
	if !known {
		c.client.Send(encodeEvent(evtError, errorOut{Message: "unknown event type " + env.Type}))
		return
	}
	if !c.limiter.Allow(category) {
		return
	}

	var err error
	switch env.Type {
	case evtChatMessage:
		err = r.handleChatMessage(ctx, c, env.Data)
	case evtTyping:
		err = r.handleTyping(c, env.Data)
	case evtPresenceUpdate:
		err = r.handlePresenceUpdate(ctx, c, env.Data)
	case evtBlockOperation:
		err = r.handleBlockOperation(c, env.Data)
	case evtSelectionChange:
		err = r.handleSelectionChange(c, env.Data)
	case evtPlayerInput:
		err = r.handlePlayerInput(c, env.Data)
	case evtGameEvent:
		err = r.handleGameEvent(ctx, c, env.Data)
	case evtFriendReqSent, evtFriendReqAccept, evtFriendRemoved:
		err = r.handleFriendRelay(ctx, c, env.Type, env.Data)
	case evtGetOnlineFriend:
		err = r.handleGetOnlineFriends(ctx, c)
	case evtJoinGlobalChat:
		r.handleJoinGlobalChat(c)
	case evtLeaveGlobalChat:
		r.handleLeaveGlobalChat(c)
	case evtGlobalChatMsg:
		err = r.handleGlobalChatMessage(ctx, c, env.Data)
	case evtJoinPrivateChat:
		err = r.handleJoinPrivateChat(c, env.Data)
	case evtPrivateMessage:
		err = r.handlePrivateMessage(ctx, c, env.Data)
	case evtMarkMessageRead:
		err = r.handleMarkMessageRead(ctx, c, env.Data)
	case evtAuth:
		// Already authenticated; a second auth frame is a protocol error.
		err = validationErr("already authenticated")
	}

	if err != nil {
		c.client.Send(encodeEvent(evtError, errorOut{Message: err.Error()}))
	}
}

// disconnect runs the cleanup ladder. Every step recovers its own errors
// so one failing step never blocks the rest.
func (r *Router) disconnect(ctx context.Context, c *conn) {
	ident := c.ident
	now := time.Now()
	effectiveID := ident.EffectiveID()

	if last := r.presence.Remove(effectiveID, c.id); last && !ident.IsGuest() {
		r.notifyFriends(ctx, ident.UserID, false)
	}

	if c.joinedGlobal {
		r.handleLeaveGlobalChat(c)
	}
	for room := range c.convRooms {
		r.rooms.Leave(room, c.id)
	}
	r.rooms.Leave(rooms.SessionRoom(ident.SessionID), c.id)
	if !ident.IsGuest() {
		r.rooms.Leave(rooms.UserRoom(ident.UserID), c.id)
	}

	// The participant outlives this connection while other tabs of the
	// same user remain joined; only the last one departs publicly.
	lastConn, empty := c.state.RemoveParticipant(effectiveID, c.id)
	if lastConn {
		r.rooms.Broadcast(rooms.SessionRoom(ident.SessionID),
			encodeEvent(evtParticipantLeft, participantLeftOut{UserID: effectiveID}))

		if err := r.store.SetParticipantOnline(ctx, ident.SessionID, effectiveID, false, now); err != nil {
			r.log.ErrorContext(ctx, "participant offline update failed", "err", err)
		}
	}

	if empty {
		r.dir.Remove(ident.SessionID)
		if err := r.store.SetSessionActive(ctx, ident.SessionID, false, now); err != nil {
			r.log.ErrorContext(ctx, "session deactivate failed", "err", err)
		}
	}

	c.client.Close()
}

// Stats is a point-in-time diagnostic snapshot.
type Stats struct {
	Connections  int64          `json:"connections"`
	Sessions     int            `json:"sessions"`
	Participants map[string]int `json:"participants"`
	OnlineUsers  int            `json:"onlineUsers"`
}

// Snapshot returns current diagnostics.
func (r *Router) Snapshot() Stats {
	per := make(map[string]int)
	for _, st := range r.dir.Snapshot() {
		per[st.ID] = st.Len()
	}
	return Stats{
		Connections:  r.connCount.Load(),
		Sessions:     r.dir.Len(),
		Participants: per,
		OnlineUsers:  r.presence.Users(),
	}
}
