package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	brokermem "github.com/MarcinPlaza1/block-scape-sub003/internal/broker/memory"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
	storemem "github.com/MarcinPlaza1/block-scape-sub003/internal/store/memory"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/tokenauth"
)

var testSecret = []byte("router-test-secret")

const testSession = "sess-1"

// fakeSock is an in-process socket: inbound frames are pushed on a
// channel, outbound frames are recorded.
type fakeSock struct {
	in   chan []byte
	once sync.Once

	mu     sync.Mutex
	frames [][]byte
}

func newFakeSock() *fakeSock {
	return &fakeSock{in: make(chan []byte, 64)}
}

func (f *fakeSock) ReadMessage() (int, []byte, error) {
	raw, ok := <-f.in
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, raw, nil
}

func (f *fakeSock) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeSock) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeSock) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeSock) SetPongHandler(func(string) error) {}

func (f *fakeSock) Close() error {
	f.once.Do(func() { close(f.in) })
	return nil
}

func (f *fakeSock) all() []envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope, 0, len(f.frames))
	for _, raw := range f.frames {
		var env envelope
		if json.Unmarshal(raw, &env) == nil {
			out = append(out, env)
		}
	}
	return out
}

// clientConn drives one connection end to end.
type clientConn struct {
	sock *fakeSock
	done chan struct{}
	next int
}

func (c *clientConn) send(t *testing.T, typ string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s payload: %v", typ, err)
		}
		data = raw
	}
	raw, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		t.Fatalf("marshal %s frame: %v", typ, err)
	}
	c.sock.in <- raw
}

// waitFor returns the payload of the next frame of the given type,
// consuming everything delivered before it.
func (c *clientConn) waitFor(t *testing.T, typ string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := c.sock.all()
		for i := c.next; i < len(frames); i++ {
			if frames[i].Type == typ {
				c.next = i + 1
				return frames[i].Data
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q frame", typ)
	return nil
}

func (c *clientConn) countAll(typ string) int {
	n := 0
	for _, env := range c.sock.all() {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func (c *clientConn) expectNone(t *testing.T, typ string) {
	t.Helper()
	time.Sleep(100 * time.Millisecond)
	if n := c.countAll(typ); n > 0 {
		t.Fatalf("expected no %q frames, got %d", typ, n)
	}
}

func (c *clientConn) shutdown(t *testing.T) {
	t.Helper()
	_ = c.sock.Close()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not shut down")
	}
}

type harness struct {
	router *Router
	store  *storemem.Store
}

func newHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	ms := storemem.New()
	ms.PutSession(&store.SessionRecord{ID: testSession, OwnerID: "u1", IsActive: true})
	return newHarnessWith(t, ms, mutate, opts...)
}

func newHarnessWith(t *testing.T, gw store.Gateway, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AuthTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	ms, _ := gw.(*storemem.Store)
	r, err := NewRouter(cfg, tokenauth.NewVerifier(testSecret, gw), gw, brokermem.New(), opts...)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(r.Close)
	return &harness{router: r, store: ms}
}

func (h *harness) userToken(t *testing.T, userID, name string, role store.Role) string {
	t.Helper()
	err := h.store.UpsertParticipant(context.Background(), &store.ParticipantRecord{
		SessionID: testSession,
		UserID:    userID,
		Name:      name,
		Role:      role,
	})
	if err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	return signToken(t, &tokenauth.Claims{
		SessionID: testSession,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func guestToken(t *testing.T, guestID, name string, role store.Role) string {
	t.Helper()
	return signToken(t, &tokenauth.Claims{
		SessionID: testSession,
		Role:      role,
		IsGuest:   true,
		GuestName: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   guestID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func signToken(t *testing.T, claims *tokenauth.Claims) string {
	t.Helper()
	tok, err := tokenauth.Sign(testSecret, claims)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (h *harness) connect(token string) *clientConn {
	sock := newFakeSock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.router.runConnection(context.Background(), sock, "127.0.0.1:9", token)
	}()
	return &clientConn{sock: sock, done: done}
}

func (h *harness) join(t *testing.T, token string) (*clientConn, sessionJoinedOut) {
	t.Helper()
	c := h.connect(token)
	var joined sessionJoinedOut
	if err := json.Unmarshal(c.waitFor(t, evtSessionJoined), &joined); err != nil {
		t.Fatalf("decode session_joined: %v", err)
	}
	return c, joined
}

func TestOwnerJoinsEmptySession(t *testing.T) {
	h := newHarness(t, nil)
	c, joined := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer c.shutdown(t)

	if joined.SessionID != testSession {
		t.Fatalf("sessionId = %q, want %q", joined.SessionID, testSession)
	}
	if len(joined.Participants) != 1 || joined.Participants[0].UserID != "u1" {
		t.Fatalf("participants = %+v, want exactly u1", joined.Participants)
	}
	if len(joined.SceneState) != 0 {
		t.Fatalf("scene = %+v, want empty", joined.SceneState)
	}
}

func TestSecondJoinSeesExistingSceneAndParticipant(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer owner.shutdown(t)

	owner.send(t, evtBlockOperation, blockOperationIn{
		Operation: "add", BlockID: "b1", BlockData: map[string]any{"kind": "cube"},
	})
	owner.waitFor(t, evtOperationAck)

	editor, joined := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer editor.shutdown(t)

	if len(joined.Participants) != 2 {
		t.Fatalf("participants = %+v, want 2", joined.Participants)
	}
	if _, ok := joined.SceneState["b1"]; !ok {
		t.Fatalf("scene = %+v, want block b1", joined.SceneState)
	}

	var announced map[string]any
	if err := json.Unmarshal(owner.waitFor(t, evtParticipantJoined), &announced); err != nil {
		t.Fatalf("decode participant_joined: %v", err)
	}
	if announced["userId"] != "u2" {
		t.Fatalf("participant_joined userId = %v, want u2", announced["userId"])
	}
}

func TestBlockOperationAckAndBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer owner.shutdown(t)
	editor, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer editor.shutdown(t)
	owner.waitFor(t, evtParticipantJoined)

	editor.send(t, evtBlockOperation, blockOperationIn{
		Operation: "add", BlockID: "b1", BlockData: map[string]any{"x": 1.0},
	})

	var ack operationAckOut
	if err := json.Unmarshal(editor.waitFor(t, evtOperationAck), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Applied || ack.BlockID != "b1" || ack.Timestamp == 0 {
		t.Fatalf("ack = %+v, want applied b1 with timestamp", ack)
	}

	var op blockOperationOut
	if err := json.Unmarshal(owner.waitFor(t, evtBlockOperation), &op); err != nil {
		t.Fatalf("decode block_operation: %v", err)
	}
	if op.UserID != "u2" || op.Timestamp == 0 || op.BlockData["x"] != 1.0 {
		t.Fatalf("broadcast = %+v, want attributed op from u2", op)
	}

	if n := editor.countAll(evtBlockOperation); n != 0 {
		t.Fatalf("originator received %d block_operation echoes, want 0", n)
	}
}

func TestDeleteMissingBlockAcksUnapplied(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer owner.shutdown(t)

	owner.send(t, evtBlockOperation, blockOperationIn{Operation: "delete", BlockID: "nope"})

	var ack operationAckOut
	if err := json.Unmarshal(owner.waitFor(t, evtOperationAck), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Applied {
		t.Fatal("delete of missing block reported applied")
	}
	if n := owner.countAll(evtError); n != 0 {
		t.Fatalf("got %d error frames, want 0", n)
	}
}

func TestViewerCannotEditScene(t *testing.T) {
	h := newHarness(t, nil)
	viewer, _ := h.join(t, h.userToken(t, "u3", "Cy", store.RoleViewer))
	defer viewer.shutdown(t)

	viewer.send(t, evtBlockOperation, blockOperationIn{
		Operation: "add", BlockID: "b1", BlockData: map[string]any{},
	})

	var e errorOut
	if err := json.Unmarshal(viewer.waitFor(t, evtError), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(e.Message, "forbidden") {
		t.Fatalf("error = %q, want forbidden", e.Message)
	}
	if n := viewer.countAll(evtOperationAck); n != 0 {
		t.Fatalf("rejected op was acked %d times", n)
	}
}

func TestChatBurstCappedByRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer c.shutdown(t)

	for i := 0; i < 5; i++ {
		c.send(t, evtChatMessage, chatMessageIn{Content: "hello"})
	}

	for i := 0; i < 3; i++ {
		c.waitFor(t, evtChatMessage)
	}
	time.Sleep(100 * time.Millisecond)
	if n := c.countAll(evtChatMessage); n != 3 {
		t.Fatalf("delivered %d chat messages, want 3", n)
	}
	if n := c.countAll(evtError); n != 0 {
		t.Fatalf("rate-limited drops produced %d error frames, want 0", n)
	}

	st, ok := h.router.dir.Get(testSession)
	if !ok {
		t.Fatal("session state missing")
	}
	if got := len(st.Chat()); got != 3 {
		t.Fatalf("chat buffer holds %d entries, want 3", got)
	}
	if got := len(h.store.ChatMessages(testSession)); got != 3 {
		t.Fatalf("store holds %d chat messages, want 3", got)
	}
}

func TestGuestJoinGlobalChatIsSilentNoop(t *testing.T) {
	h := newHarness(t, nil)
	g, _ := h.join(t, guestToken(t, "guest-1", "Visitor", store.RoleViewer))
	defer g.shutdown(t)

	g.send(t, evtJoinGlobalChat, nil)

	g.expectNone(t, evtGlobalChatHistory)
	g.expectNone(t, evtError)
	h.router.global.mu.Lock()
	members := len(h.router.global.members)
	h.router.global.mu.Unlock()
	if members != 0 {
		t.Fatalf("global chat has %d members, want 0", members)
	}
}

func TestGlobalChatFlow(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer a.shutdown(t)
	b, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer b.shutdown(t)

	a.send(t, evtJoinGlobalChat, nil)
	var hist globalChatHistoryOut
	if err := json.Unmarshal(a.waitFor(t, evtGlobalChatHistory), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 0 {
		t.Fatalf("fresh history has %d messages, want 0", len(hist.Messages))
	}

	b.send(t, evtJoinGlobalChat, nil)
	b.waitFor(t, evtGlobalChatHistory)
	var who globalChatUserOut
	if err := json.Unmarshal(a.waitFor(t, evtGlobalChatJoined), &who); err != nil {
		t.Fatalf("decode user_joined: %v", err)
	}
	if who.UserID != "u2" {
		t.Fatalf("user_joined = %+v, want u2", who)
	}

	a.send(t, evtGlobalChatMsg, globalChatMessageIn{Content: "hi all"})
	var msg globalChatMessageOut
	if err := json.Unmarshal(b.waitFor(t, evtGlobalChatMsg), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.UserID != "u1" || msg.Content != "hi all" || msg.ID == "" {
		t.Fatalf("message = %+v", msg)
	}
	a.waitFor(t, evtGlobalChatMsg)

	// A later joiner receives the backlog.
	c, _ := h.join(t, h.userToken(t, "u4", "Dee", store.RoleViewer))
	defer c.shutdown(t)
	c.send(t, evtJoinGlobalChat, nil)
	if err := json.Unmarshal(c.waitFor(t, evtGlobalChatHistory), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 1 || hist.Messages[0].Content != "hi all" {
		t.Fatalf("backlog = %+v, want the one message", hist.Messages)
	}

	b.send(t, evtLeaveGlobalChat, nil)
	if err := json.Unmarshal(a.waitFor(t, evtGlobalChatLeft), &who); err != nil {
		t.Fatalf("decode user_left: %v", err)
	}
	if who.UserID != "u2" {
		t.Fatalf("user_left = %+v, want u2", who)
	}
}

func TestPrivateMessageDeliveredAndReadable(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer a.shutdown(t)
	b, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer b.shutdown(t)

	a.send(t, evtJoinPrivateChat, joinPrivateChatIn{ConversationID: "conv-1"})
	b.send(t, evtJoinPrivateChat, joinPrivateChatIn{ConversationID: "conv-1"})
	time.Sleep(50 * time.Millisecond)

	a.send(t, evtPrivateMessage, privateMessageIn{ConversationID: "conv-1", Content: "psst"})

	var msg privateMessageOut
	if err := json.Unmarshal(b.waitFor(t, evtPrivateMessage), &msg); err != nil {
		t.Fatalf("decode private_message: %v", err)
	}
	if msg.SenderID != "u1" || msg.Content != "psst" || msg.ID == "" {
		t.Fatalf("message = %+v", msg)
	}
	a.waitFor(t, evtPrivateMessage)

	// Marking read only succeeds if the message was persisted.
	b.send(t, evtMarkMessageRead, markMessageReadIn{MessageID: msg.ID})
	var read messageReadOut
	if err := json.Unmarshal(b.waitFor(t, evtMessageRead), &read); err != nil {
		t.Fatalf("decode message_read: %v", err)
	}
	if read.MessageID != msg.ID || read.ReaderID != "u2" {
		t.Fatalf("message_read = %+v", read)
	}
}

// failingPrivateStore refuses private message writes.
type failingPrivateStore struct {
	*storemem.Store
}

func (s *failingPrivateStore) AppendPrivateMessage(context.Context, *store.PrivateMessage) error {
	return errors.New("disk on fire")
}

func TestPrivateMessageNotDeliveredWhenPersistFails(t *testing.T) {
	ms := storemem.New()
	ms.PutSession(&store.SessionRecord{ID: testSession, OwnerID: "u1", IsActive: true})
	h := newHarnessWith(t, &failingPrivateStore{Store: ms}, nil)
	h.store = ms

	a, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer a.shutdown(t)
	b, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer b.shutdown(t)

	a.send(t, evtJoinPrivateChat, joinPrivateChatIn{ConversationID: "conv-1"})
	b.send(t, evtJoinPrivateChat, joinPrivateChatIn{ConversationID: "conv-1"})
	time.Sleep(50 * time.Millisecond)

	a.send(t, evtPrivateMessage, privateMessageIn{ConversationID: "conv-1", Content: "psst"})

	var e errorOut
	if err := json.Unmarshal(a.waitFor(t, evtError), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(e.Message, "could not be delivered") {
		t.Fatalf("error = %q", e.Message)
	}
	b.expectNone(t, evtPrivateMessage)
	a.expectNone(t, evtPrivateMessage)
}

func TestPresencePersistenceSampling(t *testing.T) {
	t.Run("sampled in", func(t *testing.T) {
		h := newHarness(t, nil, WithPresenceSampler(func() float64 { return 0 }))
		c, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
		defer c.shutdown(t)

		c.send(t, evtPresenceUpdate, map[string]any{"cursor": []float64{1, 2, 3}})
		deadline := time.Now().Add(time.Second)
		for {
			p, err := h.store.GetParticipant(context.Background(), testSession, "u1")
			if err == nil && len(p.Presence) > 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("presence payload never persisted")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("sampled out", func(t *testing.T) {
		h := newHarness(t, nil, WithPresenceSampler(func() float64 { return 0.99 }))
		a, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
		defer a.shutdown(t)
		b, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
		defer b.shutdown(t)
		a.waitFor(t, evtParticipantJoined)

		a.send(t, evtPresenceUpdate, map[string]any{"cursor": []float64{1, 2, 3}})

		// The broadcast still happens even when the write is skipped.
		var out presenceUpdateOut
		if err := json.Unmarshal(b.waitFor(t, evtPresenceUpdate), &out); err != nil {
			t.Fatalf("decode presence_update: %v", err)
		}
		if out.UserID != "u1" {
			t.Fatalf("presence_update = %+v, want from u1", out)
		}
		p, err := h.store.GetParticipant(context.Background(), testSession, "u1")
		if err != nil {
			t.Fatalf("GetParticipant: %v", err)
		}
		if len(p.Presence) != 0 {
			t.Fatal("presence persisted despite sample miss")
		}
	})
}

func TestFriendStatusNotifications(t *testing.T) {
	h := newHarness(t, nil)
	h.store.PutFriends("u1", []store.Friend{{UserID: "u2", Name: "Bea"}})

	b, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer b.shutdown(t)

	a, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))

	var status friendStatusOut
	if err := json.Unmarshal(b.waitFor(t, evtFriendStatus), &status); err != nil {
		t.Fatalf("decode friend_status: %v", err)
	}
	if status.UserID != "u1" || !status.IsOnline {
		t.Fatalf("friend_status = %+v, want u1 online", status)
	}

	a.shutdown(t)

	if err := json.Unmarshal(b.waitFor(t, evtFriendStatus), &status); err != nil {
		t.Fatalf("decode friend_status: %v", err)
	}
	if status.UserID != "u1" || status.IsOnline {
		t.Fatalf("friend_status = %+v, want u1 offline", status)
	}
}

func TestGetOnlineFriends(t *testing.T) {
	h := newHarness(t, nil)
	h.store.PutFriends("u1", []store.Friend{
		{UserID: "u2", Name: "Bea"},
		{UserID: "u9", Name: "Zoe"},
	})

	b, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer b.shutdown(t)
	a, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer a.shutdown(t)

	a.send(t, evtGetOnlineFriend, nil)

	var list onlineFriendsListOut
	if err := json.Unmarshal(a.waitFor(t, evtOnlineFriendsList), &list); err != nil {
		t.Fatalf("decode online_friends_list: %v", err)
	}
	if len(list.Friends) != 2 {
		t.Fatalf("friends = %+v, want 2 entries", list.Friends)
	}
	byID := map[string]onlineFriendOut{}
	for _, f := range list.Friends {
		byID[f.FriendID] = f
	}
	if f := byID["u2"]; !f.IsOnline || f.SessionID != testSession {
		t.Fatalf("u2 entry = %+v, want online in %s", f, testSession)
	}
	if f := byID["u9"]; f.IsOnline || f.SessionID != "" {
		t.Fatalf("u9 entry = %+v, want offline", f)
	}
}

func TestFriendRequestRelayedToTarget(t *testing.T) {
	h := newHarness(t, nil)
	b, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer b.shutdown(t)
	a, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer a.shutdown(t)

	a.send(t, evtFriendReqSent, friendEventIn{TargetUserID: "u2"})

	var ev friendEventOut
	if err := json.Unmarshal(b.waitFor(t, evtFriendReqReceived), &ev); err != nil {
		t.Fatalf("decode friend_request_received: %v", err)
	}
	if ev.UserID != "u1" || ev.Name != "Ann" {
		t.Fatalf("relay = %+v, want from u1/Ann", ev)
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("not-a-token")

	var e errorOut
	if err := json.Unmarshal(c.waitFor(t, evtError), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(e.Message, "invalid") {
		t.Fatalf("error = %q, want invalid token", e.Message)
	}
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("refused connection did not terminate")
	}
}

func TestAuthFrameHandshake(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.userToken(t, "u1", "Ann", store.RoleOwner)

	c := h.connect("")
	c.send(t, evtAuth, authIn{Token: tok})

	var joined sessionJoinedOut
	if err := json.Unmarshal(c.waitFor(t, evtSessionJoined), &joined); err != nil {
		t.Fatalf("decode session_joined: %v", err)
	}
	if joined.SessionID != testSession {
		t.Fatalf("sessionId = %q", joined.SessionID)
	}
	c.shutdown(t)
}

func TestNonAuthFirstFrameRefused(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AuthTimeout = 50 * time.Millisecond })
	c := h.connect("")
	// A non-auth first frame is as good as no frame.
	c.send(t, evtChatMessage, chatMessageIn{Content: "hi"})
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("unauthenticated connection did not terminate")
	}
	c.waitFor(t, evtError)
}

func TestSecondAuthFrameRejected(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer c.shutdown(t)

	c.send(t, evtAuth, authIn{Token: "whatever"})
	var e errorOut
	if err := json.Unmarshal(c.waitFor(t, evtError), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(e.Message, "already authenticated") {
		t.Fatalf("error = %q", e.Message)
	}
}

func TestUnknownEventTypeRejected(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer c.shutdown(t)

	c.send(t, "teleport", nil)
	var e errorOut
	if err := json.Unmarshal(c.waitFor(t, evtError), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(e.Message, "unknown event type") {
		t.Fatalf("error = %q", e.Message)
	}
}

func TestMaxConnsPerUser(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxConnsPerUser = 1 })
	tok := h.userToken(t, "u1", "Ann", store.RoleOwner)

	first, _ := h.join(t, tok)
	defer first.shutdown(t)

	second := h.connect(tok)
	var e errorOut
	if err := json.Unmarshal(second.waitFor(t, evtError), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(e.Message, "too many active connections") {
		t.Fatalf("error = %q", e.Message)
	}
	select {
	case <-second.done:
	case <-time.After(2 * time.Second):
		t.Fatal("capped connection did not terminate")
	}
}

func TestDisconnectCleanup(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	editor, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	owner.waitFor(t, evtParticipantJoined)

	editor.shutdown(t)

	var left participantLeftOut
	if err := json.Unmarshal(owner.waitFor(t, evtParticipantLeft), &left); err != nil {
		t.Fatalf("decode participant_left: %v", err)
	}
	if left.UserID != "u2" {
		t.Fatalf("participant_left = %+v, want u2", left)
	}
	p, err := h.store.GetParticipant(context.Background(), testSession, "u2")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if p.IsOnline {
		t.Fatal("u2 still marked online after disconnect")
	}

	owner.shutdown(t)

	if n := h.router.dir.Len(); n != 0 {
		t.Fatalf("directory holds %d sessions after last leave, want 0", n)
	}
	sess, err := h.store.GetSession(context.Background(), testSession)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.IsActive {
		t.Fatal("session still active after last participant left")
	}
}

func TestSameUserTwoTabsOneDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.userToken(t, "u1", "Ann", store.RoleOwner)

	tab1, _ := h.join(t, tok)
	tab2, joined := h.join(t, tok)
	if len(joined.Participants) != 1 {
		t.Fatalf("participants = %+v, want one shared view for both tabs", joined.Participants)
	}
	// The second tab attaches to the existing participant; nothing to
	// announce.
	tab1.expectNone(t, evtParticipantJoined)

	tab2.shutdown(t)

	if n := h.router.dir.Len(); n != 1 {
		t.Fatalf("directory holds %d sessions, want 1 while tab1 is connected", n)
	}
	st, ok := h.router.dir.Get(testSession)
	if !ok {
		t.Fatal("session state missing while a connection is joined")
	}
	if _, ok := st.Participant("u1"); !ok {
		t.Fatal("participant view dropped while tab1 is still joined")
	}
	tab1.expectNone(t, evtParticipantLeft)

	sess, err := h.store.GetSession(context.Background(), testSession)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.IsActive {
		t.Fatal("durable session deactivated under a live connection")
	}
	p, err := h.store.GetParticipant(context.Background(), testSession, "u1")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if !p.IsOnline {
		t.Fatal("participant marked offline while tab1 is still joined")
	}

	// The surviving tab keeps working.
	tab1.send(t, evtChatMessage, chatMessageIn{Content: "still here"})
	tab1.waitFor(t, evtChatMessage)

	tab1.shutdown(t)
	if n := h.router.dir.Len(); n != 0 {
		t.Fatalf("directory holds %d sessions after the last tab closed, want 0", n)
	}
	sess, err = h.store.GetSession(context.Background(), testSession)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.IsActive {
		t.Fatal("session still active after the user's last tab closed")
	}
}

func TestGuestJoinUpsertsParticipant(t *testing.T) {
	h := newHarness(t, nil)
	g, joined := h.join(t, guestToken(t, "guest-7", "Visitor", store.RolePlayer))
	defer g.shutdown(t)

	if len(joined.Participants) != 1 || !joined.Participants[0].IsGuest {
		t.Fatalf("participants = %+v, want one guest", joined.Participants)
	}
	p, err := h.store.GetParticipant(context.Background(), testSession, "guest-7")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if !p.IsGuest || p.Name != "Visitor" || p.Role != store.RolePlayer {
		t.Fatalf("guest record = %+v", p)
	}
}

func TestGameFinishPersistsScore(t *testing.T) {
	h := newHarness(t, nil)
	player, _ := h.join(t, guestToken(t, "guest-2", "Racer", store.RolePlayer))
	defer player.shutdown(t)

	player.send(t, evtGameEvent, gameEventIn{
		Type:      "finish",
		EventData: map[string]any{"timeMs": 42134.0},
	})

	deadline := time.Now().Add(time.Second)
	for {
		scores := h.store.Scores()
		if len(scores) == 1 {
			if scores[0].UserID != "guest-2" || scores[0].TimeMs != 42134 {
				t.Fatalf("score = %+v", scores[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("score never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotCountsConnections(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.join(t, h.userToken(t, "u1", "Ann", store.RoleOwner))
	defer a.shutdown(t)
	b, _ := h.join(t, h.userToken(t, "u2", "Bea", store.RoleEditor))
	defer b.shutdown(t)

	stats := h.router.Snapshot()
	if stats.Connections != 2 || stats.Sessions != 1 {
		t.Fatalf("stats = %+v, want 2 connections in 1 session", stats)
	}
	if stats.Participants[testSession] != 2 {
		t.Fatalf("participants = %+v, want 2 in %s", stats.Participants, testSession)
	}
}
