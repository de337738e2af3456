package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/rooms"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
)

// globalChatHistoryCap bounds the in-memory global chat tail served to
// joiners. Global chat is ephemeral; it is not persisted.
const globalChatHistoryCap = 50

// globalChat is the process-local state of the public chat room.
type globalChat struct {
	mu      sync.Mutex
	members map[string]globalChatUserOut // connID -> identity
	history []globalChatMessageOut
}

func newGlobalChat() *globalChat {
	return &globalChat{members: make(map[string]globalChatUserOut)}
}

func (g *globalChat) join(connID string, user globalChatUserOut) (history []globalChatMessageOut, already bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[connID]; ok {
		return nil, true
	}
	g.members[connID] = user
	return append([]globalChatMessageOut(nil), g.history...), false
}

func (g *globalChat) leave(connID string) (user globalChatUserOut, wasMember bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	user, wasMember = g.members[connID]
	delete(g.members, connID)
	return user, wasMember
}

func (g *globalChat) append(msg globalChatMessageOut) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, msg)
	if len(g.history) > globalChatHistoryCap {
		g.history = g.history[len(g.history)-globalChatHistoryCap:]
	}
}

// Guests are excluded from global chat: their join/leave/message frames
// are silent no-ops, not errors.
func (r *Router) handleJoinGlobalChat(c *conn) {
	if c.ident.IsGuest() {
		return
	}
	user := globalChatUserOut{UserID: c.ident.UserID, Name: c.ident.Name}
	history, already := r.global.join(c.id, user)
	if already {
		return
	}
	c.joinedGlobal = true
	r.rooms.Join(rooms.GlobalRoom, c.client)

	c.client.Send(encodeEvent(evtGlobalChatHistory, globalChatHistoryOut{Messages: history}))
	r.rooms.BroadcastExcept(rooms.GlobalRoom, c.id, encodeEvent(evtGlobalChatJoined, user))
}

func (r *Router) handleLeaveGlobalChat(c *conn) {
	user, wasMember := r.global.leave(c.id)
	if !wasMember {
		return
	}
	c.joinedGlobal = false
	r.rooms.Leave(rooms.GlobalRoom, c.id)
	r.rooms.Broadcast(rooms.GlobalRoom, encodeEvent(evtGlobalChatLeft, user))
}

func (r *Router) handleGlobalChatMessage(ctx context.Context, c *conn, raw json.RawMessage) error {
	if c.ident.IsGuest() {
		return nil
	}
	if !c.joinedGlobal {
		return validationErr("not in global chat")
	}
	var in globalChatMessageIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed global_chat_message payload")
	}
	if err := in.validate(); err != nil {
		return err
	}

	msg := globalChatMessageOut{
		ID:        uuid.NewString(),
		UserID:    c.ident.UserID,
		Name:      c.ident.Name,
		Content:   in.Content,
		Timestamp: time.Now(),
	}
	r.global.append(msg)
	r.deliverRoom(ctx, rooms.GlobalRoom, encodeEvent(evtGlobalChatMsg, msg))
	return nil
}

func (r *Router) handleJoinPrivateChat(c *conn, raw json.RawMessage) error {
	if c.ident.IsGuest() {
		return nil
	}
	var in joinPrivateChatIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed join_private_chat payload")
	}
	if err := in.validate(); err != nil {
		return err
	}
	room := rooms.ConversationRoom(in.ConversationID)
	r.rooms.Join(room, c.client)
	c.convRooms[room] = struct{}{}
	return nil
}

// handlePrivateMessage is the one handler whose durable write gates the
// broadcast: a private message that was not stored must not appear
// delivered.
func (r *Router) handlePrivateMessage(ctx context.Context, c *conn, raw json.RawMessage) error {
	if c.ident.IsGuest() {
		return nil
	}
	var in privateMessageIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed private_message payload")
	}
	if err := in.validate(); err != nil {
		return err
	}

	msg := privateMessageOut{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       c.ident.UserID,
		Content:        in.Content,
		Timestamp:      time.Now(),
	}
	if err := r.store.AppendPrivateMessage(ctx, &store.PrivateMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      msg.Timestamp,
	}); err != nil {
		r.log.ErrorContext(ctx, "private message persist failed", "err", err)
		return errors.New("message could not be delivered")
	}

	r.deliverRoom(ctx, rooms.ConversationRoom(in.ConversationID), encodeEvent(evtPrivateMessage, msg))
	return nil
}

func (r *Router) handleMarkMessageRead(ctx context.Context, c *conn, raw json.RawMessage) error {
	if c.ident.IsGuest() {
		return nil
	}
	var in markMessageReadIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed mark_message_read payload")
	}
	if err := in.validate(); err != nil {
		return err
	}
	if err := r.store.MarkMessageRead(ctx, in.MessageID, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationErr("unknown message %s", in.MessageID)
		}
		r.log.ErrorContext(ctx, "mark read persist failed", "err", err)
		return errors.New("could not mark message read")
	}
	c.client.Send(encodeEvent(evtMessageRead, messageReadOut{
		MessageID: in.MessageID,
		ReaderID:  c.ident.UserID,
	}))
	return nil
}
