package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/rooms"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/session"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
)

// handleChatMessage validates, mirrors into the bounded buffer,
// broadcasts to the whole session including the sender (so the sender
// sees the server-assigned id and timestamp), then persists best-effort.
func (r *Router) handleChatMessage(ctx context.Context, c *conn, raw json.RawMessage) error {
	var in chatMessageIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed chat_message payload")
	}
	if err := in.validate(); err != nil {
		return err
	}

	entry := session.ChatEntry{
		ID:        uuid.NewString(),
		UserID:    c.ident.EffectiveID(),
		UserName:  c.ident.Name,
		Content:   in.Content,
		Type:      in.Type,
		Timestamp: time.Now(),
	}
	c.state.AppendChat(entry)
	r.rooms.Broadcast(rooms.SessionRoom(c.ident.SessionID), encodeEvent(evtChatMessage, entry))

	if err := r.store.AppendChatMessage(ctx, &store.ChatMessage{
		ID:        entry.ID,
		SessionID: c.ident.SessionID,
		UserID:    entry.UserID,
		UserName:  entry.UserName,
		Content:   entry.Content,
		Type:      entry.Type,
		CreatedAt: entry.Timestamp,
	}); err != nil {
		r.log.ErrorContext(ctx, "chat message persist failed", "err", err)
	}
	return nil
}

func (r *Router) handleTyping(c *conn, raw json.RawMessage) error {
	var in typingIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed typing payload")
	}
	r.rooms.BroadcastExcept(rooms.SessionRoom(c.ident.SessionID), c.id,
		encodeEvent(evtUserTyping, userTypingOut{
			UserID:   c.ident.EffectiveID(),
			IsTyping: in.IsTyping,
		}))
	return nil
}

// handlePresenceUpdate mirrors the ephemeral cursor payload in memory and
// broadcasts it; a configurable fraction of updates is also persisted so
// the durable participant row stays roughly current without a write per
// tick.
func (r *Router) handlePresenceUpdate(ctx context.Context, c *conn, raw json.RawMessage) error {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return validationErr("malformed presence_update payload")
	}

	effectiveID := c.ident.EffectiveID()
	c.state.UpdatePresence(effectiveID, payload)
	r.rooms.BroadcastExcept(rooms.SessionRoom(c.ident.SessionID), c.id,
		encodeEvent(evtPresenceUpdate, presenceUpdateOut{
			UserID:   effectiveID,
			Presence: payload,
		}))

	if r.cfg.PresenceSampleRate > 0 && r.randFloat() < r.cfg.PresenceSampleRate {
		if err := r.store.SavePresence(ctx, c.ident.SessionID, effectiveID, raw, time.Now()); err != nil {
			r.log.WarnContext(ctx, "presence persist failed", "err", err)
		}
	}
	return nil
}

// handleBlockOperation applies a scene mutation, acks the originator, and
// broadcasts the applied operation to everyone else. Updates and deletes
// against absent blocks stay no-ops that still ack and broadcast, so
// out-of-order delivery never surfaces as an error.
func (r *Router) handleBlockOperation(c *conn, raw json.RawMessage) error {
	if !c.ident.Role.CanEdit() {
		return forbiddenErr("role %s may not modify the scene", c.ident.Role)
	}
	var in blockOperationIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed block_operation payload")
	}
	if err := in.validate(); err != nil {
		return err
	}

	now := time.Now()
	effectiveID := c.ident.EffectiveID()
	applied := c.state.ApplyBlock(session.BlockOp(in.Operation), in.BlockID, in.BlockData, effectiveID, now)

	c.client.Send(encodeEvent(evtOperationAck, operationAckOut{
		Operation: in.Operation,
		BlockID:   in.BlockID,
		Applied:   applied,
		Timestamp: now.UnixMilli(),
	}))
	r.rooms.BroadcastExcept(rooms.SessionRoom(c.ident.SessionID), c.id,
		encodeEvent(evtBlockOperation, blockOperationOut{
			Operation: in.Operation,
			BlockID:   in.BlockID,
			BlockData: in.BlockData,
			UserID:    effectiveID,
			Timestamp: now.UnixMilli(),
		}))
	return nil
}

func (r *Router) handleSelectionChange(c *conn, raw json.RawMessage) error {
	if !c.ident.Role.CanEdit() {
		return forbiddenErr("role %s may not change selection", c.ident.Role)
	}
	var in selectionChangeIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed selection_change payload")
	}
	r.rooms.BroadcastExcept(rooms.SessionRoom(c.ident.SessionID), c.id,
		encodeEvent(evtSelectionChange, selectionChangeOut{
			UserID:         c.ident.EffectiveID(),
			SelectedBlocks: in.SelectedBlocks,
		}))
	return nil
}

func (r *Router) handlePlayerInput(c *conn, raw json.RawMessage) error {
	if !c.ident.Role.CanPlay() {
		return forbiddenErr("role %s may not send player input", c.ident.Role)
	}
	r.rooms.BroadcastExcept(rooms.SessionRoom(c.ident.SessionID), c.id,
		encodeEvent(evtPlayerInput, playerInputOut{
			UserID: c.ident.EffectiveID(),
			Input:  raw,
		}))
	return nil
}

// handleGameEvent relays gameplay events to the session. A finish event
// carrying a time also persists a score.
func (r *Router) handleGameEvent(ctx context.Context, c *conn, raw json.RawMessage) error {
	if !c.ident.Role.CanPlay() {
		return forbiddenErr("role %s may not send game events", c.ident.Role)
	}
	var in gameEventIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed game_event payload")
	}
	if err := in.validate(); err != nil {
		return err
	}

	r.rooms.BroadcastExcept(rooms.SessionRoom(c.ident.SessionID), c.id,
		encodeEvent(evtGameEvent, gameEventOut{
			UserID:    c.ident.EffectiveID(),
			Type:      in.Type,
			EventData: in.EventData,
		}))

	if in.Type == "finish" {
		if ms, ok := in.EventData["timeMs"].(float64); ok {
			err := r.store.SaveScore(ctx, &store.Score{
				ID:        uuid.NewString(),
				SessionID: c.ident.SessionID,
				UserID:    c.ident.EffectiveID(),
				TimeMs:    int64(ms),
				CreatedAt: time.Now(),
			})
			if err != nil {
				r.log.ErrorContext(ctx, "score persist failed", "err", err)
			}
		}
	}
	return nil
}
