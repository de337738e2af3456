package realtime

import (
	"context"
	"encoding/json"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/rooms"
)

// notifyFriends pushes a friend_status_changed to every friend's
// user-scoped room when the user comes online or goes fully offline.
// Fire-and-forget: friends with no live connection receive nothing.
func (r *Router) notifyFriends(ctx context.Context, userID string, online bool) {
	friends, err := r.store.ListFriends(ctx, userID)
	if err != nil {
		r.log.WarnContext(ctx, "friend list lookup failed", "err", err)
		return
	}
	frame := encodeEvent(evtFriendStatus, friendStatusOut{UserID: userID, IsOnline: online})
	for _, f := range friends {
		r.deliverRoom(ctx, rooms.UserRoom(f.UserID), frame)
	}
}

// handleFriendRelay forwards friend lifecycle notifications to the
// target user's live connections. Guests have no social graph; their
// frames are dropped silently, matching the fire-and-forget model.
func (r *Router) handleFriendRelay(ctx context.Context, c *conn, eventType string, raw json.RawMessage) error {
	if c.ident.IsGuest() {
		return nil
	}
	var in friendEventIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return validationErr("malformed %s payload", eventType)
	}
	if err := in.validate(); err != nil {
		return err
	}

	out := friendEventOut{UserID: c.ident.UserID, Name: c.ident.Name}
	var frame []byte
	switch eventType {
	case evtFriendReqSent:
		frame = encodeEvent(evtFriendReqReceived, out)
	case evtFriendReqAccept:
		frame = encodeEvent(evtFriendReqAccept, out)
	case evtFriendRemoved:
		frame = encodeEvent(evtFriendRemoved, friendEventOut{UserID: c.ident.UserID})
	}
	r.deliverRoom(ctx, rooms.UserRoom(in.TargetUserID), frame)
	return nil
}

// handleGetOnlineFriends cross-references the durable friendship list
// with the presence index and, for online friends, the live session
// directory, answering the requester only.
func (r *Router) handleGetOnlineFriends(ctx context.Context, c *conn) error {
	if c.ident.IsGuest() {
		return nil
	}
	friends, err := r.store.ListFriends(ctx, c.ident.UserID)
	if err != nil {
		r.log.WarnContext(ctx, "friend list lookup failed", "err", err)
		return validationErr("friend list unavailable")
	}

	out := onlineFriendsListOut{Friends: make([]onlineFriendOut, 0, len(friends))}
	for _, f := range friends {
		entry := onlineFriendOut{
			FriendID: f.UserID,
			Name:     f.Name,
			IsOnline: r.presence.IsOnline(f.UserID),
		}
		if entry.IsOnline {
			for _, st := range r.dir.Snapshot() {
				if p, ok := st.Participant(f.UserID); ok {
					entry.SessionID = st.ID
					entry.Role = string(p.Role)
					break
				}
			}
		}
		out.Friends = append(out.Friends, entry)
	}
	c.client.Send(encodeEvent(evtOnlineFriendsList, out))
	return nil
}
