package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/ratelimit"
	"github.com/MarcinPlaza1/block-scape-sub003/internal/session"
)

// Inbound event types.
const (
	evtAuth            = "auth"
	evtChatMessage     = "chat_message"
	evtTyping          = "typing"
	evtPresenceUpdate  = "presence_update"
	evtBlockOperation  = "block_operation"
	evtSelectionChange = "selection_change"
	evtPlayerInput     = "player_input"
	evtGameEvent       = "game_event"
	evtFriendReqSent   = "friend_request_sent"
	evtFriendReqAccept = "friend_request_accepted"
	evtFriendRemoved   = "friend_removed"
	evtGetOnlineFriend = "get_online_friends"
	evtJoinGlobalChat  = "join_global_chat"
	evtLeaveGlobalChat = "leave_global_chat"
	evtGlobalChatMsg   = "global_chat_message"
	evtJoinPrivateChat = "join_private_chat"
	evtPrivateMessage  = "private_message"
	evtMarkMessageRead = "mark_message_read"
)

// Outbound event types.
const (
	evtSessionJoined     = "session_joined"
	evtParticipantJoined = "participant_joined"
	evtParticipantLeft   = "participant_left"
	evtUserTyping        = "user_typing"
	evtOperationAck      = "operation_ack"
	evtError             = "error"
	evtFriendReqReceived = "friend_request_received"
	evtFriendStatus      = "friend_status_changed"
	evtOnlineFriendsList = "online_friends_list"
	evtGlobalChatHistory = "global_chat_history"
	evtGlobalChatJoined  = "global_chat_user_joined"
	evtGlobalChatLeft    = "global_chat_user_left"
	evtMessageRead       = "message_read"
)

// Content limits.
const (
	maxChatLen    = 1000
	maxGlobalLen  = 500
	maxPrivateLen = 1000
)

// envelope is the wire frame in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// errValidation marks locally-recovered payload errors: the offending
// event is rejected with an error frame to the sender only. errForbidden
// marks role-gated events attempted by an insufficient role, recovered
// the same way.
var (
	errValidation = errors.New("invalid payload")
	errForbidden  = errors.New("forbidden")
)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errValidation, fmt.Sprintf(format, args...))
}

func forbiddenErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errForbidden, fmt.Sprintf(format, args...))
}

// eventCategory maps inbound event types to their rate-limit category.
// Absent types are unknown and rejected before limiting.
var eventCategory = map[string]ratelimit.Category{
	evtChatMessage:     ratelimit.Chat,
	evtTyping:          ratelimit.Typing,
	evtPresenceUpdate:  ratelimit.Presence,
	evtBlockOperation:  ratelimit.Scene,
	evtSelectionChange: ratelimit.Scene,
	evtPlayerInput:     ratelimit.Gameplay,
	evtGameEvent:       ratelimit.Gameplay,
	evtFriendReqSent:   ratelimit.Social,
	evtFriendReqAccept: ratelimit.Social,
	evtFriendRemoved:   ratelimit.Social,
	evtGetOnlineFriend: ratelimit.Social,
	evtJoinGlobalChat:  ratelimit.Global,
	evtLeaveGlobalChat: ratelimit.Global,
	evtGlobalChatMsg:   ratelimit.Global,
	evtJoinPrivateChat: ratelimit.Private,
	evtPrivateMessage:  ratelimit.Private,
	evtMarkMessageRead: ratelimit.Private,
}

// --- Inbound payloads ---

type authIn struct {
	Token string `json:"token"`
}

type chatMessageIn struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (p *chatMessageIn) validate() error {
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return validationErr("chat message content is empty")
	}
	if len(p.Content) > maxChatLen {
		return validationErr("chat message exceeds %d characters", maxChatLen)
	}
	if p.Type == "" {
		p.Type = "text"
	}
	return nil
}

type typingIn struct {
	IsTyping bool `json:"isTyping"`
}

type blockOperationIn struct {
	Operation string         `json:"operation"`
	BlockID   string         `json:"blockId"`
	BlockData map[string]any `json:"blockData"`
}

func (p *blockOperationIn) validate() error {
	if !session.ValidBlockOp(session.BlockOp(p.Operation)) {
		return validationErr("unknown block operation %q", p.Operation)
	}
	if p.BlockID == "" {
		return validationErr("block operation missing blockId")
	}
	if p.Operation != string(session.BlockDelete) && p.BlockData == nil {
		return validationErr("block %s missing blockData", p.Operation)
	}
	return nil
}

type selectionChangeIn struct {
	SelectedBlocks []string `json:"selectedBlocks"`
}

type gameEventIn struct {
	Type      string         `json:"type"`
	EventData map[string]any `json:"eventData"`
}

func (p *gameEventIn) validate() error {
	if p.Type == "" {
		return validationErr("game event missing type")
	}
	return nil
}

type friendEventIn struct {
	TargetUserID string `json:"targetUserId"`
}

func (p *friendEventIn) validate() error {
	if p.TargetUserID == "" {
		return validationErr("friend event missing targetUserId")
	}
	return nil
}

type globalChatMessageIn struct {
	Content string `json:"content"`
}

func (p *globalChatMessageIn) validate() error {
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return validationErr("global chat content is empty")
	}
	if len(p.Content) > maxGlobalLen {
		return validationErr("global chat message exceeds %d characters", maxGlobalLen)
	}
	return nil
}

type joinPrivateChatIn struct {
	ConversationID string `json:"conversationId"`
}

func (p *joinPrivateChatIn) validate() error {
	if p.ConversationID == "" {
		return validationErr("missing conversationId")
	}
	return nil
}

type privateMessageIn struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

func (p *privateMessageIn) validate() error {
	if p.ConversationID == "" {
		return validationErr("missing conversationId")
	}
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return validationErr("private message content is empty")
	}
	if len(p.Content) > maxPrivateLen {
		return validationErr("private message exceeds %d characters", maxPrivateLen)
	}
	return nil
}

type markMessageReadIn struct {
	MessageID string `json:"messageId"`
}

func (p *markMessageReadIn) validate() error {
	if p.MessageID == "" {
		return validationErr("missing messageId")
	}
	return nil
}

// --- Outbound payloads ---

type sessionJoinedOut struct {
	SessionID    string                   `json:"sessionId"`
	Participants []session.Participant    `json:"participants"`
	SceneState   map[string]session.Block `json:"sceneState"`
}

type participantLeftOut struct {
	UserID string `json:"userId"`
}

type userTypingOut struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type presenceUpdateOut struct {
	UserID   string         `json:"userId"`
	Presence map[string]any `json:"presence"`
}

type blockOperationOut struct {
	Operation string         `json:"operation"`
	BlockID   string         `json:"blockId"`
	BlockData map[string]any `json:"blockData,omitempty"`
	UserID    string         `json:"userId"`
	Timestamp int64          `json:"timestamp"`
}

type operationAckOut struct {
	Operation string `json:"operation"`
	BlockID   string `json:"blockId"`
	Applied   bool   `json:"applied"`
	Timestamp int64  `json:"timestamp"`
}

type selectionChangeOut struct {
	UserID         string   `json:"userId"`
	SelectedBlocks []string `json:"selectedBlocks"`
}

type playerInputOut struct {
	UserID string          `json:"userId"`
	Input  json.RawMessage `json:"input"`
}

type gameEventOut struct {
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	EventData map[string]any `json:"eventData,omitempty"`
}

type errorOut struct {
	Message string `json:"message"`
}

type friendEventOut struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

type friendStatusOut struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type onlineFriendOut struct {
	FriendID  string `json:"friendId"`
	Name      string `json:"name"`
	IsOnline  bool   `json:"isOnline"`
	SessionID string `json:"sessionId,omitempty"`
	Role      string `json:"role,omitempty"`
}

type onlineFriendsListOut struct {
	Friends []onlineFriendOut `json:"friends"`
}

type globalChatUserOut struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type globalChatMessageOut struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type globalChatHistoryOut struct {
	Messages []globalChatMessageOut `json:"messages"`
}

type privateMessageOut struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

type messageReadOut struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

// encodeEvent marshals an outbound frame. Payload types are all local
// structs, so marshalling cannot fail at runtime; a failure is a
// programming error and yields an empty error frame instead.
func encodeEvent(typ string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		return []byte(`{"type":"error","data":{"message":"internal encoding error"}}`)
	}
	frame, _ := json.Marshal(envelope{Type: typ, Data: raw})
	return frame
}
