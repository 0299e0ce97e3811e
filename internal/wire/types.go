package wire

import (
	"encoding/json"
	"time"
)

// Request is an outbound frame. ID is non-zero for calls that expect a
// response; zero for fire-and-forget sends.
type Request struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is an inbound frame. A non-zero ID marks it as the response to a
// previously-sent Request, in which case Data decodes into an Envelope.
// TS is the server timestamp in Unix milliseconds (zero if absent).
type Frame struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	TS    int64           `json:"ts,omitempty"`
}

// Envelope is the uniform response body for every request/response pair.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ConnectedPayload is the body of the server's "connected" event,
// completing the authentication handshake.
type ConnectedPayload struct {
	SocketID string `json:"socketId"`
	UserID   int64  `json:"userId"`
}

// ErrorPayload is the body of a "connection_error" event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by ErrorPayload.
const (
	ErrCodeAuthRejected = "auth_rejected"
	ErrCodeExhausted    = "reconnect_exhausted"
	ErrCodeServerError  = "server_error"
)

// NotificationRecord is a user notification as delivered by the server.
// Identity is ID; the sink never holds two records with the same ID.
type NotificationRecord struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Path      string    `json:"path,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// JoinNotificationsParams is the body of a join_notifications request.
type JoinNotificationsParams struct {
	UserID int64 `json:"userId"`
}

// NotificationJoinData is the Envelope.Data of a notification:join_response.
// UnreadCount is the server's authoritative unread counter at join time.
type NotificationJoinData struct {
	UserID      int64 `json:"userId"`
	UnreadCount int   `json:"unreadCount"`
}

// JoinChatRoomParams is the body of join_chat_room and leave_chat_room.
type JoinChatRoomParams struct {
	RoomID int64 `json:"roomId"`
}

// ChatMessage is a chat message, inbound via message_received and outbound
// as the body of send_message.
type ChatMessage struct {
	ID       int64     `json:"id,omitempty"`
	RoomID   int64     `json:"roomId"`
	SenderID int64     `json:"senderId,omitempty"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt,omitempty"`
}

// ChatHistoryParams is the body of a get_chat_history request.
type ChatHistoryParams struct {
	RoomID int64 `json:"roomId"`
	Limit  int   `json:"limit,omitempty"`
}
