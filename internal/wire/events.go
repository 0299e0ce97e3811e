package wire

// Connection lifecycle events. EventConnected and EventConnectionError are
// sent by the server; EventDisconnect is synthesized locally when the
// transport drops so bus subscribers see every transition.
const (
	EventConnected       = "connected"
	EventConnectionError = "connection_error"
	EventDisconnect      = "disconnect"
)

// Notification channel events.
const (
	EventJoinNotifications         = "join_notifications"
	EventLeaveNotifications        = "leave_notifications"
	EventNotificationReceived      = "notification:received"
	EventNotificationJoinResponse  = "notification:join_response"
	EventNotificationLeaveResponse = "notification:leave_response"
)

// Chat channel events.
const (
	EventJoinChatRoom    = "join_chat_room"
	EventLeaveChatRoom   = "leave_chat_room"
	EventSendMessage     = "send_message"
	EventMessageReceived = "message_received"
	EventGetChatHistory  = "get_chat_history"
)

// Utility events.
const (
	EventPing              = "ping"
	EventPong              = "pong"
	EventGetConnectedUsers = "get_connected_users"
)
