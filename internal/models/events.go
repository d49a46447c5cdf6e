package models

type ClientEventType string

const (
	ClientEventJoin           ClientEventType = "join"
	ClientEventSendMessage    ClientEventType = "send_message"
	ClientEventTyping         ClientEventType = "typing"
	ClientEventGetOnlineUsers ClientEventType = "get_online_users"
	ClientEventLogout         ClientEventType = "logout"
)

type ServerEventType string

const (
	ServerEventNewMessage       ServerEventType = "new_message"
	ServerEventMessageSent      ServerEventType = "message_sent"
	ServerEventMessageError     ServerEventType = "message_error"
	ServerEventUserTyping       ServerEventType = "user_typing"
	ServerEventUserStatusChange ServerEventType = "user_status_change"
	ServerEventOnlineUsers      ServerEventType = "online_users"
	ServerEventSessionClosed    ServerEventType = "session_closed"
)

// ClientEvent is a frame sent by a client over the persistent connection.
type ClientEvent struct {
	Type ClientEventType `json:"type"`

	// join
	UserID string `json:"userId,omitempty"`

	// send_message, typing
	SenderID        string      `json:"senderId,omitempty"`
	ReceiverID      string      `json:"receiverId,omitempty"`
	Content         string      `json:"content,omitempty"`
	Kind            MessageKind `json:"kind,omitempty"`
	ImageURL        string      `json:"imageUrl,omitempty"`
	ImageToken      string      `json:"imageToken,omitempty"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
	IsTyping        bool        `json:"isTyping,omitempty"`
}

// ServerEvent is a frame sent to a client. Pointer booleans keep "false"
// on the wire for the events that carry them.
type ServerEvent struct {
	Type            ServerEventType `json:"type"`
	Message         *Message        `json:"message,omitempty"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	Online          *bool           `json:"online,omitempty"`
	SenderID        string          `json:"senderId,omitempty"`
	IsTyping        *bool           `json:"isTyping,omitempty"`
	Users           []string        `json:"users,omitempty"`

	// Written, when set, is called once by a connection that accepted the
	// event: with true after it reached the socket, with false if it was
	// dropped or discarded instead.
	Written func(ok bool) `json:"-"`
}

// Settle reports the outcome of writing e to its Written callback, if any.
func (e ServerEvent) Settle(ok bool) {
	if e.Written != nil {
		e.Written(ok)
	}
}

func NewMessageEvent(msg Message) ServerEvent {
	return ServerEvent{Type: ServerEventNewMessage, Message: &msg}
}

func MessageSentEvent(msg Message, clientMessageID string) ServerEvent {
	return ServerEvent{Type: ServerEventMessageSent, Message: &msg, ClientMessageID: clientMessageID}
}

func MessageErrorEvent(reason, clientMessageID string) ServerEvent {
	return ServerEvent{Type: ServerEventMessageError, Reason: reason, ClientMessageID: clientMessageID}
}

func UserTypingEvent(senderID string, isTyping bool) ServerEvent {
	return ServerEvent{Type: ServerEventUserTyping, SenderID: senderID, IsTyping: &isTyping}
}

func UserStatusChangeEvent(userID string, online bool) ServerEvent {
	return ServerEvent{Type: ServerEventUserStatusChange, UserID: userID, Online: &online}
}

// OnlineUsersEvent carries a full presence snapshot. An empty snapshot
// omits the users field.
func OnlineUsersEvent(users []string) ServerEvent {
	return ServerEvent{Type: ServerEventOnlineUsers, Users: users}
}

func SessionClosedEvent(reason string) ServerEvent {
	return ServerEvent{Type: ServerEventSessionClosed, Reason: reason}
}
