package models

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateAdmission means the same connection handle was admitted
	// twice. This is a programmer error: callers log it and carry on.
	ErrDuplicateAdmission = errors.New("connection already admitted")

	// ErrEmptyMessage is returned for a message whose body is empty after
	// trimming. The sender is told; nothing is persisted or broadcast.
	ErrEmptyMessage = errors.New("message body is empty")

	// ErrPersistence means the durable message store rejected an operation.
	ErrPersistence = errors.New("message store unavailable")
)

// Identity is the authenticated user a connection belongs to. It is supplied
// once at admission time and immutable for the connection's lifetime. One
// identity may own several live connections (multiple tabs or devices).
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Message is a durable chat message. ID is assigned by the message store.
// ReadBy always contains the sender and only ever grows.
type Message struct {
	ID        int64
	SenderID  string
	Sender    string
	Body      string
	CreatedAt time.Time
	ReadBy    []string
}

// ReadByUser reports whether the given username has acknowledged the message.
func (m Message) ReadByUser(username string) bool {
	return slices.Contains(m.ReadBy, username)
}

type ClientEventType string

const (
	ClientEventMessage  ClientEventType = "message"
	ClientEventTyping   ClientEventType = "typing"
	ClientEventMarkRead ClientEventType = "markRead"
)

// ClientEvent is an inbound frame from a live connection.
type ClientEvent struct {
	Type    ClientEventType `json:"type"`
	Message string          `json:"message,omitempty"`
}

type ServerEventType string

const (
	ServerEventSystem      ServerEventType = "system"
	ServerEventOnlineUsers ServerEventType = "onlineUsers"
	ServerEventTyping      ServerEventType = "typing"
	ServerEventMessage     ServerEventType = "message"
	ServerEventReadReceipt ServerEventType = "readReceipt"
	ServerEventError       ServerEventType = "error"
)

// RosterEntry is one online user in an onlineUsers snapshot.
type RosterEntry struct {
	Username string `json:"username"`
}

// ServerEvent is an outbound frame. One struct covers every event type;
// fields not used by a given type are omitted from the encoding.
type ServerEvent struct {
	Type      ServerEventType `json:"type"`
	Message   string          `json:"message,omitempty"`
	Users     []RosterEntry   `json:"users,omitempty"`
	Username  string          `json:"username,omitempty"`
	MessageID int64           `json:"messageId,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	ReadBy    []string        `json:"readBy,omitempty"`
	Reader    string          `json:"reader,omitempty"`
}
