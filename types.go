package devwork

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the response envelope returned by every REST endpoint.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope error, or nil when the request succeeded.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	msg := r.Message
	if msg == "" {
		msg = "request failed"
	}
	return &APIError{Code: "REQUEST_FAILED", Message: msg}
}

// ============================================================================
// Chat Types
// ============================================================================

// TempIDPrefix marks ids generated locally for optimistic messages.
const TempIDPrefix = "temp-"

// DeliveryState is the client-only delivery tag of a locally originated message.
type DeliveryState string

const (
	DeliverySending DeliveryState = "sending"
	DeliverySent    DeliveryState = "sent"
	DeliveryError   DeliveryState = "error"
)

// User identifies the authenticated user of a session.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Participant is the other party of a conversation.
type Participant struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Avatar string   `json:"avatar,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// Sender is the denormalized author embedded in a message.
type Sender struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Message is a single chat message. CreatedAt and ReadAt hold the raw
// timestamps received from the server.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Sender         Sender        `json:"sender"`
	Content        string        `json:"content"`
	CreatedAt      string        `json:"createdAt"`
	ReadAt         *string       `json:"readAt,omitempty"`
	ClientID       string        `json:"clientId,omitempty"`
	Status         DeliveryState `json:"status,omitempty"`
}

// IsOptimistic reports whether the message is a local placeholder.
func (m Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Created parses CreatedAt. ok is false for malformed timestamps.
func (m Message) Created() (time.Time, bool) {
	return parseTimestamp(m.CreatedAt)
}

// Conversation is a two-party thread with denormalized preview state.
type Conversation struct {
	ID               string      `json:"id"`
	UpdatedAt        string      `json:"updatedAt"`
	OtherParticipant Participant `json:"otherParticipant"`
	UnreadCount      int         `json:"unreadCount"`
	LastMessage      *Message    `json:"lastMessage,omitempty"`
}

// MessagePage is one page of conversation history, oldest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
}

// UnreadCountData is the payload of the unread-count endpoint.
type UnreadCountData struct {
	Count int `json:"count"`
}

// TypingEvent is a remote typing signal.
type TypingEvent struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// ReadReceipt reports that readBy has read a conversation at ReadAt.
type ReadReceipt struct {
	ConversationID string
	ReadBy         string
	ReadAt         string
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// newerTimestamp reports whether a is strictly later than b. An empty b is
// older than anything; unparsable values compare as raw strings.
func newerTimestamp(a, b string) bool {
	if b == "" {
		return a != ""
	}
	ta, okA := parseTimestamp(a)
	tb, okB := parseTimestamp(b)
	if okA && okB {
		return ta.After(tb)
	}
	return a > b
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
