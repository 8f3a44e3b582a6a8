package chat

import (
	"fmt"
	"time"
)

// Status tracks where a message is in its delivery lifecycle. Transitions
// are monotonic per message except the failed→queued reset performed by a
// manual retry.
type Status string

const (
	StatusSending   Status = "sending"
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// MessageType classifies the message payload.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeAudio  MessageType = "audio"
	TypeFile   MessageType = "file"
	TypeVideo  MessageType = "video"
	TypeSystem MessageType = "system"
)

// Attachment describes a file carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the unit of exchange. ID is the server identity and may be
// empty until the server confirms the message; ClientTempID is the
// client-generated correlation identity and is set for every locally
// originated message. At least one of the two is always present.
type Message struct {
	ID             string       `json:"id,omitempty"`
	ClientTempID   string       `json:"clientTempId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId,omitempty"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"type"`
	Status         Status       `json:"status"`
	Timestamp      int64        `json:"timestamp"` // unix millis
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	return out
}

// Matches reports whether other refers to the same message, by server ID
// or by client correlation ID. Empty fields never match.
func (m Message) Matches(other Message) bool {
	if m.ID != "" && m.ID == other.ID {
		return true
	}
	if m.ClientTempID != "" && m.ClientTempID == other.ClientTempID {
		return true
	}
	return false
}

// ValidationError is returned synchronously, before any mutation, when a
// required message field is missing or malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the fields every outbound message must carry.
func (m Message) Validate() error {
	if m.ConversationID == "" {
		return &ValidationError{Field: "conversationId", Reason: "required"}
	}
	if m.ID == "" && m.ClientTempID == "" {
		return &ValidationError{Field: "clientTempId", Reason: "message needs an id or a clientTempId"}
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return &ValidationError{Field: "content", Reason: "text or attachments required"}
	}
	switch m.Type {
	case TypeText, TypeImage, TypeAudio, TypeFile, TypeVideo, TypeSystem:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	return nil
}

// QueuedMessage wraps a message held in the offline queue with its retry
// bookkeeping. RetryCount never exceeds MaxRetries; once it would, the
// wrapped message is marked failed and removed from the queue.
type QueuedMessage struct {
	Message    Message   `json:"message"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	AddedAt    time.Time `json:"addedAt"`
}

// Expired reports whether the entry has been queued longer than window.
func (q QueuedMessage) Expired(window time.Duration, now time.Time) bool {
	return now.Sub(q.AddedAt) > window
}
