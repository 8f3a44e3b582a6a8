// Package wire defines the duplex channel protocol: a JSON envelope with
// a type tag and a type-specific payload.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/mktplace-tools/chatsync/internal/chat"
)

// Envelope is the wire format for every channel event, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event types. Outbound: TypeSendMessage, TypeTyping, TypePresenceRequest.
// Inbound: the rest.
const (
	TypeSendMessage     = "message.send"
	TypeMessageAck      = "message.ack"
	TypeMessageRejected = "message.rejected"
	TypeNewMessage      = "message.new"
	TypeTyping          = "typing"
	TypePresenceRequest = "presence.request"
	TypePresenceList    = "presence.snapshot"
	TypePresenceOnline  = "presence.online"
	TypePresenceOffline = "presence.offline"
)

// SendMessage is the outbound send event.
type SendMessage struct {
	ClientTempID     string            `json:"clientTempId"`
	ConversationID   string            `json:"conversationId"`
	ReceiverID       string            `json:"receiverId,omitempty"`
	Text             string            `json:"text"`
	MessageType      chat.MessageType  `json:"messageType"`
	Attachments      []chat.Attachment `json:"attachments,omitempty"`
	ReplyToMessageID string            `json:"replyToMessageId,omitempty"`
}

// MessageAck confirms a send, carrying the server-assigned identity.
type MessageAck struct {
	MessageID      string      `json:"messageId"`
	ClientTempID   string      `json:"clientTempId"`
	ConversationID string      `json:"conversationId"`
	Status         chat.Status `json:"status"`
}

// MessageRejected reports a send the server refused.
type MessageRejected struct {
	ClientTempID string `json:"clientTempId"`
	Error        string `json:"error"`
}

// Typing is a typing indicator, both directions.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceList is the full presence snapshot the server sends after a
// presence request.
type PresenceList struct {
	Users []chat.OnlineUser `json:"users"`
}

// PresenceChange is an incremental online/offline event.
type PresenceChange struct {
	User chat.OnlineUser `json:"user"`
}

// Encode wraps a payload in an envelope and marshals it.
func Encode(eventType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// Decode unmarshals a raw frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into the given type.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return out, nil
}
