package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kind namespaces. Handlers match on prefix, so "conn." receives
// every connection event and "" receives everything.
const (
	KindStateChanged    = "conn.state_changed"
	KindPresenceChanged = "conn.presence_changed"

	KindChannelAck      = "channel.message_ack"
	KindChannelRejected = "channel.message_rejected"
	KindChannelMessage  = "channel.message_new"
	KindChannelTyping   = "channel.typing"

	KindQueueSent    = "queue.sent"
	KindQueueFailed  = "queue.failed"
	KindQueueExpired = "queue.expired"

	KindMessageSent   = "message.sent"
	KindMessageFailed = "message.failed"
	KindMessageNew    = "message.new"
)
