// Package dispatch is the orchestrating layer and the engine's public
// surface. The coordinator decides the transport for each outbound
// message, keeps the cache and the offline queue consistent with each
// other, and reconciles optimistic copies against server confirmations.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mktplace-tools/chatsync/internal/bus"
	"github.com/mktplace-tools/chatsync/internal/cache"
	"github.com/mktplace-tools/chatsync/internal/chat"
	"github.com/mktplace-tools/chatsync/internal/conn"
	"github.com/mktplace-tools/chatsync/internal/queue"
	"github.com/mktplace-tools/chatsync/internal/wire"
)

// ErrNoTransport is returned when no transport can carry the message:
// the channel is down and no fallback client is configured.
var ErrNoTransport = errors.New("dispatch: no transport available")

// ErrNotFailed is returned by RetryFailed for a message that is not in
// the failed state.
var ErrNotFailed = errors.New("dispatch: message is not in failed state")

// Strategy selects the outbound transport.
type Strategy string

const (
	// StrategyAuto prefers the duplex channel and falls back to the
	// request/response client when the channel is down.
	StrategyAuto Strategy = "auto"
	// StrategyChannel sends over the duplex channel only.
	StrategyChannel Strategy = "channel"
	// StrategyREST sends over the request/response client only.
	StrategyREST Strategy = "rest"
)

// Channel is the duplex-transport capability the coordinator needs.
// *conn.Manager satisfies it.
type Channel interface {
	IsConnected() bool
	Send(ctx context.Context, eventType string, payload any) error
}

// History is the request/response capability: fallback sends and
// conversation backfill. *rest.Client satisfies it. May be absent.
type History interface {
	SendMessage(ctx context.Context, msg chat.Message) (*chat.Message, error)
	FetchMessages(ctx context.Context, conversationID string, limit int, before int64) ([]chat.Message, error)
}

// Sink is an optional observer the coordinator notifies after every
// cache mutation it performs. A nil sink is a fully supported
// configuration.
type Sink interface {
	MessageUpserted(conversationID string, msg chat.Message)
}

// Options tunes coordinator policy. Zero fields fall back to defaults.
type Options struct {
	Strategy     Strategy
	GraceDelay   time.Duration // wait after reconnect before draining the queue
	HistoryLimit int           // page size for history backfill
}

// DefaultOptions are the production policy values.
func DefaultOptions() Options {
	return Options{
		Strategy:     StrategyAuto,
		GraceDelay:   3 * time.Second,
		HistoryLimit: 50,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Strategy == "" {
		o.Strategy = d.Strategy
	}
	if o.GraceDelay <= 0 {
		o.GraceDelay = d.GraceDelay
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	return o
}

// Coordinator wires the connection manager, the cache, and the offline
// queue together behind one API.
type Coordinator struct {
	opts    Options
	channel Channel
	history History
	cache   *cache.Cache
	queue   *queue.Queue
	bus     *bus.Bus
	sink    Sink
	logger  *zap.Logger

	mu         sync.Mutex
	identity   string
	unsubs     []func()
	graceTimer *time.Timer
	started    bool
}

// NewCoordinator creates a coordinator. history and sink may be nil.
func NewCoordinator(channel Channel, history History, c *cache.Cache, q *queue.Queue, b *bus.Bus, sink Sink, logger *zap.Logger, opts Options) *Coordinator {
	return &Coordinator{
		opts:    opts.withDefaults(),
		channel: channel,
		history: history,
		cache:   c,
		queue:   q,
		bus:     b,
		sink:    sink,
		logger:  logger,
	}
}

// SetIdentity records the local user id stamped onto outbound messages.
func (co *Coordinator) SetIdentity(userID string) {
	co.mu.Lock()
	co.identity = userID
	co.mu.Unlock()
}

// Start installs the coordinator's event subscriptions and hands the
// queue its send function. Idempotent.
func (co *Coordinator) Start() {
	co.mu.Lock()
	if co.started {
		co.mu.Unlock()
		return
	}
	co.started = true
	co.mu.Unlock()

	co.queue.SetSendFunc(co.transportSend)

	subs := []func(){
		co.bus.Subscribe(bus.KindChannelAck, co.handleAck),
		co.bus.Subscribe(bus.KindChannelRejected, co.handleRejected),
		co.bus.Subscribe(bus.KindChannelMessage, co.handleInbound),
		co.bus.Subscribe(bus.KindQueueSent, co.handleQueueSent),
		co.bus.Subscribe(bus.KindQueueFailed, co.handleQueueFailed),
		co.bus.Subscribe(bus.KindQueueExpired, co.handleQueueExpired),
		co.bus.Subscribe(bus.KindStateChanged, co.handleStateChange),
	}
	co.mu.Lock()
	co.unsubs = append(co.unsubs, subs...)
	co.mu.Unlock()
}

// Stop removes the coordinator's subscriptions and cancels any pending
// queue drain. Idempotent.
func (co *Coordinator) Stop() {
	co.mu.Lock()
	unsubs := co.unsubs
	co.unsubs = nil
	if co.graceTimer != nil {
		co.graceTimer.Stop()
		co.graceTimer = nil
	}
	co.started = false
	co.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// SendText sends a text message. replyTo may be empty. The returned
// message's status is the source of truth for UI feedback: sent when the
// transport accepted it, queued when it went to the offline queue,
// failed when the transport rejected it (the error is also returned).
func (co *Coordinator) SendText(ctx context.Context, conversationID, text, receiverID, replyTo string) (chat.Message, error) {
	return co.send(ctx, chat.Message{
		ConversationID: conversationID,
		ReceiverID:     receiverID,
		Content:        text,
		Type:           chat.TypeText,
		ReplyTo:        replyTo,
	})
}

// SendAttachment sends a message carrying attachments. content is an
// optional caption.
func (co *Coordinator) SendAttachment(ctx context.Context, conversationID, receiverID, content string, msgType chat.MessageType, attachments []chat.Attachment) (chat.Message, error) {
	return co.send(ctx, chat.Message{
		ConversationID: conversationID,
		ReceiverID:     receiverID,
		Content:        content,
		Type:           msgType,
		Attachments:    attachments,
	})
}

func (co *Coordinator) send(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg.ClientTempID = uuid.NewString()
	msg.SenderID = co.senderID()
	msg.Timestamp = time.Now().UnixMilli()

	if err := msg.Validate(); err != nil {
		return chat.Message{}, err
	}

	if !co.channel.IsConnected() && co.opts.Strategy != StrategyREST {
		return co.sendOffline(msg)
	}

	msg.Status = chat.StatusSending
	co.upsert(msg.ConversationID, msg)

	if err := co.transportSend(ctx, msg); err != nil {
		if errors.Is(err, conn.ErrNotConnected) || errors.Is(err, ErrNoTransport) {
			// The channel dropped between the state check and the write.
			return co.sendOffline(msg)
		}
		msg.Status = chat.StatusFailed
		co.upsert(msg.ConversationID, msg)
		co.publish(bus.KindMessageFailed, msg)
		co.logger.Warn("send failed",
			zap.String("client_temp_id", msg.ClientTempID), zap.Error(err))
		return msg, err
	}

	msg.Status = chat.StatusSent
	co.upsert(msg.ConversationID, msg)
	co.publish(bus.KindMessageSent, msg)
	return msg, nil
}

func (co *Coordinator) sendOffline(msg chat.Message) (chat.Message, error) {
	queued, err := co.queue.Enqueue(msg)
	if err != nil {
		co.logger.Error("enqueue failed",
			zap.String("client_temp_id", msg.ClientTempID), zap.Error(err))
		// In-memory queue state is still valid; only durability suffered.
	}
	co.upsert(queued.ConversationID, queued)
	return queued, nil
}

// transportSend pushes one message out per the configured strategy. It
// is also the queue's send function.
func (co *Coordinator) transportSend(ctx context.Context, msg chat.Message) error {
	useChannel := co.opts.Strategy != StrategyREST &&
		(co.opts.Strategy == StrategyChannel || co.channel.IsConnected())

	if useChannel {
		return co.channel.Send(ctx, wire.TypeSendMessage, wire.SendMessage{
			ClientTempID:     msg.ClientTempID,
			ConversationID:   msg.ConversationID,
			ReceiverID:       msg.ReceiverID,
			Text:             msg.Content,
			MessageType:      msg.Type,
			Attachments:      msg.Attachments,
			ReplyToMessageID: msg.ReplyTo,
		})
	}

	if co.history == nil {
		return ErrNoTransport
	}
	confirmed, err := co.history.SendMessage(ctx, msg)
	if err != nil {
		return err
	}
	// The response carries the server identity; reconcile right away
	// rather than waiting for a channel ack that will never come.
	merged := *confirmed
	if merged.ClientTempID == "" {
		merged.ClientTempID = msg.ClientTempID
	}
	if merged.Status == "" {
		merged.Status = chat.StatusSent
	}
	co.upsert(merged.ConversationID, merged)
	return nil
}

// RetryFailed re-submits a failed message. ref is its server id or
// client temp id. The message goes back through the normal send path:
// immediately when connected, via the offline queue otherwise.
func (co *Coordinator) RetryFailed(ctx context.Context, conversationID, ref string) (chat.Message, error) {
	msg, convID, ok := co.cache.FindMessage(ref)
	if !ok || convID != conversationID {
		return chat.Message{}, &chat.ValidationError{Field: "messageId", Reason: "no such message in conversation"}
	}
	if msg.Status != chat.StatusFailed {
		return chat.Message{}, ErrNotFailed
	}

	if !co.channel.IsConnected() && co.opts.Strategy != StrategyREST {
		queued, err := co.queue.Enqueue(msg)
		if err != nil {
			co.logger.Error("enqueue failed",
				zap.String("client_temp_id", msg.ClientTempID), zap.Error(err))
		}
		co.upsert(convID, queued)
		return queued, nil
	}

	msg.Status = chat.StatusSending
	co.upsert(convID, msg)
	if err := co.transportSend(ctx, msg); err != nil {
		msg.Status = chat.StatusFailed
		co.upsert(convID, msg)
		co.publish(bus.KindMessageFailed, msg)
		return msg, err
	}
	msg.Status = chat.StatusSent
	co.upsert(convID, msg)
	co.publish(bus.KindMessageSent, msg)
	return msg, nil
}

// LoadMessages returns a conversation's messages newest first, backfilling
// from the server when the cache has fewer than limit and a history
// client is configured. before is a unix-millisecond cursor for paging
// into older history; zero loads from the latest.
func (co *Coordinator) LoadMessages(ctx context.Context, conversationID string, limit int, before int64) ([]chat.Message, error) {
	if limit <= 0 {
		limit = co.opts.HistoryLimit
	}

	local := co.cache.ListMessages(conversationID)
	if co.history == nil || (before == 0 && len(local) >= limit) {
		if len(local) > limit {
			local = local[:limit]
		}
		return local, nil
	}

	fetched, err := co.history.FetchMessages(ctx, conversationID, limit, before)
	if err != nil {
		if len(local) > 0 {
			co.logger.Warn("history backfill failed, serving cache",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return local, nil
		}
		return nil, err
	}
	for _, m := range fetched {
		co.cache.PutMessage(conversationID, m)
	}

	merged := co.cache.ListMessages(conversationID)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// GetLocalMessages returns the cached messages only, newest first.
func (co *Coordinator) GetLocalMessages(conversationID string) []chat.Message {
	return co.cache.ListMessages(conversationID)
}

// SendTyping relays a typing indicator. Best effort: returns
// conn.ErrNotConnected when the channel is down, and the indicator is
// never queued.
func (co *Coordinator) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return co.channel.Send(ctx, wire.TypeTyping, wire.Typing{
		ConversationID: conversationID,
		UserID:         co.senderID(),
		IsTyping:       isTyping,
	})
}

// Conversations returns the cached conversation summaries.
func (co *Coordinator) Conversations() []chat.Conversation {
	return co.cache.ListConversations()
}

// PutConversation caches a conversation summary.
func (co *Coordinator) PutConversation(conv chat.Conversation) {
	co.cache.PutConversation(conv)
}

// OnNewMessage subscribes to inbound messages from peers. The returned
// function unsubscribes and is idempotent.
func (co *Coordinator) OnNewMessage(fn func(chat.Message)) func() {
	return co.subscribeMessage(bus.KindMessageNew, fn)
}

// OnMessageSent subscribes to sent confirmations for local messages.
func (co *Coordinator) OnMessageSent(fn func(chat.Message)) func() {
	return co.subscribeMessage(bus.KindMessageSent, fn)
}

// OnSendError subscribes to permanent send failures (transport rejection
// or retries exhausted). The message carries status failed or expired.
func (co *Coordinator) OnSendError(fn func(chat.Message)) func() {
	return co.subscribeMessage(bus.KindMessageFailed, fn)
}

// OnTyping subscribes to peer typing indicators.
func (co *Coordinator) OnTyping(fn func(conversationID, userID string, isTyping bool)) func() {
	return co.bus.Subscribe(bus.KindChannelTyping, func(evt bus.Event) {
		if t, ok := evt.Payload.(wire.Typing); ok {
			fn(t.ConversationID, t.UserID, t.IsTyping)
		}
	})
}

// OnConnectionChange subscribes to connection state transitions.
func (co *Coordinator) OnConnectionChange(fn func(conn.StateChange)) func() {
	return co.bus.Subscribe(bus.KindStateChanged, func(evt bus.Event) {
		if sc, ok := evt.Payload.(conn.StateChange); ok {
			fn(sc)
		}
	})
}

func (co *Coordinator) subscribeMessage(kind string, fn func(chat.Message)) func() {
	return co.bus.Subscribe(kind, func(evt bus.Event) {
		if m, ok := evt.Payload.(chat.Message); ok {
			fn(m)
		}
	})
}

// handleAck reconciles a server confirmation with the cached optimistic
// copy and drops the matching offline-queue entry if one exists.
func (co *Coordinator) handleAck(evt bus.Event) {
	ack, ok := evt.Payload.(wire.MessageAck)
	if !ok {
		return
	}

	status := ack.Status
	if status == "" {
		status = chat.StatusSent
	}

	ref := ack.ClientTempID
	if ref == "" {
		ref = ack.MessageID
	}
	cached, convID, found := co.cache.FindMessage(ref)
	if !found {
		// Not fatal: the confirmation may have reached the cache through
		// another path already, or the entry was evicted.
		co.logger.Debug("ack without cached message",
			zap.String("message_id", ack.MessageID),
			zap.String("client_temp_id", ack.ClientTempID))
		co.removeQueued(ack.ClientTempID)
		return
	}

	cached.ID = ack.MessageID
	cached.Status = status
	co.upsert(convID, cached)
	co.removeQueued(ack.ClientTempID)
	co.publish(bus.KindMessageSent, cached)
}

func (co *Coordinator) handleRejected(evt bus.Event) {
	rej, ok := evt.Payload.(wire.MessageRejected)
	if !ok {
		return
	}
	co.logger.Warn("message rejected",
		zap.String("client_temp_id", rej.ClientTempID), zap.String("error", rej.Error))

	co.removeQueued(rej.ClientTempID)
	cached, convID, found := co.cache.FindMessage(rej.ClientTempID)
	if !found {
		return
	}
	cached.Status = chat.StatusFailed
	co.upsert(convID, cached)
	co.publish(bus.KindMessageFailed, cached)
}

// handleInbound caches a message from a peer and republishes it upward.
func (co *Coordinator) handleInbound(evt bus.Event) {
	msg, ok := evt.Payload.(chat.Message)
	if !ok {
		return
	}
	co.upsert(msg.ConversationID, msg)

	if conv, found := co.cache.GetConversation(msg.ConversationID); found {
		m := msg
		conv.LastMessage = &m
		if msg.SenderID != co.senderID() {
			conv.UnreadCount++
		}
		co.cache.PutConversation(conv)
	}
	co.publish(bus.KindMessageNew, msg)
}

func (co *Coordinator) handleQueueSent(evt bus.Event) {
	msg, ok := evt.Payload.(chat.Message)
	if !ok {
		return
	}
	co.upsert(msg.ConversationID, msg)
	co.publish(bus.KindMessageSent, msg)
}

func (co *Coordinator) handleQueueFailed(evt bus.Event) {
	co.markQueueOutcome(evt, chat.StatusFailed)
}

func (co *Coordinator) handleQueueExpired(evt bus.Event) {
	co.markQueueOutcome(evt, chat.StatusExpired)
}

func (co *Coordinator) markQueueOutcome(evt bus.Event, status chat.Status) {
	msg, ok := evt.Payload.(chat.Message)
	if !ok {
		return
	}
	msg.Status = status
	co.upsert(msg.ConversationID, msg)
	co.publish(bus.KindMessageFailed, msg)
}

// handleStateChange drains the offline queue after a reconnect, delayed
// by a grace period so the drain does not race handshake traffic.
func (co *Coordinator) handleStateChange(evt bus.Event) {
	sc, ok := evt.Payload.(conn.StateChange)
	if !ok || sc.To != conn.Connected {
		return
	}
	if co.queue.Size() == 0 {
		return
	}

	co.mu.Lock()
	if co.graceTimer != nil {
		co.graceTimer.Stop()
	}
	co.graceTimer = time.AfterFunc(co.opts.GraceDelay, func() {
		if !co.channel.IsConnected() {
			return
		}
		if err := co.queue.ProcessAll(context.Background()); err != nil {
			co.logger.Error("queue drain failed", zap.Error(err))
		}
	})
	co.mu.Unlock()
}

func (co *Coordinator) senderID() string {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.identity
}

func (co *Coordinator) removeQueued(correlationID string) {
	if correlationID == "" {
		return
	}
	if co.queue.Remove(correlationID) {
		co.logger.Debug("removed acked message from queue",
			zap.String("client_temp_id", correlationID))
	}
}

func (co *Coordinator) upsert(conversationID string, msg chat.Message) {
	co.cache.PutMessage(conversationID, msg)
	if co.sink != nil {
		co.sink.MessageUpserted(conversationID, msg)
	}
}

func (co *Coordinator) publish(kind string, msg chat.Message) {
	co.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: msg})
}
