// Package conn owns the duplex channel: its lifecycle state machine, peer
// presence, and leak-safe event subscriptions. Inbound channel events are
// decoded and republished as domain events on the bus.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mktplace-tools/chatsync/internal/bus"
	"github.com/mktplace-tools/chatsync/internal/chat"
	"github.com/mktplace-tools/chatsync/internal/wire"
)

// ErrNotConnected is returned by Send when no channel is up.
var ErrNotConnected = errors.New("conn: not connected")

// Options tunes connection policy. Zero fields fall back to defaults.
type Options struct {
	URL               string
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
}

// DefaultOptions are the production policy values.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    15 * time.Second,
		ReconnectAttempts: 5,
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = d.ReconnectAttempts
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = d.ReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = d.ReconnectMax
	}
	return o
}

// attempt is one in-flight connect. Concurrent Connect calls for the same
// identity share the attempt and resolve to the same outcome.
type attempt struct {
	identity string
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// Manager owns the channel handle exclusively and exposes the connection
// state machine, presence queries, and Send.
type Manager struct {
	opts    Options
	dialer  Dialer
	bus     *bus.Bus
	logger  *zap.Logger
	machine *machine
	pres    *presenceTracker

	mu         sync.Mutex
	ch         Channel
	gen        int // channel generation; stale read loops detect supersession
	identity   string
	credential string
	pending    *attempt
}

// NewManager creates a connection manager. It starts disconnected.
func NewManager(dialer Dialer, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	return &Manager{
		opts:    opts.withDefaults(),
		dialer:  dialer,
		bus:     b,
		logger:  logger,
		machine: newMachine(b),
		pres:    newPresenceTracker(b),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.state()
}

// IsConnected reports whether a channel is up.
func (m *Manager) IsConnected() bool {
	return m.machine.state() == Connected
}

// Connect establishes the channel for the given identity. A call while a
// connect for the same identity is in flight joins it and returns the
// same outcome; a call for a different identity supersedes the in-flight
// attempt (or tears down the existing channel) first.
func (m *Manager) Connect(ctx context.Context, identity, credential string) error {
	m.mu.Lock()

	if p := m.pending; p != nil {
		if p.identity == identity {
			m.mu.Unlock()
			select {
			case <-p.done:
				return p.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// Superseding connect for a different identity.
		p.cancel()
		m.pending = nil
	}

	tornDown := false
	if m.ch != nil {
		if m.identity == identity && m.machine.state() == Connected {
			m.mu.Unlock()
			return nil
		}
		// Different identity: tear down the existing channel first.
		m.teardownLocked()
		tornDown = true
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	a := &attempt{identity: identity, cancel: cancel, done: make(chan struct{})}
	m.pending = a
	m.identity = identity
	m.credential = credential
	m.mu.Unlock()

	if tornDown {
		if err := m.machine.transition(Disconnected); err != nil {
			m.logger.Warn("state transition failed", zap.Error(err))
		}
		m.pres.clear()
	}
	if err := m.machine.transition(Connecting); err != nil {
		m.logger.Warn("state transition failed", zap.Error(err))
	}

	ch, err := m.dialer.Dial(dialCtx, m.opts.URL, identity, credential)
	cancel()

	m.mu.Lock()
	if m.pending != a {
		// Superseded while dialing; discard this outcome.
		m.mu.Unlock()
		if err == nil {
			_ = ch.Close()
		}
		a.err = errors.New("conn: connect superseded")
		close(a.done)
		return a.err
	}
	m.pending = nil
	if err != nil {
		m.mu.Unlock()
		if terr := m.machine.transition(Error); terr != nil {
			m.logger.Warn("state transition failed", zap.Error(terr))
		}
		m.logger.Error("connect failed", zap.Error(err), zap.String("identity", identity))
		a.err = err
		close(a.done)
		return err
	}

	m.ch = ch
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if terr := m.machine.transition(Connected); terr != nil {
		m.logger.Warn("state transition failed", zap.Error(terr))
	}
	m.logger.Info("channel connected", zap.String("identity", identity))

	go m.readLoop(ch, gen)
	m.requestPresence(ch)

	close(a.done)
	return nil
}

// Disconnect tears down the channel and clears presence. Safe to call in
// any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if p := m.pending; p != nil {
		p.cancel()
		m.pending = nil
	}
	m.teardownLocked()
	m.mu.Unlock()

	if err := m.machine.transition(Disconnected); err != nil {
		m.logger.Warn("state transition failed", zap.Error(err))
	}
	m.pres.clear()
	m.logger.Info("channel disconnected")
}

// teardownLocked closes the channel and bumps the generation so the read
// loop knows its channel was superseded.
func (m *Manager) teardownLocked() {
	if m.ch != nil {
		_ = m.ch.Close()
		m.ch = nil
	}
	m.gen++
}

// Send encodes and writes one event to the channel.
func (m *Manager) Send(ctx context.Context, eventType string, payload any) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil || m.machine.state() != Connected {
		return ErrNotConnected
	}
	data, err := wire.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return ch.Write(ctx, data)
}

// Presence queries.

// OnlineUsers returns a snapshot of currently-online peers.
func (m *Manager) OnlineUsers() []chat.OnlineUser { return m.pres.snapshot() }

// IsUserOnline reports whether the peer is currently online.
func (m *Manager) IsUserOnline(userID string) bool { return m.pres.isOnline(userID) }

// OnlineCount returns the number of currently-online peers.
func (m *Manager) OnlineCount() int { return m.pres.count() }

// Subscribe registers a handler for channel events of the given kind
// prefix (see the bus package kinds). The returned unsubscribe function
// is idempotent.
func (m *Manager) Subscribe(kind string, h bus.Handler) func() {
	return m.bus.Subscribe(kind, h)
}

// OnPresenceChange registers a callback invoked with the full online set
// whenever presence changes.
func (m *Manager) OnPresenceChange(fn func([]chat.OnlineUser)) func() {
	return m.bus.Subscribe(bus.KindPresenceChanged, func(evt bus.Event) {
		if users, ok := evt.Payload.([]chat.OnlineUser); ok {
			fn(users)
		}
	})
}

// OnStateChange registers a callback invoked on every state transition.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	return m.bus.Subscribe(bus.KindStateChanged, func(evt bus.Event) {
		if sc, ok := evt.Payload.(StateChange); ok {
			fn(sc)
		}
	})
}

// requestPresence asks the server for a full presence snapshot. Done on
// every successful (re)connection.
func (m *Manager) requestPresence(ch Channel) {
	data, err := wire.Encode(wire.TypePresenceRequest, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Write(ctx, data); err != nil {
		m.logger.Warn("presence snapshot request failed", zap.Error(err))
	}
}

// readLoop pumps inbound frames until the channel errors. A read error on
// the current generation starts reconnection; a stale generation exits
// quietly.
func (m *Manager) readLoop(ch Channel, gen int) {
	for {
		data, err := ch.Read(context.Background())
		if err != nil {
			m.mu.Lock()
			stale := gen != m.gen
			m.mu.Unlock()
			if stale {
				return
			}
			m.logger.Warn("channel read error", zap.Error(err))
			m.reconnect()
			return
		}
		m.handleFrame(data)
	}
}

// reconnect re-dials with exponential backoff. The channel is still being
// retried, so the state is reconnecting rather than error; only after the
// attempts are exhausted does the manager give up.
func (m *Manager) reconnect() {
	if err := m.machine.transition(Reconnecting); err != nil {
		// Already torn down by an explicit disconnect.
		return
	}
	m.pres.clear()

	m.mu.Lock()
	identity, credential := m.identity, m.credential
	m.ch = nil
	m.gen++
	m.mu.Unlock()

	delay := m.opts.ReconnectBase
	for i := 0; i < m.opts.ReconnectAttempts; i++ {
		time.Sleep(delay)
		if delay *= 2; delay > m.opts.ReconnectMax {
			delay = m.opts.ReconnectMax
		}
		if m.machine.state() != Reconnecting {
			// Superseded by an explicit disconnect or connect.
			return
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		ch, err := m.dialer.Dial(dialCtx, m.opts.URL, identity, credential)
		cancel()
		if err != nil {
			m.logger.Warn("reconnect attempt failed",
				zap.Error(err), zap.Int("attempt", i+1))
			continue
		}

		m.mu.Lock()
		if m.machine.state() != Reconnecting {
			m.mu.Unlock()
			_ = ch.Close()
			return
		}
		m.ch = ch
		m.gen++
		gen := m.gen
		m.mu.Unlock()

		if terr := m.machine.transition(Connected); terr != nil {
			m.logger.Warn("state transition failed", zap.Error(terr))
		}
		m.logger.Info("channel reconnected", zap.Int("attempts", i+1))
		go m.readLoop(ch, gen)
		m.requestPresence(ch)
		return
	}

	m.logger.Error("reconnect attempts exhausted")
	if err := m.machine.transition(Error); err != nil {
		m.logger.Warn("state transition failed", zap.Error(err))
	}
}

// handleFrame decodes one inbound frame and republishes it as a domain
// event. Malformed frames are logged and skipped.
func (m *Manager) handleFrame(data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case wire.TypeMessageAck:
		republish[wire.MessageAck](m, env, bus.KindChannelAck)
	case wire.TypeMessageRejected:
		republish[wire.MessageRejected](m, env, bus.KindChannelRejected)
	case wire.TypeNewMessage:
		republish[chat.Message](m, env, bus.KindChannelMessage)
	case wire.TypeTyping:
		republish[wire.Typing](m, env, bus.KindChannelTyping)
	case wire.TypePresenceList:
		if p := decodeOrNil[wire.PresenceList](m, env); p != nil {
			m.pres.setAll(p.Users)
		}
	case wire.TypePresenceOnline, wire.TypePresenceOffline:
		if p := decodeOrNil[wire.PresenceChange](m, env); p != nil {
			u := p.User
			u.Online = env.Type == wire.TypePresenceOnline
			if !u.Online && u.LastSeen == 0 {
				u.LastSeen = time.Now().UnixMilli()
			}
			m.pres.apply(u)
		}
	default:
		m.logger.Debug("ignoring unknown event type", zap.String("type", env.Type))
	}
}

func republish[T any](m *Manager, env wire.Envelope, kind string) {
	if p := decodeOrNil[T](m, env); p != nil {
		m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: *p})
	}
}

func decodeOrNil[T any](m *Manager, env wire.Envelope) *T {
	out, err := wire.DecodePayload[T](env)
	if err != nil {
		m.logger.Warn("dropping malformed payload",
			zap.String("type", env.Type), zap.Error(err))
		return nil
	}
	return &out
}
