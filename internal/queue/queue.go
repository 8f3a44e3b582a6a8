// Package queue implements the durable offline queue: outbound messages
// that could not be delivered yet, with retry and expiry bookkeeping.
// The persisted form is the source of truth across restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mktplace-tools/chatsync/internal/bus"
	"github.com/mktplace-tools/chatsync/internal/chat"
	"github.com/mktplace-tools/chatsync/internal/kv"
)

// StorageKey is the single well-known key the queue persists under.
const StorageKey = "offline_queue/v1"

// SendFunc attempts to deliver one message. The queue retries on error up
// to the entry's MaxRetries.
type SendFunc func(ctx context.Context, msg chat.Message) error

// Options tunes queue policy. Zero fields fall back to defaults.
type Options struct {
	Capacity   int
	MaxRetries int
	Expiry     time.Duration
	ItemDelay  time.Duration
}

// DefaultOptions are the production policy values.
func DefaultOptions() Options {
	return Options{
		Capacity:   100,
		MaxRetries: 3,
		Expiry:     24 * time.Hour,
		ItemDelay:  500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Capacity <= 0 {
		o.Capacity = d.Capacity
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.Expiry <= 0 {
		o.Expiry = d.Expiry
	}
	// ItemDelay 0 is allowed so tests can run a pass without throttling.
	return o
}

// persistedEntry is one element of the durable encoding: an ordered list
// of (correlation id, queued message) pairs under StorageKey.
type persistedEntry struct {
	CorrelationID string             `json:"correlationId"`
	Queued        chat.QueuedMessage `json:"queued"`
}

// Queue is the offline queue. Entries are processed oldest-enqueued-first
// and a processing pass is mutually exclusive with itself.
type Queue struct {
	opts   Options
	store  kv.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	entries    []chat.QueuedMessage // oldest first
	processing bool
	send       SendFunc
	now        func() time.Time
}

// New creates an offline queue persisting through store.
func New(store kv.Store, b *bus.Bus, logger *zap.Logger, opts Options) *Queue {
	return &Queue{
		opts:   opts.withDefaults(),
		store:  store,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// SetSendFunc injects the delivery function used by processing passes.
func (q *Queue) SetSendFunc(fn SendFunc) {
	q.mu.Lock()
	q.send = fn
	q.mu.Unlock()
}

// Enqueue adds a message to the queue, assigning a client temp ID if it
// has none and marking it queued. A full queue evicts its oldest entry
// rather than rejecting the new one. Returns the stored message.
func (q *Queue) Enqueue(msg chat.Message) (chat.Message, error) {
	if msg.ClientTempID == "" {
		msg.ClientTempID = uuid.New().String()
	}
	msg.Status = chat.StatusQueued

	q.mu.Lock()
	if len(q.entries) >= q.opts.Capacity {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		q.logger.Warn("offline queue full, evicting oldest",
			zap.String("client_temp_id", evicted.Message.ClientTempID))
	}
	q.entries = append(q.entries, chat.QueuedMessage{
		Message:    msg,
		RetryCount: 0,
		MaxRetries: q.opts.MaxRetries,
		AddedAt:    q.now(),
	})
	q.mu.Unlock()

	if err := q.Persist(); err != nil {
		q.logger.Error("failed to persist offline queue", zap.Error(err))
	}
	return msg, nil
}

// Remove drops the entry with the given correlation (client temp) ID.
// Returns whether an entry was removed.
func (q *Queue) Remove(correlationID string) bool {
	q.mu.Lock()
	removed := false
	for i, e := range q.entries {
		if e.Message.ClientTempID == correlationID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			removed = true
			break
		}
	}
	q.mu.Unlock()

	if removed {
		if err := q.Persist(); err != nil {
			q.logger.Error("failed to persist offline queue", zap.Error(err))
		}
	}
	return removed
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsProcessing reports whether a processing pass is running.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// PeekAll returns copies of all entries, oldest first.
func (q *Queue) PeekAll() []chat.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]chat.QueuedMessage, len(q.entries))
	for i, e := range q.entries {
		e.Message = e.Message.Clone()
		out[i] = e
	}
	return out
}

// ProcessAll runs one processing pass: oldest first, dropping expired
// entries, retrying failures up to MaxRetries, throttling between items.
// A call while a pass is already running is a no-op. Send failures are
// never surfaced to the caller; outcomes are published on the bus.
func (q *Queue) ProcessAll(ctx context.Context) error {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return nil
	}
	if q.send == nil {
		q.mu.Unlock()
		return errors.New("queue: no send function configured")
	}
	q.processing = true
	send := q.send
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
		if err := q.Persist(); err != nil {
			q.logger.Error("failed to persist offline queue", zap.Error(err))
		}
	}()

	// Each pass visits each entry at most once; an entry that failed but
	// still has retries left waits for the next pass.
	q.mu.Lock()
	passSize := len(q.entries)
	q.mu.Unlock()

	first := true
	for i := 0; i < passSize; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return nil
		}
		entry := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if entry.Expired(q.opts.Expiry, q.now()) {
			entry.Message.Status = chat.StatusExpired
			q.logger.Info("dropping expired queued message",
				zap.String("client_temp_id", entry.Message.ClientTempID))
			q.publish(bus.KindQueueExpired, entry.Message)
			continue
		}
		if entry.RetryCount >= entry.MaxRetries {
			q.fail(entry, errors.New("retry limit reached"))
			continue
		}

		if !first && q.opts.ItemDelay > 0 {
			select {
			case <-time.After(q.opts.ItemDelay):
			case <-ctx.Done():
				q.requeueFront(entry)
				return ctx.Err()
			}
		}
		first = false

		if err := send(ctx, entry.Message); err != nil {
			entry.RetryCount++
			if entry.RetryCount >= entry.MaxRetries {
				q.fail(entry, err)
				continue
			}
			q.logger.Warn("queued send failed, will retry",
				zap.Error(err),
				zap.String("client_temp_id", entry.Message.ClientTempID),
				zap.Int("retry_count", entry.RetryCount))
			q.requeueBack(entry)
			continue
		}

		entry.Message.Status = chat.StatusSent
		q.publish(bus.KindQueueSent, entry.Message)
	}
	return nil
}

func (q *Queue) fail(entry chat.QueuedMessage, err error) {
	entry.Message.Status = chat.StatusFailed
	q.logger.Error("queued message permanently failed",
		zap.Error(err),
		zap.String("client_temp_id", entry.Message.ClientTempID),
		zap.Int("retry_count", entry.RetryCount))
	q.publish(bus.KindQueueFailed, entry.Message)
}

func (q *Queue) requeueFront(entry chat.QueuedMessage) {
	q.mu.Lock()
	q.entries = append([]chat.QueuedMessage{entry}, q.entries...)
	q.mu.Unlock()
}

func (q *Queue) requeueBack(entry chat.QueuedMessage) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
}

func (q *Queue) publish(kind string, msg chat.Message) {
	q.bus.Publish(bus.Event{Kind: kind, Timestamp: q.now(), Payload: msg})
}

// Persist writes the full queue under StorageKey, or clears the key when
// the queue is empty.
func (q *Queue) Persist() error {
	q.mu.Lock()
	entries := make([]persistedEntry, len(q.entries))
	for i, e := range q.entries {
		entries[i] = persistedEntry{CorrelationID: e.Message.ClientTempID, Queued: e}
	}
	q.mu.Unlock()

	if len(entries) == 0 {
		return q.store.Remove(StorageKey)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return q.store.Set(StorageKey, data)
}

// Restore re-derives in-memory state from the persisted form. Entries
// already past expiry are silently dropped and the persisted form is
// rewritten if any were. Corrupt persisted data is discarded wholesale;
// startup proceeds with an empty queue.
func (q *Queue) Restore() error {
	data, err := q.store.Get(StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		q.logger.Warn("failed to read persisted queue, starting empty", zap.Error(err))
		return nil
	}

	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		q.logger.Warn("corrupt persisted queue, discarding", zap.Error(err))
		return q.store.Remove(StorageKey)
	}

	now := q.now()
	dropped := 0
	var live []chat.QueuedMessage
	for _, pe := range entries {
		if pe.Queued.Expired(q.opts.Expiry, now) {
			dropped++
			continue
		}
		live = append(live, pe.Queued)
	}

	q.mu.Lock()
	q.entries = live
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("dropped expired entries on restore", zap.Int("count", dropped))
		return q.Persist()
	}
	return nil
}
