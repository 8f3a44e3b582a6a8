package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mktplace-tools/chatsync/internal/bus"
	"github.com/mktplace-tools/chatsync/internal/chat"
	"github.com/mktplace-tools/chatsync/internal/kv"
)

// fakeSender records calls and returns configurable results.
type fakeSender struct {
	calls []chat.Message
	err   error
}

func (f *fakeSender) send(_ context.Context, msg chat.Message) error {
	f.calls = append(f.calls, msg)
	return f.err
}

func testQueue(t *testing.T, opts Options) (*Queue, *bus.Bus, kv.Store) {
	t.Helper()
	store := kv.NewMemory()
	b := bus.New()
	logger := zap.NewNop()
	if opts.ItemDelay == 0 {
		opts.ItemDelay = -1 // no throttling in tests
	}
	return New(store, b, logger, opts), b, store
}

func textMsg(tempID string) chat.Message {
	return chat.Message{
		ClientTempID:   tempID,
		ConversationID: "conv-1",
		SenderID:       "me",
		ReceiverID:     "them",
		Content:        "hi",
		Type:           chat.TypeText,
		Status:         chat.StatusSending,
	}
}

func TestEnqueueAssignsCorrelationID(t *testing.T) {
	q, _, _ := testQueue(t, Options{})
	msg, err := q.Enqueue(textMsg(""))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ClientTempID == "" {
		t.Error("Enqueue should assign a clientTempId")
	}
	if msg.Status != chat.StatusQueued {
		t.Errorf("status = %q, want queued", msg.Status)
	}
	if q.Size() != 1 {
		t.Errorf("size = %d, want 1", q.Size())
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	q, _, _ := testQueue(t, Options{Capacity: 3})
	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(textMsg(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if q.Size() != 3 {
		t.Fatalf("size = %d, want 3", q.Size())
	}
	entries := q.PeekAll()
	if entries[0].Message.ClientTempID != "t2" {
		t.Errorf("oldest = %q, want t2 (t0 and t1 evicted)", entries[0].Message.ClientTempID)
	}
	if entries[2].Message.ClientTempID != "t4" {
		t.Errorf("newest = %q, want t4", entries[2].Message.ClientTempID)
	}
}

func TestProcessAllDrainsOnSuccess(t *testing.T) {
	q, b, store := testQueue(t, Options{})
	var sent []chat.Message
	b.Subscribe(bus.KindQueueSent, func(evt bus.Event) {
		sent = append(sent, evt.Payload.(chat.Message))
	})

	snd := &fakeSender{}
	q.SetSendFunc(snd.send)
	_, _ = q.Enqueue(textMsg("t1"))
	_, _ = q.Enqueue(textMsg("t2"))

	if err := q.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if q.Size() != 0 {
		t.Errorf("size = %d after drain, want 0", q.Size())
	}
	if len(snd.calls) != 2 {
		t.Fatalf("got %d send calls, want 2", len(snd.calls))
	}
	// Oldest first.
	if snd.calls[0].ClientTempID != "t1" || snd.calls[1].ClientTempID != "t2" {
		t.Errorf("send order = %q, %q; want t1, t2", snd.calls[0].ClientTempID, snd.calls[1].ClientTempID)
	}
	if len(sent) != 2 || sent[0].Status != chat.StatusSent {
		t.Errorf("sent events = %d with status %v, want 2 with sent", len(sent), sent)
	}
	// Empty queue clears its storage key.
	if _, err := store.Get(StorageKey); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("storage key should be cleared when queue empties, got %v", err)
	}
}

func TestRetryBound(t *testing.T) {
	q, b, _ := testQueue(t, Options{MaxRetries: 3})
	var failed []chat.Message
	b.Subscribe(bus.KindQueueFailed, func(evt bus.Event) {
		failed = append(failed, evt.Payload.(chat.Message))
	})

	snd := &fakeSender{err: errors.New("network down")}
	q.SetSendFunc(snd.send)
	_, _ = q.Enqueue(textMsg("t1"))

	// Each pass attempts the item once; maxRetries failures make it
	// permanently failed and removed.
	for i := 0; i < 3; i++ {
		if err := q.ProcessAll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if q.Size() != 0 {
		t.Errorf("size = %d, want 0 (queue never holds permanently-failed items)", q.Size())
	}
	if len(snd.calls) != 3 {
		t.Errorf("got %d send attempts, want exactly maxRetries=3", len(snd.calls))
	}
	if len(failed) != 1 || failed[0].Status != chat.StatusFailed {
		t.Fatalf("failed events = %+v, want one with status failed", failed)
	}

	// A further pass must not re-attempt.
	if err := q.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(snd.calls) != 3 {
		t.Errorf("message re-attempted after permanent failure: %d calls", len(snd.calls))
	}
}

func TestExpiredEntrySkippedWithoutSending(t *testing.T) {
	q, b, _ := testQueue(t, Options{Expiry: 24 * time.Hour})
	var expired []chat.Message
	b.Subscribe(bus.KindQueueExpired, func(evt bus.Event) {
		expired = append(expired, evt.Payload.(chat.Message))
	})

	snd := &fakeSender{}
	q.SetSendFunc(snd.send)
	_, _ = q.Enqueue(textMsg("t1"))

	// Move the clock past the expiry window.
	q.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	if err := q.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(snd.calls) != 0 {
		t.Errorf("expired message was sent %d times, want 0", len(snd.calls))
	}
	if q.Size() != 0 {
		t.Errorf("size = %d, want 0", q.Size())
	}
	if len(expired) != 1 || expired[0].Status != chat.StatusExpired {
		t.Errorf("expired events = %+v, want one with status expired", expired)
	}
}

func TestProcessAllIsMutuallyExclusive(t *testing.T) {
	q, _, _ := testQueue(t, Options{})
	snd := &fakeSender{}
	q.SetSendFunc(snd.send)
	_, _ = q.Enqueue(textMsg("t1"))

	q.mu.Lock()
	q.processing = true
	q.mu.Unlock()

	if err := q.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(snd.calls) != 0 {
		t.Errorf("second concurrent pass sent %d messages, want 0 (no-op)", len(snd.calls))
	}
}

func TestRemove(t *testing.T) {
	q, _, _ := testQueue(t, Options{})
	_, _ = q.Enqueue(textMsg("t1"))
	_, _ = q.Enqueue(textMsg("t2"))

	if !q.Remove("t1") {
		t.Error("Remove(t1) = false, want true")
	}
	if q.Remove("t1") {
		t.Error("Remove(t1) twice = true, want false")
	}
	if q.Size() != 1 {
		t.Errorf("size = %d, want 1", q.Size())
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	q, b, store := testQueue(t, Options{})
	_, _ = q.Enqueue(textMsg("t1"))
	_, _ = q.Enqueue(textMsg("t2"))

	q2 := New(store, b, zap.NewNop(), Options{})
	if err := q2.Restore(); err != nil {
		t.Fatal(err)
	}
	if q2.Size() != 2 {
		t.Fatalf("restored size = %d, want 2", q2.Size())
	}
	entries := q2.PeekAll()
	if entries[0].Message.ClientTempID != "t1" {
		t.Errorf("restored order wrong: first = %q, want t1", entries[0].Message.ClientTempID)
	}
}

func TestRestoreDropsExpired(t *testing.T) {
	q, b, store := testQueue(t, Options{Expiry: 24 * time.Hour})
	_, _ = q.Enqueue(textMsg("old"))
	_, _ = q.Enqueue(textMsg("fresh"))

	// Age the first entry past the window directly in the persisted form.
	entries := q.PeekAll()
	entries[0].AddedAt = time.Now().Add(-25 * time.Hour)
	q.mu.Lock()
	q.entries[0].AddedAt = entries[0].AddedAt
	q.mu.Unlock()
	if err := q.Persist(); err != nil {
		t.Fatal(err)
	}

	q2 := New(store, b, zap.NewNop(), Options{Expiry: 24 * time.Hour})
	if err := q2.Restore(); err != nil {
		t.Fatal(err)
	}
	if q2.Size() != 1 {
		t.Fatalf("restored size = %d, want 1 (expired dropped)", q2.Size())
	}
	if q2.PeekAll()[0].Message.ClientTempID != "fresh" {
		t.Error("wrong entry survived restore")
	}

	// Persisted form was rewritten without the expired entry.
	q3 := New(store, b, zap.NewNop(), Options{Expiry: 24 * time.Hour})
	if err := q3.Restore(); err != nil {
		t.Fatal(err)
	}
	if q3.Size() != 1 {
		t.Errorf("re-restored size = %d, want 1", q3.Size())
	}
}

func TestRestoreDiscardsCorruptData(t *testing.T) {
	store := kv.NewMemory()
	if err := store.Set(StorageKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	q := New(store, bus.New(), zap.NewNop(), Options{})
	if err := q.Restore(); err != nil {
		t.Fatalf("Restore() with corrupt data error = %v, want nil (recoverable)", err)
	}
	if q.Size() != 0 {
		t.Errorf("size = %d, want 0", q.Size())
	}
	if _, err := store.Get(StorageKey); !errors.Is(err, kv.ErrNotFound) {
		t.Error("corrupt persisted data should be removed")
	}
}
