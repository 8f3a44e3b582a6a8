package cache

import (
	"fmt"
	"testing"

	"github.com/mktplace-tools/chatsync/internal/chat"
)

func msg(id, tempID string, ts int64, status chat.Status) chat.Message {
	return chat.Message{
		ID:             id,
		ClientTempID:   tempID,
		ConversationID: "conv-1",
		SenderID:       "me",
		Content:        "hello",
		Type:           chat.TypeText,
		Status:         status,
		Timestamp:      ts,
	}
}

func TestPutMessageOrdersNewestFirst(t *testing.T) {
	c := New(Limits{})
	c.PutMessage("conv-1", msg("m1", "", 100, chat.StatusSent))
	c.PutMessage("conv-1", msg("m3", "", 300, chat.StatusSent))
	c.PutMessage("conv-1", msg("m2", "", 200, chat.StatusSent))

	got := c.ListMessages("conv-1")
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, want := range []string{"m3", "m2", "m1"} {
		if got[i].ID != want {
			t.Errorf("messages[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestReconcileOptimisticThenConfirmed(t *testing.T) {
	c := New(Limits{})
	c.PutMessage("conv-1", msg("", "temp-1", 100, chat.StatusSending))
	c.PutMessage("conv-1", msg("srv-9", "temp-1", 100, chat.StatusSent))

	got := c.ListMessages("conv-1")
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1 (no duplicate)", len(got))
	}
	if got[0].ID != "srv-9" || got[0].ClientTempID != "temp-1" {
		t.Errorf("identity = (%q, %q), want (srv-9, temp-1)", got[0].ID, got[0].ClientTempID)
	}
	if got[0].Status != chat.StatusSent {
		t.Errorf("status = %q, want sent", got[0].Status)
	}
}

// TestReconcileConfirmedThenOptimistic pins order independence: a
// confirmation that lands before the optimistic insert must converge to
// the same single entry, without the late optimistic copy downgrading the
// confirmed status.
func TestReconcileConfirmedThenOptimistic(t *testing.T) {
	c := New(Limits{})
	c.PutMessage("conv-1", msg("srv-9", "temp-1", 100, chat.StatusSent))
	c.PutMessage("conv-1", msg("", "temp-1", 100, chat.StatusSending))

	got := c.ListMessages("conv-1")
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].ID != "srv-9" || got[0].ClientTempID != "temp-1" {
		t.Errorf("identity = (%q, %q), want (srv-9, temp-1)", got[0].ID, got[0].ClientTempID)
	}
	if got[0].Status != chat.StatusSent {
		t.Errorf("status = %q, want sent (must not regress)", got[0].Status)
	}
}

func TestRetryResetOverridesFailed(t *testing.T) {
	c := New(Limits{})
	c.PutMessage("conv-1", msg("", "temp-1", 100, chat.StatusFailed))
	c.PutMessage("conv-1", msg("", "temp-1", 100, chat.StatusQueued))

	got := c.ListMessages("conv-1")
	if got[0].Status != chat.StatusQueued {
		t.Errorf("status = %q, want queued after retry reset", got[0].Status)
	}
}

func TestPerConversationCap(t *testing.T) {
	c := New(Limits{MessagesPerConversation: 500})
	for i := 0; i < 501; i++ {
		c.PutMessage("conv-1", msg(fmt.Sprintf("m%d", i), "", int64(i), chat.StatusSent))
	}

	got := c.ListMessages("conv-1")
	if len(got) != 500 {
		t.Fatalf("got %d messages, want 500", len(got))
	}
	// Oldest (m0) evicted; newest retained.
	if got[0].ID != "m500" {
		t.Errorf("newest = %q, want m500", got[0].ID)
	}
	if got[len(got)-1].ID != "m1" {
		t.Errorf("oldest = %q, want m1 (m0 evicted)", got[len(got)-1].ID)
	}
	// Index must no longer resolve the evicted message.
	if _, _, ok := c.FindMessage("m0"); ok {
		t.Error("FindMessage(m0) found an evicted message")
	}
	if _, _, ok := c.FindMessage("m500"); !ok {
		t.Error("FindMessage(m500) should resolve")
	}
}

func TestGlobalCapEvictsFromLargestConversation(t *testing.T) {
	c := New(Limits{TotalMessages: 10})
	for i := 0; i < 8; i++ {
		c.PutMessage("big", msg(fmt.Sprintf("b%d", i), "", int64(i), chat.StatusSent))
	}
	for i := 0; i < 3; i++ {
		c.PutMessage("small", msg(fmt.Sprintf("s%d", i), "", int64(i), chat.StatusSent))
	}

	if c.TotalMessages() != 10 {
		t.Fatalf("total = %d, want 10", c.TotalMessages())
	}
	// The overflowing item came out of the larger conversation.
	if n := len(c.ListMessages("big")); n != 7 {
		t.Errorf("big conversation has %d messages, want 7", n)
	}
	if n := len(c.ListMessages("small")); n != 3 {
		t.Errorf("small conversation has %d messages, want 3", n)
	}
}

func TestConversationCapEvictsLeastRecentlyUpdated(t *testing.T) {
	c := New(Limits{Conversations: 2})
	c.PutConversation(chat.Conversation{ID: "old", UpdatedAt: 100})
	c.PutConversation(chat.Conversation{ID: "mid", UpdatedAt: 200})
	c.PutConversation(chat.Conversation{ID: "new", UpdatedAt: 300})

	if _, ok := c.GetConversation("old"); ok {
		t.Error("least-recently-updated conversation should have been evicted")
	}
	if _, ok := c.GetConversation("mid"); !ok {
		t.Error("mid conversation missing")
	}
	if _, ok := c.GetConversation("new"); !ok {
		t.Error("new conversation missing")
	}
}

func TestConversationEvictionDropsItsMessagesFromIndex(t *testing.T) {
	c := New(Limits{Conversations: 1})
	c.PutMessage("conv-a", msg("a1", "", 100, chat.StatusSent))
	c.PutMessage("conv-b", msg("b1", "", 200, chat.StatusSent))

	if _, _, ok := c.FindMessage("a1"); ok {
		t.Error("messages of evicted conversation must leave the index")
	}
	if _, _, ok := c.FindMessage("b1"); !ok {
		t.Error("FindMessage(b1) should resolve")
	}
	if c.TotalMessages() != 1 {
		t.Errorf("total = %d, want 1", c.TotalMessages())
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	c := New(Limits{})
	c.PutMessage("conv-1", msg("m1", "", 100, chat.StatusSent))
	got := c.ListMessages("conv-1")
	got[0].Content = "tampered"

	again := c.ListMessages("conv-1")
	if again[0].Content != "hello" {
		t.Errorf("cache mutated through returned slice: %q", again[0].Content)
	}

	c.PutConversation(chat.Conversation{ID: "conv-1", Participants: []chat.Participant{{UserID: "u1"}}})
	conv, _ := c.GetConversation("conv-1")
	conv.Participants[0].UserID = "tampered"
	conv2, _ := c.GetConversation("conv-1")
	if conv2.Participants[0].UserID != "u1" {
		t.Errorf("conversation mutated through returned copy: %q", conv2.Participants[0].UserID)
	}
}

func TestClearConversation(t *testing.T) {
	c := New(Limits{})
	c.PutMessage("conv-1", msg("m1", "", 100, chat.StatusSent))
	c.PutMessage("conv-2", msg("m2", "", 100, chat.StatusSent))

	c.ClearConversation("conv-1")
	if got := c.ListMessages("conv-1"); got != nil {
		t.Errorf("conv-1 still has %d messages", len(got))
	}
	if _, _, ok := c.FindMessage("m1"); ok {
		t.Error("cleared message still indexed")
	}
	if len(c.ListMessages("conv-2")) != 1 {
		t.Error("clear leaked into another conversation")
	}
}

func TestEvictTo(t *testing.T) {
	c := New(Limits{})
	for i := 0; i < 20; i++ {
		c.PutMessage("conv-1", msg(fmt.Sprintf("m%d", i), "", int64(i), chat.StatusSent))
	}
	c.EvictTo(5)
	if c.TotalMessages() != 5 {
		t.Errorf("total = %d, want 5", c.TotalMessages())
	}
	got := c.ListMessages("conv-1")
	if got[0].ID != "m19" {
		t.Errorf("newest = %q, want m19 (evict oldest first)", got[0].ID)
	}
}
