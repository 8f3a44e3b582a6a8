// Package cache holds the bounded in-memory view of conversations and
// messages. It performs no I/O; durability belongs to the offline queue
// and the server is the source of truth.
package cache

import (
	"sync"
	"time"

	"github.com/mktplace-tools/chatsync/internal/chat"
)

// Limits bounds the cache. Zero fields fall back to defaults.
type Limits struct {
	MessagesPerConversation int
	TotalMessages           int
	Conversations           int
}

// DefaultLimits are the production policy values.
func DefaultLimits() Limits {
	return Limits{
		MessagesPerConversation: 500,
		TotalMessages:           5000,
		Conversations:           100,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MessagesPerConversation <= 0 {
		l.MessagesPerConversation = d.MessagesPerConversation
	}
	if l.TotalMessages <= 0 {
		l.TotalMessages = d.TotalMessages
	}
	if l.Conversations <= 0 {
		l.Conversations = d.Conversations
	}
	return l
}

type entry struct {
	summary *chat.Conversation
	// messages is kept sorted by timestamp, newest first.
	messages  []chat.Message
	updatedAt int64 // unix millis of last put touching this conversation
}

// Cache is the bounded message/conversation store. All accessors return
// copies; callers never see live internals.
type Cache struct {
	mu      sync.RWMutex
	limits  Limits
	entries map[string]*entry
	// index maps both server message IDs and client temp IDs to the
	// owning conversation ID. Kept consistent through every eviction.
	index map[string]string
	total int
	now   func() time.Time
}

// New creates an empty cache with the given limits.
func New(limits Limits) *Cache {
	return &Cache{
		limits:  limits.withDefaults(),
		entries: make(map[string]*entry),
		index:   make(map[string]string),
		now:     time.Now,
	}
}

// statusRank orders the confirmed part of the status lifecycle. A cached
// confirmed status is never downgraded by a late optimistic or retried
// copy; everything below "sent" ranks equal so failed→queued retry resets
// still apply.
func statusRank(s chat.Status) int {
	switch s {
	case chat.StatusSent:
		return 1
	case chat.StatusDelivered:
		return 2
	case chat.StatusRead:
		return 3
	default:
		return 0
	}
}

// PutMessage inserts or reconciles a message in the conversation's list.
// A message matching an existing entry by server ID or client temp ID
// replaces it in place, merging identities so that an optimistic copy and
// its server confirmation converge to one entry regardless of arrival
// order. Non-matching messages are inserted in timestamp order.
func (c *Cache) PutMessage(conversationID string, msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[conversationID]
	if e == nil {
		c.ensureConversationCapacityLocked()
		e = &entry{}
		c.entries[conversationID] = e
	}
	e.updatedAt = c.now().UnixMilli()

	stored := msg.Clone()
	for i := range e.messages {
		if !e.messages[i].Matches(stored) {
			continue
		}
		existing := e.messages[i]
		if stored.ID == "" {
			stored.ID = existing.ID
		}
		if stored.ClientTempID == "" {
			stored.ClientTempID = existing.ClientTempID
		}
		if statusRank(existing.Status) > statusRank(stored.Status) {
			stored.Status = existing.Status
		}
		c.unindexLocked(existing)
		e.messages[i] = stored
		c.indexLocked(conversationID, stored)
		c.resortLocked(e, i)
		return
	}

	// Insert keeping newest-first order.
	pos := len(e.messages)
	for i := range e.messages {
		if stored.Timestamp >= e.messages[i].Timestamp {
			pos = i
			break
		}
	}
	e.messages = append(e.messages, chat.Message{})
	copy(e.messages[pos+1:], e.messages[pos:])
	e.messages[pos] = stored
	c.indexLocked(conversationID, stored)
	c.total++

	c.trimConversationLocked(conversationID, e)
	c.evictToLocked(c.limits.TotalMessages)
}

// resortLocked restores newest-first order around position i after an
// in-place replacement changed its timestamp.
func (c *Cache) resortLocked(e *entry, i int) {
	m := e.messages[i]
	for i > 0 && e.messages[i-1].Timestamp < m.Timestamp {
		e.messages[i] = e.messages[i-1]
		i--
		e.messages[i] = m
	}
	for i < len(e.messages)-1 && e.messages[i+1].Timestamp > m.Timestamp {
		e.messages[i] = e.messages[i+1]
		i++
		e.messages[i] = m
	}
}

func (c *Cache) indexLocked(conversationID string, m chat.Message) {
	if m.ID != "" {
		c.index[m.ID] = conversationID
	}
	if m.ClientTempID != "" {
		c.index[m.ClientTempID] = conversationID
	}
}

func (c *Cache) unindexLocked(m chat.Message) {
	if m.ID != "" {
		delete(c.index, m.ID)
	}
	if m.ClientTempID != "" {
		delete(c.index, m.ClientTempID)
	}
}

// trimConversationLocked drops the oldest messages of one conversation
// past the per-conversation cap.
func (c *Cache) trimConversationLocked(conversationID string, e *entry) {
	for len(e.messages) > c.limits.MessagesPerConversation {
		last := e.messages[len(e.messages)-1]
		c.unindexLocked(last)
		e.messages = e.messages[:len(e.messages)-1]
		c.total--
	}
	_ = conversationID
}

// evictToLocked brings the global message count down to max, evicting
// from the conversations holding the most messages first.
func (c *Cache) evictToLocked(max int) {
	for c.total > max {
		var victim *entry
		for _, e := range c.entries {
			if victim == nil || len(e.messages) > len(victim.messages) {
				victim = e
			}
		}
		if victim == nil || len(victim.messages) == 0 {
			return
		}
		last := victim.messages[len(victim.messages)-1]
		c.unindexLocked(last)
		victim.messages = victim.messages[:len(victim.messages)-1]
		c.total--
	}
}

// ensureConversationCapacityLocked makes room for one more conversation by
// evicting the least-recently-updated one.
func (c *Cache) ensureConversationCapacityLocked() {
	for len(c.entries) >= c.limits.Conversations {
		victimID := ""
		var victim *entry
		for id, e := range c.entries {
			if victim == nil || e.updatedAt < victim.updatedAt {
				victimID, victim = id, e
			}
		}
		if victim == nil {
			return
		}
		c.dropEntryLocked(victimID, victim)
	}
}

func (c *Cache) dropEntryLocked(id string, e *entry) {
	for _, m := range e.messages {
		c.unindexLocked(m)
	}
	c.total -= len(e.messages)
	delete(c.entries, id)
}

// ListMessages returns copies of the conversation's cached messages,
// newest first.
func (c *Cache) ListMessages(conversationID string) []chat.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[conversationID]
	if e == nil {
		return nil
	}
	out := make([]chat.Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.Clone()
	}
	return out
}

// FindMessage resolves a server message ID or client temp ID through the
// secondary index and returns a copy of the message and its conversation.
func (c *Cache) FindMessage(ref string) (chat.Message, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conversationID, ok := c.index[ref]
	if !ok {
		return chat.Message{}, "", false
	}
	e := c.entries[conversationID]
	if e == nil {
		return chat.Message{}, "", false
	}
	for _, m := range e.messages {
		if m.ID == ref || m.ClientTempID == ref {
			return m.Clone(), conversationID, true
		}
	}
	return chat.Message{}, "", false
}

// RemoveMessage drops a message by server ID or client temp ID.
func (c *Cache) RemoveMessage(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conversationID, ok := c.index[ref]
	if !ok {
		return false
	}
	e := c.entries[conversationID]
	if e == nil {
		return false
	}
	for i, m := range e.messages {
		if m.ID == ref || m.ClientTempID == ref {
			c.unindexLocked(m)
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			c.total--
			return true
		}
	}
	return false
}

// PutConversation inserts or replaces a conversation summary.
func (c *Cache) PutConversation(conv chat.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[conv.ID]
	if e == nil {
		c.ensureConversationCapacityLocked()
		e = &entry{}
		c.entries[conv.ID] = e
	}
	stored := conv.Clone()
	e.summary = &stored
	e.updatedAt = c.now().UnixMilli()
	if conv.UpdatedAt > 0 {
		e.updatedAt = conv.UpdatedAt
	}
}

// GetConversation returns a copy of the cached summary, if any.
func (c *Cache) GetConversation(id string) (chat.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[id]
	if e == nil || e.summary == nil {
		return chat.Conversation{}, false
	}
	return e.summary.Clone(), true
}

// ListConversations returns copies of every cached summary.
func (c *Cache) ListConversations() []chat.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []chat.Conversation
	for _, e := range c.entries {
		if e.summary != nil {
			out = append(out, e.summary.Clone())
		}
	}
	return out
}

// EvictTo bounds the global cached message count to maxTotalItems.
func (c *Cache) EvictTo(maxTotalItems int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictToLocked(maxTotalItems)
}

// TotalMessages returns the number of cached messages across all
// conversations.
func (c *Cache) TotalMessages() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// ClearConversation drops one conversation and its messages.
func (c *Cache) ClearConversation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[id]; e != nil {
		c.dropEntryLocked(id, e)
	}
}

// Clear empties the whole cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.index = make(map[string]string)
	c.total = 0
}
