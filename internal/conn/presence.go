package conn

import (
	"sync"
	"time"

	"github.com/mktplace-tools/chatsync/internal/bus"
	"github.com/mktplace-tools/chatsync/internal/chat"
)

// presenceTracker holds the set of currently-online peers. Created and
// updated by inbound presence events, cleared wholesale on disconnect.
type presenceTracker struct {
	mu    sync.RWMutex
	users map[string]chat.OnlineUser
	bus   *bus.Bus
}

func newPresenceTracker(b *bus.Bus) *presenceTracker {
	return &presenceTracker{
		users: make(map[string]chat.OnlineUser),
		bus:   b,
	}
}

func (p *presenceTracker) setAll(users []chat.OnlineUser) {
	p.mu.Lock()
	p.users = make(map[string]chat.OnlineUser, len(users))
	for _, u := range users {
		if u.Online {
			p.users[u.UserID] = u
		}
	}
	p.mu.Unlock()
	p.notify()
}

func (p *presenceTracker) apply(u chat.OnlineUser) {
	p.mu.Lock()
	if u.Online {
		p.users[u.UserID] = u
	} else {
		delete(p.users, u.UserID)
	}
	p.mu.Unlock()
	p.notify()
}

// clear drops all presence state, notifying subscribers with an empty set.
func (p *presenceTracker) clear() {
	p.mu.Lock()
	p.users = make(map[string]chat.OnlineUser)
	p.mu.Unlock()
	p.notify()
}

func (p *presenceTracker) snapshot() []chat.OnlineUser {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]chat.OnlineUser, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, u)
	}
	return out
}

func (p *presenceTracker) isOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[userID]
	return ok
}

func (p *presenceTracker) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

func (p *presenceTracker) notify() {
	p.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   p.snapshot(),
	})
}
