package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mktplace-tools/chatsync/internal/bus"
)

// State represents the connection lifecycle state. It is owned exclusively
// by the Manager; other components only observe it.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Error        State = "error"
)

// validTransitions defines allowed state transitions. Error and
// reconnecting can be left by an explicit disconnect or a fresh connect.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Disconnected, Reconnecting},
	Reconnecting: {Connected, Error, Disconnected},
	Error:        {Connecting, Disconnected},
}

// StateChange is the payload published on every state transition.
type StateChange struct {
	From State
	To   State
}

// machine tracks and enforces connection state transitions, publishing a
// notification per transition. Transitions to the current state are
// suppressed rather than notified twice.
type machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

func newMachine(b *bus.Bus) *machine {
	return &machine{current: Disconnected, bus: b}
}

func (m *machine) state() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *machine) transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to},
		})
	}
	return nil
}
