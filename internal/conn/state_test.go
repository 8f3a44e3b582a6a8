package conn

import (
	"testing"

	"github.com/mktplace-tools/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := newMachine(nil)
	if m.state() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", m.state())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		walk []State
	}{
		{[]State{Connecting, Connected}},
		{[]State{Connecting, Error, Connecting, Connected}},
		{[]State{Connecting, Connected, Reconnecting, Connected}},
		{[]State{Connecting, Connected, Reconnecting, Error}},
		{[]State{Connecting, Connected, Disconnected}},
		{[]State{Connecting, Connected, Reconnecting, Disconnected}},
	}
	for _, tt := range tests {
		m := newMachine(nil)
		for _, to := range tt.walk {
			if err := m.transition(to); err != nil {
				t.Errorf("walk %v: transition to %s: %v", tt.walk, to, err)
				break
			}
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := newMachine(nil)
	if err := m.transition(Connected); err == nil {
		t.Error("disconnected -> connected should fail without connecting first")
	}
	if m.state() != Disconnected {
		t.Errorf("state = %s, want disconnected (unchanged)", m.state())
	}
}

func TestDuplicateTransitionSuppressed(t *testing.T) {
	b := bus.New()
	events := 0
	b.Subscribe(bus.KindStateChanged, func(bus.Event) { events++ })

	m := newMachine(b)
	if err := m.transition(Connecting); err != nil {
		t.Fatal(err)
	}
	// Same-state transition: no error, no second notification.
	if err := m.transition(Connecting); err != nil {
		t.Errorf("duplicate transition error = %v, want nil", err)
	}
	if events != 1 {
		t.Errorf("got %d state-change events, want 1", events)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	var changes []StateChange
	b.Subscribe(bus.KindStateChanged, func(evt bus.Event) {
		changes = append(changes, evt.Payload.(StateChange))
	})

	m := newMachine(b)
	if err := m.transition(Connecting); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d events, want 1", len(changes))
	}
	if changes[0].From != Disconnected || changes[0].To != Connecting {
		t.Errorf("change = %+v, want disconnected -> connecting", changes[0])
	}
}
