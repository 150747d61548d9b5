package status

import (
	"testing"

	"github.com/ttbazaar/chatd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connected, Reconnecting},
		{Connected, Disconnected},
		{Reconnecting, Connecting},
		{Reconnecting, Failed},
		{Failed, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail; must dial first")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindConnStateChanged {
		t.Errorf("event kind = %q, want conn.state_changed", evt.Kind)
	}
	change, ok := evt.Payload.(StateChange)
	if !ok {
		t.Fatalf("payload type = %T, want StateChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestFailedIsTerminalUntilReopen verifies that once retries are exhausted
// the machine stays in FAILED; only an explicit open (FAILED -> CONNECTING)
// resumes the lifecycle.
func TestFailedIsTerminalUntilReopen(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Failed)

	if err := m.Transition(Connected); err == nil {
		t.Fatal("Transition(FAILED -> CONNECTED) should fail")
	}
	if err := m.Transition(Reconnecting); err == nil {
		t.Fatal("Transition(FAILED -> RECONNECTING) should fail")
	}
	if m.Current() != Failed {
		t.Errorf("state = %s, want FAILED (should not have changed)", m.Current())
	}

	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("FAILED -> CONNECTING: %v", err)
	}
}

// TestDropReconnectCycle verifies the reconnect loop:
// CONNECTED -> RECONNECTING -> CONNECTING -> CONNECTED
func TestDropReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	steps := []State{Reconnecting, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Connected {
		t.Errorf("final state = %s, want CONNECTED", m.Current())
	}
}

// TestCloseFromAnyLiveState verifies close (-> DISCONNECTED) is reachable
// from every non-initial state.
func TestCloseFromAnyLiveState(t *testing.T) {
	for _, from := range []State{Connecting, Connected, Reconnecting, Failed} {
		t.Run(string(from), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, from)
			if err := m.Transition(Disconnected); err != nil {
				t.Errorf("%s -> DISCONNECTED: %v", from, err)
			}
		})
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Connected, Reconnecting},
		Failed:       {Connecting, Reconnecting, Failed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
