package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wabridge/internal/bus"
)

// State is the connection state of the chat client.
type State string

const (
	Disconnected State = "disconnected"
	QRPending    State = "qr_pending"
	Connecting   State = "connecting"
	Ready        State = "ready"
)

// validTransitions defines which lifecycle events each state accepts.
// A pairing challenge may be reissued while pending, and a handshake can be
// interrupted from any state.
var validTransitions = map[State][]State{
	Disconnected: {QRPending, Connecting},
	QRPending:    {QRPending, Connecting, Disconnected},
	Connecting:   {QRPending, Ready, Disconnected},
	Ready:        {Disconnected},
}

// Snapshot is a consistent copy of the connection state.
type Snapshot struct {
	State               State
	PairingArtifact     string
	PendingAccountReset bool
	AccountID           string
}

// Machine tracks the chat client lifecycle along with the pairing artifact and
// the pending account reset flag.
type Machine struct {
	mu           sync.RWMutex
	current      State
	artifact     string
	pendingReset bool
	accountID    string
	bus          *bus.Bus
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the full connection state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:               m.current,
		PairingArtifact:     m.artifact,
		PendingAccountReset: m.pendingReset,
		AccountID:           m.accountID,
	}
}

// IsReady reports whether the client is operational.
func (m *Machine) IsReady() bool {
	return m.Current() == Ready
}

// Pairing moves to QRPending and stores the pairing artifact.
func (m *Machine) Pairing(code string) error {
	return m.transition(QRPending, code)
}

// Authenticated moves to Connecting once credentials are accepted.
func (m *Machine) Authenticated() error {
	return m.transition(Connecting, "")
}

// MarkReady moves to Ready and remembers the account identity.
func (m *Machine) MarkReady(accountID string) error {
	if err := m.transition(Ready, ""); err != nil {
		return err
	}
	m.mu.Lock()
	m.accountID = accountID
	m.mu.Unlock()
	return nil
}

// Disconnect moves to Disconnected. It is accepted from any state and is a
// no-op when already disconnected.
func (m *Machine) Disconnect() {
	if m.Current() == Disconnected {
		return
	}
	_ = m.transition(Disconnected, "")
}

// Reset returns the machine to its initial state, keeping the pending reset flag
// since that reflects persisted data rather than the connection.
func (m *Machine) Reset() {
	m.Disconnect()
	m.mu.Lock()
	m.accountID = ""
	m.mu.Unlock()
}

// SetPendingAccountReset raises or clears the account reset gate.
func (m *Machine) SetPendingAccountReset(pending bool) {
	m.mu.Lock()
	changed := m.pendingReset != pending
	m.pendingReset = pending
	m.mu.Unlock()
	if changed && m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindAccountReset, pending))
	}
}

// PendingAccountReset reports whether an account change awaits operator review.
func (m *Machine) PendingAccountReset() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingReset
}

func (m *Machine) transition(to State, artifact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.artifact = artifact
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
