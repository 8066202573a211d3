// Package replicatedstore is the Replicated Store Core of spec.md
// §4.C: the role state machine, transaction tracker, primary commit
// path with simple-tx batching, and epoch/progress-vector management.
package replicatedstore

import (
	"sync"

	"github.com/cuemby/kvstore/internal/storeerr"
)

// State is one node of the role state machine. Each state corresponds
// to one of the original implementation's internal names (1Active
// meaning "primary, active", 2Active meaning "secondary, active",
// etc.); this package spells them out as PrimaryActive,
// SecondaryActive and so on.
type State int

const (
	StateCreated State = iota
	StateOpened
	StatePrimaryPassive
	StatePrimaryActive
	StatePrimaryActiveChange
	StatePrimaryActiveClose
	StateSecondaryPassive
	StateSecondaryActive
	StateSecondaryActiveChange
	StateSecondaryActiveClose
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateOpened:
		return "Opened"
	case StatePrimaryPassive:
		return "PrimaryPassive"
	case StatePrimaryActive:
		return "PrimaryActive"
	case StatePrimaryActiveChange:
		return "PrimaryActiveChange"
	case StatePrimaryActiveClose:
		return "PrimaryActiveClose"
	case StateSecondaryPassive:
		return "SecondaryPassive"
	case StateSecondaryActive:
		return "SecondaryActive"
	case StateSecondaryActiveChange:
		return "SecondaryActiveChange"
	case StateSecondaryActiveClose:
		return "SecondaryActiveClose"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is one state-machine trigger.
type Event int

const (
	EventOpen Event = iota
	EventChangeToPrimary
	EventChangeToSecondary
	EventStartTx
	EventFinishTx
	EventSecondaryPumpNull
	EventClose
)

// pendingChange records a deferred transition requested while
// transactions were outstanding; it fires once the transaction count
// reaches zero. Only ChangeToSecondary on an active primary ever
// defers (ChangeToPrimary on an active primary is a same-role no-op
// per the transition table).
type pendingChange struct {
	toSecondary bool
}

// StateMachine implements the exact transition table from
// original_source/src/prod/src/Store/ReplicatedStore.StateMachine.h.
// A role change to the same role is a no-op; +Tx is only legal on
// primary states; -Tx decrements and, once the count reaches zero
// inside a *Change/*Close state, applies the deferred transition.
type StateMachine struct {
	mu      sync.Mutex
	state   State
	txCount int
	pending pendingChange
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateCreated}
}

// State returns the current state under lock.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TransactionCount returns the current outstanding transaction count.
func (m *StateMachine) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txCount
}

// Open processes the Open event.
func (m *StateMachine) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return storeerr.New(storeerr.KindInvalidState)
	}
	m.state = StateOpened
	return nil
}

// ChangeToPrimary processes the Change1 event.
func (m *StateMachine) ChangeToPrimary() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateOpened:
		m.state = StatePrimaryPassive
		return nil
	case StatePrimaryPassive:
		return nil // same role, no-op
	case StateSecondaryPassive:
		m.state = StatePrimaryPassive
		return nil
	case StatePrimaryActive:
		return nil // same role, no-op
	default:
		return storeerr.New(storeerr.KindInvalidState)
	}
}

// ChangeToSecondary processes the Change2 event.
func (m *StateMachine) ChangeToSecondary() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateOpened, StatePrimaryPassive, StateSecondaryPassive:
		m.state = StateSecondaryActive
		return nil
	case StateSecondaryActive:
		return nil // same role, no-op
	case StatePrimaryActive:
		m.pending = pendingChange{toSecondary: true}
		m.state = StatePrimaryActiveChange
		return nil
	default:
		return storeerr.New(storeerr.KindInvalidState)
	}
}

// StartTx processes the +Tx event: legal only on primary states.
func (m *StateMachine) StartTx() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePrimaryPassive:
		m.state = StatePrimaryActive
		m.txCount++
		return nil
	case StatePrimaryActive:
		m.txCount++
		return nil
	default:
		return storeerr.New(storeerr.KindNotPrimary)
	}
}

// FinishTx processes the -Tx event: decrements the transaction count,
// applying a deferred role change or close once it reaches zero.
func (m *StateMachine) FinishTx() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.txCount == 0 {
		return storeerr.New(storeerr.KindInvalidState)
	}
	m.txCount--

	switch m.state {
	case StatePrimaryActive:
		if m.txCount == 0 {
			m.state = StatePrimaryPassive
		}
	case StatePrimaryActiveChange:
		if m.txCount == 0 {
			m.state = StateSecondaryActive
			m.pending = pendingChange{}
		}
	case StatePrimaryActiveClose:
		if m.txCount == 0 {
			m.state = StateClosed
		}
	}
	return nil
}

// SecondaryPumpNull processes the NullOp event: the secondary pump
// observed end-of-stream.
func (m *StateMachine) SecondaryPumpNull() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateSecondaryActive:
		m.state = StateSecondaryPassive
		return nil
	case StateSecondaryActiveChange:
		m.state = StatePrimaryPassive
		return nil
	case StateSecondaryActiveClose:
		m.state = StateClosed
		return nil
	default:
		return nil // no-op on every other state per the table's "x"
	}
}

// Close processes the Close event. Idempotent: re-entry into Closed
// succeeds without re-notifying waiters (callers are responsible for
// only notifying once, tracked externally via sync.Once if needed).
func (m *StateMachine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateCreated:
		return nil // no-op: nothing was ever opened to close
	case StateOpened, StatePrimaryPassive, StateSecondaryPassive:
		m.state = StateClosed
		return nil
	case StatePrimaryActive:
		if m.txCount == 0 {
			m.state = StateClosed
		} else {
			m.state = StatePrimaryActiveClose
		}
		return nil
	case StatePrimaryActiveChange:
		m.state = StatePrimaryActiveClose
		return nil
	case StatePrimaryActiveClose:
		return nil
	case StateSecondaryActive:
		m.state = StateSecondaryActiveClose
		return nil
	case StateSecondaryActiveChange:
		m.state = StateSecondaryActiveClose
		return nil
	case StateSecondaryActiveClose:
		return nil
	case StateClosed:
		return nil
	default:
		return storeerr.New(storeerr.KindInvalidState)
	}
}

// IsClosed reports whether the state machine has reached Closed.
func (m *StateMachine) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateClosed
}
