package protocol

import (
	"fmt"
	"sync"
	"time"

	"encodeq/internal/faults"
)

const defaultAuditLimit = 256

// AuditEntry records one state change.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Cause  string    `json:"cause"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Detail string    `json:"detail,omitempty"`
}

// Machine tracks the protocol state of one worker process. All methods are
// safe for concurrent use; the mutex serializes command issuance against
// inbound events for the session that owns it.
type Machine struct {
	mu    sync.Mutex
	state State
	audit []AuditEntry
	limit int
	now   func() time.Time
}

// NewMachine returns a machine in StateUnstarted.
func NewMachine() *Machine {
	return &Machine{state: StateUnstarted, limit: defaultAuditLimit, now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check validates cmd against the current state without transitioning.
func (m *Machine) Check(cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(cmd)
}

func (m *Machine) checkLocked(cmd Command) error {
	if _, ok := commandRules[cmd]; !ok {
		return faults.Wrap(faults.ErrProtocolViolation, "protocol", string(cmd), "unknown command", nil)
	}
	if !Allowed(cmd, m.state) {
		return fmt.Errorf("%w: %s not allowed in %s", faults.ErrInvalidState, cmd, m.state)
	}
	return nil
}

// Issue validates cmd and applies its transition. On failure the state is
// unchanged and the error matches faults.ErrInvalidState.
func (m *Machine) Issue(cmd Command) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(cmd); err != nil {
		return m.state, err
	}
	if to := Target(cmd); to != "" {
		m.transitionLocked("command:"+string(cmd), to, "")
	}
	return m.state, nil
}

// Observe applies the transition driven by an inbound event and reports
// whether the state changed. Terminal events win over any pending command.
// Events arriving after the process is Crashed or ShutDown are ignored.
func (m *Machine) Observe(evt Event) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Live() || m.state == StateUnstarted {
		return m.state, false
	}
	var to State
	switch evt.Type {
	case EventScanComplete, EventEncodeComplete, EventEncodeStopped:
		to = StateIdle
	case EventEncodeError:
		to = StateIdle
		if evt.Error != nil && evt.Error.Fatal {
			to = StateCrashed
		}
	default:
		return m.state, false
	}
	if to == m.state {
		return m.state, false
	}
	detail := evt.JobID
	if evt.Error != nil {
		detail = evt.Error.Reason
	}
	m.transitionLocked("event:"+string(evt.Type), to, detail)
	return m.state, true
}

// Reject undoes the transition of a command the worker refused. If the
// machine still sits in cmd's target state it moves to reported, the state
// the worker was in. It reports whether the state changed.
func (m *Machine) Reject(cmd Command, reported State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	to := Target(cmd)
	if to == "" || m.state != to || reported == "" || reported == to {
		return m.state, false
	}
	if !reported.Live() || reported == StateUnstarted {
		return m.state, false
	}
	m.transitionLocked("rejected:"+string(cmd), reported, "")
	return m.state, true
}

// ForceCrash moves any live state to Crashed. It returns false if the
// machine was already Crashed or ShutDown.
func (m *Machine) ForceCrash(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Live() {
		return false
	}
	m.transitionLocked("crash", StateCrashed, reason)
	return true
}

// Audit returns a copy of the recorded transitions, oldest first.
func (m *Machine) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *Machine) transitionLocked(cause string, to State, detail string) {
	entry := AuditEntry{At: m.now(), Cause: cause, From: m.state, To: to, Detail: detail}
	m.state = to
	if len(m.audit) == m.limit {
		copy(m.audit, m.audit[1:])
		m.audit = m.audit[:m.limit-1]
	}
	m.audit = append(m.audit, entry)
}
