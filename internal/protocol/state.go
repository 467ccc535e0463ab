package protocol

import "slices"

// State is the lifecycle state of one worker process.
type State string

const (
	StateUnstarted State = "unstarted"
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateEncoding  State = "encoding"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateCrashed   State = "crashed"
	StateShutDown  State = "shut_down"
)

// Live reports whether a process in this state is expected to answer pings.
func (s State) Live() bool {
	switch s {
	case StateCrashed, StateShutDown:
		return false
	default:
		return true
	}
}

// Busy reports whether the state holds an active job or scan.
func (s State) Busy() bool {
	switch s {
	case StateScanning, StateEncoding, StatePaused, StateStopping:
		return true
	default:
		return false
	}
}

func (s State) String() string { return string(s) }

// Command is a controller-issued request.
type Command string

const (
	CmdSetUp                        Command = "SetUp"
	CmdStartScan                    Command = "StartScan"
	CmdStartEncode                  Command = "StartEncode"
	CmdStartEncodeFromSerializedJob Command = "StartEncodeFromSerializedJob"
	CmdPause                        Command = "Pause"
	CmdResume                       Command = "Resume"
	CmdStop                         Command = "Stop"
	CmdPing                         Command = "Ping"
	CmdShutdown                     Command = "Shutdown"
)

var commandRules = map[Command]struct {
	from []State
	to   State
}{
	CmdSetUp:                        {from: []State{StateUnstarted}, to: StateIdle},
	CmdStartScan:                    {from: []State{StateIdle}, to: StateScanning},
	CmdStartEncode:                  {from: []State{StateIdle}, to: StateEncoding},
	CmdStartEncodeFromSerializedJob: {from: []State{StateIdle}, to: StateEncoding},
	CmdPause:                        {from: []State{StateEncoding}, to: StatePaused},
	CmdResume:                       {from: []State{StatePaused}, to: StateEncoding},
	CmdStop:                         {from: []State{StateScanning, StateEncoding, StatePaused}, to: StateStopping},
	CmdPing:                         {from: []State{StateUnstarted, StateIdle, StateScanning, StateEncoding, StatePaused, StateStopping}},
	CmdShutdown:                     {from: []State{StateIdle, StateCrashed}, to: StateShutDown},
}

// Preconditions returns the states in which cmd may be issued.
func Preconditions(cmd Command) []State {
	rule, ok := commandRules[cmd]
	if !ok {
		return nil
	}
	return slices.Clone(rule.from)
}

// Allowed reports whether cmd may be issued from state.
func Allowed(cmd Command, state State) bool {
	rule, ok := commandRules[cmd]
	return ok && slices.Contains(rule.from, state)
}

// Target returns the state cmd moves to. Commands that do not transition
// (Ping) return the empty state.
func Target(cmd Command) State {
	return commandRules[cmd].to
}
