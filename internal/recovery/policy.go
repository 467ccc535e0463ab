package recovery

import (
	"fmt"

	"encodeq/internal/faults"
)

// Cause names why a session was declared dead.
type Cause string

const (
	CauseDisconnect  Cause = "disconnect"
	CausePingTimeout Cause = "ping_timeout"
	CauseExit        Cause = "process_exit"
	CauseStopTimeout Cause = "stop_timeout"
	CauseFatalError  Cause = "fatal_error"
	CauseProtocol    Cause = "protocol_violation"
	CauseSpawn       Cause = "spawn_failed"
)

// Action is what happens to the in-flight job.
type Action string

const (
	ActionNone    Action = "none"
	ActionRequeue Action = "requeue"
	ActionFail    Action = "fail"
	ActionCancel  Action = "cancel"
)

// Verdict is the recovery decision for one crash.
type Verdict struct {
	Action Action
	Reason string
	// Surface is the error callers see when the job fails.
	Surface error
}

// Policy holds the retry budget.
type Policy struct {
	MaxCrashRetries int
	MissesToConfirm int
}

// DefaultPolicy retries a crashed job once and confirms a hang after two
// consecutive ping timeouts.
func DefaultPolicy() Policy {
	return Policy{MaxCrashRetries: 1, MissesToConfirm: 2}
}

// Incident describes a dead session and what it was doing.
type Incident struct {
	Cause Cause
	Err   error
	// HasJob is false when the session died while idle or scanning.
	HasJob     bool
	RetryCount int
	// Stopping is true when the user had asked the job to stop.
	Stopping bool
}

// Decide returns the verdict for an incident. A job the user was stopping
// is cancelled. A fatal worker-reported error fails the job without retry.
// Any other crash requeues the job while retry budget remains.
func (p Policy) Decide(in Incident) Verdict {
	if !in.HasJob {
		return Verdict{Action: ActionNone, Reason: describe(in)}
	}
	reason := describe(in)
	switch {
	case in.Stopping:
		return Verdict{Action: ActionCancel, Reason: "stop escalated to termination: " + reason}
	case in.Cause == CauseFatalError:
		return Verdict{
			Action:  ActionFail,
			Reason:  reason,
			Surface: faults.Wrap(faults.ErrWorkerReported, "recovery", "decide", reason, in.Err),
		}
	case in.RetryCount < p.MaxCrashRetries:
		return Verdict{Action: ActionRequeue, Reason: reason}
	default:
		return Verdict{
			Action: ActionFail,
			Reason: fmt.Sprintf("%s (retry budget of %d exhausted)", reason, p.MaxCrashRetries),
			Surface: faults.Wrap(faults.ErrProcessCrash, "recovery", "decide",
				fmt.Sprintf("crashed after %d retries", in.RetryCount), in.Err),
		}
	}
}

func describe(in Incident) string {
	if in.Err == nil {
		return string(in.Cause)
	}
	return fmt.Sprintf("%s: %v", in.Cause, in.Err)
}
