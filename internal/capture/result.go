package capture

import "time"

// Outcome is the final classification of an attempt.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeTerminated Outcome = "terminated"
)

// State is a step of the attempt lifecycle:
// spawning, running, then completed, failed or terminated, then cleaned-up.
type State string

const (
	StateSpawning   State = "spawning"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTerminated State = "terminated"
	StateCleanedUp  State = "cleaned-up"
)

// Result is what a finished attempt reports.
type Result struct {
	Success bool
	// Location is the artifact's public location on success.
	Location string
	// Message is Location on success and a human readable reason otherwise.
	Message  string
	Key      string
	PID      int
	Outcome  Outcome
	ExitCode int
	TimedOut bool
	Elapsed  time.Duration
	Stdout   string
	Stderr   string
	// Err is nil on success, else a *SpawnError, *WorkerExitError or wraps
	// ErrArtifactMissing.
	Err error
}

func (r Result) state() State {
	switch r.Outcome {
	case OutcomeCompleted:
		return StateCompleted
	case OutcomeTerminated:
		return StateTerminated
	default:
		return StateFailed
	}
}
