package capture

import (
	"errors"
	"fmt"
	"strings"
)

// ErrArtifactMissing is returned when the worker ended cleanly but left no
// output file behind.
var ErrArtifactMissing = errors.New("capture finished but output file not found")

// SpawnError reports that the worker could not be started.
type SpawnError struct {
	Worker string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start worker %s: %v", e.Worker, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WorkerExitError reports a real non-zero exit code.
type WorkerExitError struct {
	Code   int
	Stderr string
}

func (e *WorkerExitError) Error() string {
	msg := fmt.Sprintf("worker exited with exit code %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}
