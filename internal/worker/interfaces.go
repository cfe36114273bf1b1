package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ListFlag runs the worker in introspection mode.
const ListFlag = "--list-interfaces"

// DefaultListTimeout bounds an interface listing.
const DefaultListTimeout = 5 * time.Second

// ErrParse marks worker output that is not a valid listing document.
var ErrParse = errors.New("failed to parse interface list")

// Interface is one capture device reported by the worker.
type Interface struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	IsUp         bool   `json:"isUp"`
	HasAddresses bool   `json:"hasAddresses"`
	IsLoopback   bool   `json:"isLoopback"`
}

// ListError carries the message of a listing the worker reported as failed.
type ListError struct {
	Message string
}

func (e *ListError) Error() string { return e.Message }

type listing struct {
	Success    bool               `json:"success"`
	Interfaces *[]json.RawMessage `json:"interfaces"`
	Error      string             `json:"error"`
}

// ListInterfaces runs path with ListFlag and parses what it prints.
func ListInterfaces(ctx context.Context, path string, timeout time.Duration, l *slog.Logger) ([]Interface, error) {
	if timeout <= 0 {
		timeout = DefaultListTimeout
	}
	if l == nil {
		l = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, ListFlag)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("timeout waiting for interface list after %s", timeout)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			l.Warn("list interfaces failed", "exit_code", ee.ExitCode(), "stderr", stderr.String())
			return nil, fmt.Errorf("failed to list interfaces (exit code %d)", ee.ExitCode())
		}
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	return ParseInterfaces(stdout.Bytes(), l)
}

// ParseInterfaces decodes a listing document. Surrounding whitespace is
// ignored. Entries without an id are dropped and logged; the rest of the
// listing is kept.
func ParseInterfaces(out []byte, l *slog.Logger) ([]Interface, error) {
	if l == nil {
		l = slog.Default()
	}
	var doc listing
	if err := json.Unmarshal(bytes.TrimSpace(out), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if !doc.Success {
		msg := doc.Error
		if msg == "" {
			msg = "Failed to list interfaces"
		}
		return nil, &ListError{Message: msg}
	}
	if doc.Interfaces == nil {
		return nil, fmt.Errorf("%w: missing interfaces", ErrParse)
	}
	ifaces := make([]Interface, 0, len(*doc.Interfaces))
	for i, raw := range *doc.Interfaces {
		var it Interface
		if err := json.Unmarshal(raw, &it); err != nil || it.ID == "" {
			l.Warn("dropping malformed interface entry", "index", i, "entry", string(raw), "error", err)
			continue
		}
		ifaces = append(ifaces, it)
	}
	return ifaces, nil
}
