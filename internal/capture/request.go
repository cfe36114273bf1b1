package capture

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loykin/capturectl/internal/worker"
)

// DefaultOutput is the artifact name used when a request names none.
const DefaultOutput = "packet_capture.csv"

// ErrInvalidRequest wraps every validation failure of a Request.
var ErrInvalidRequest = errors.New("invalid capture request")

// Request is a capture request as received from a caller.
type Request struct {
	Output      string `json:"output"`
	Interface   string `json:"iface"`
	Filter      string `json:"filter"`
	Duration    *int   `json:"duration,omitempty"`
	Promiscuous string `json:"promiscuous"`
}

// Normalized is a validated request.
type Normalized struct {
	// Key is the output file name, which also identifies the capture.
	Key      string
	Artifact string
	Location string
	Args     worker.Args
}

// KeyFor returns the capture key for an output name: its base name, so a
// path in the request can never leave the public directory.
func KeyFor(output string) string {
	return filepath.Base(filepath.Clean("/" + filepath.ToSlash(strings.TrimSpace(output))))
}

// Normalize applies defaults and validates r against publicDir, the directory
// artifacts are written to.
func (r Request) Normalize(publicDir string) (Normalized, error) {
	out := strings.TrimSpace(r.Output)
	if out == "" {
		out = DefaultOutput
	}
	name := KeyFor(out)
	if name == "/" || name == "." || strings.HasPrefix(name, ".") {
		return Normalized{}, fmt.Errorf("%w: invalid output name %q", ErrInvalidRequest, r.Output)
	}
	filter, err := worker.ParseFilter(r.Filter)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	dur := 10
	if r.Duration != nil {
		dur = *r.Duration
	}
	if dur < 0 {
		return Normalized{}, fmt.Errorf("%w: duration must be >= 0", ErrInvalidRequest)
	}
	iface := strings.TrimSpace(r.Interface)
	if iface == "" {
		iface = worker.AutoInterface
	}
	artifact := filepath.Join(publicDir, name)
	return Normalized{
		Key:      name,
		Artifact: artifact,
		Location: "/" + name,
		Args: worker.Args{
			Output:      artifact,
			Interface:   iface,
			Filter:      filter,
			Duration:    dur,
			Promiscuous: worker.ParsePromiscuous(r.Promiscuous),
		},
	}, nil
}

// Params returns the attempt parameters for running n with workerPath.
func (n Normalized) Params(workerPath string) Params {
	return Params{
		Key:      n.Key,
		Worker:   workerPath,
		Args:     n.Args.Positional(),
		Artifact: n.Artifact,
		Location: n.Location,
		Duration: n.Args.Duration,
	}
}
