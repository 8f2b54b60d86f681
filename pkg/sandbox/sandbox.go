package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/deckhand-ai/deckhand/pkg/domain"
)

// Typed errors surfaced by Manager operations. The HTTP layer branches on
// these to pick a response: an unknown id is a hard 404, a known id whose
// container has not finished initializing is a retryable condition.
var (
	// ErrNotFound means no sandbox is registered for the tool server id.
	ErrNotFound = errors.New("tool server not found")
	// ErrNotReady means the sandbox exists but its container is not healthy.
	ErrNotReady = errors.New("sandbox not ready")
)

// Manager is the single entry point the rest of the application uses to
// operate sandboxes. One implementation exists (podman.Manager); the
// interface keeps the HTTP layer testable without a container engine.
type Manager interface {
	// Start brings the runtime machine up and starts every installed tool
	// server in parallel. Per-server failures are collected in the report,
	// not returned as an error; only a machine-level failure is an error.
	Start(ctx context.Context) (*StartupReport, error)

	// StartServer starts (or creates) the sandbox for a single definition
	// and registers it. The machine must already be running.
	StartServer(ctx context.Context, def domain.ToolServerDefinition) error

	// StopServer stops the sandbox and removes it from the registry. Stopping
	// an unknown id is not an error.
	StopServer(ctx context.Context, id string) error

	// Exists reports whether a sandbox is registered for the id. This is an
	// in-memory check; it never calls the container engine.
	Exists(id string) bool

	// Proxy bridges one JSON-RPC request into the tool server's container and
	// streams the response to sink. The sink is always closed, and any
	// bridge-level failure is written to it as a JSON-RPC error object.
	// Returns ErrNotFound if no sandbox is registered for the id.
	Proxy(ctx context.Context, id string, request []byte, sink io.WriteCloser) error

	// Logs returns the tail of the sandbox's log file.
	Logs(id string, lines int) (*domain.LogBundle, error)

	// Status recomputes a snapshot of the machine and every sandbox.
	Status() domain.StatusSummary

	// Shutdown stops every sandbox and then the shared machine.
	Shutdown(ctx context.Context) error
}

// StartupReport is the settled outcome of a parallel startup fan-out.
// Failures never roll back servers that did start.
type StartupReport struct {
	Started  int             `json:"started"`
	Failures []ServerFailure `json:"failures,omitempty"`
}

// ServerFailure names one tool server that failed to start and why.
type ServerFailure struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Failed reports whether any server failed to start.
func (r *StartupReport) Failed() bool { return len(r.Failures) > 0 }
