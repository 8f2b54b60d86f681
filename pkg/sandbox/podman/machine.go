package podman

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/deckhand-ai/deckhand/pkg/domain"
	"github.com/deckhand-ai/deckhand/pkg/sandbox"
)

// Phase identifies which step of the machine startup pipeline failed. The
// caller uses it to decide between "retry the whole sequence" (install,
// start, socket discovery) and "retry the pull only" (image pull, where the
// machine itself is already usable).
type Phase string

const (
	PhaseInstall         Phase = "install"
	PhaseStart           Phase = "start"
	PhaseSocketDiscovery Phase = "socket-discovery"
	PhaseImagePull       Phase = "image-pull"
)

// MachineError wraps a startup failure with the pipeline phase it occurred in.
type MachineError struct {
	Phase Phase
	Err   error
}

func (e *MachineError) Error() string {
	return fmt.Sprintf("machine %s: %v", e.Phase, e.Err)
}

func (e *MachineError) Unwrap() error { return e.Err }

// CommandRunner executes a machine-control command and returns its stdout.
// The real implementation shells out to the podman CLI; tests substitute a
// fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err,
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// DialFunc connects to an engine socket. Swapped out in tests.
type DialFunc func(socketPath string) (Engine, error)

// Machine owns the lifecycle of the shared podman machine every sandbox
// container runs inside: installation, startup, engine-socket discovery, and
// the base-image pull. Exactly one Machine exists per Manager.
type Machine struct {
	name  string
	image string

	runner CommandRunner
	dial   DialFunc
	sink   sandbox.ProgressSink

	mu       sync.Mutex
	state    domain.MachineState
	pct      int
	message  string
	lastErr  string
	engine   Engine
	inflight *startAttempt
	pulling  *pullAttempt
}

type startAttempt struct {
	done chan struct{}
	err  error
}

type pullAttempt struct {
	done chan struct{}
	err  error
}

// NewMachine creates a Machine. runner and dial default to the real podman
// CLI and engine client when nil.
func NewMachine(name, image string, runner CommandRunner, dial DialFunc, sink sandbox.ProgressSink) *Machine {
	if runner == nil {
		runner = ExecRunner{}
	}
	if dial == nil {
		dial = Dial
	}
	if sink == nil {
		sink = sandbox.NopSink{}
	}
	return &Machine{
		name:   name,
		image:  image,
		runner: runner,
		dial:   dial,
		sink:   sink,
		state:  domain.MachineNotInstalled,
	}
}

// Engine returns the bound engine client, or nil before the first successful
// EnsureRunning.
func (m *Machine) Engine() Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// Status returns a point-in-time snapshot.
func (m *Machine) Status() domain.MachineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.MachineStatus{
		State:             m.state,
		StartupPercentage: m.pct,
		Message:           m.message,
		Error:             m.lastErr,
	}
}

// EnsureRunning brings the machine to a running, reachable state and makes
// the base image available. It is idempotent, and concurrent callers are
// coalesced: a second caller awaits the in-flight startup instead of
// re-triggering installation.
func (m *Machine) EnsureRunning(ctx context.Context) error {
	m.mu.Lock()
	if m.state == domain.MachineRunning && m.engine != nil {
		m.mu.Unlock()
		return nil
	}
	if a := m.inflight; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &startAttempt{done: make(chan struct{})}
	m.inflight = a
	m.state = domain.MachineInitializing
	m.lastErr = ""
	m.mu.Unlock()

	err := m.ensure(ctx)

	m.mu.Lock()
	m.inflight = nil
	if err != nil {
		m.state = domain.MachineError
		m.lastErr = err.Error()
	} else {
		m.state = domain.MachineRunning
		m.pct = 100
		m.message = "Sandbox runtime ready"
	}
	m.mu.Unlock()

	if err != nil {
		m.sink.Emit(sandbox.Event{Type: sandbox.EventStartupFailed, Message: err.Error()})
	} else {
		m.sink.Emit(sandbox.Event{Type: sandbox.EventStartupCompleted, Message: "Sandbox runtime ready", Percentage: 100})
	}

	a.err = err
	close(a.done)
	return err
}

func (m *Machine) ensure(ctx context.Context) error {
	m.sink.Emit(sandbox.Event{Type: sandbox.EventStartupStarted, Message: "Starting sandbox runtime"})
	m.progress(5, "Checking sandbox runtime")

	info, err := m.inspect(ctx)
	if err != nil {
		// Never installed: initialize the machine. This downloads a disk
		// image and can take minutes.
		m.progress(10, "Installing sandbox runtime (downloading machine image)")
		slog.Info("Installing podman machine", "name", m.name)
		if _, err := m.runner.Run(ctx, "podman", "machine", "init", m.name); err != nil {
			return &MachineError{Phase: PhaseInstall, Err: err}
		}
		m.progress(35, "Sandbox runtime installed")
		info, err = m.inspect(ctx)
		if err != nil {
			return &MachineError{Phase: PhaseInstall, Err: fmt.Errorf("machine installed but not inspectable: %w", err)}
		}
	}

	if info.State != "running" {
		m.progress(45, "Starting sandbox runtime machine")
		slog.Info("Starting podman machine", "name", m.name)
		if _, err := m.runner.Run(ctx, "podman", "machine", "start", m.name); err != nil {
			return &MachineError{Phase: PhaseStart, Err: err}
		}
		m.progress(60, "Sandbox runtime machine started")
	}

	// The machine claims to be running. Resolving and binding the engine
	// socket can still fail, which is a distinct error class from a failed
	// start.
	if err := m.bindEngine(ctx); err != nil {
		return err
	}
	m.progress(75, "Connected to container engine")

	if err := m.pullBaseImage(ctx); err != nil {
		return &MachineError{Phase: PhaseImagePull, Err: err}
	}
	return nil
}

// bindEngine resolves the machine's engine socket and dials it. The binding
// happens exactly once per process lifetime: once an engine client exists it
// is reused for every subsequent call, including after a stop/start cycle
// (the socket path is stable for a named machine).
func (m *Machine) bindEngine(ctx context.Context) error {
	m.mu.Lock()
	bound := m.engine != nil
	m.mu.Unlock()
	if bound {
		return nil
	}

	info, err := m.inspect(ctx)
	if err != nil {
		return &MachineError{Phase: PhaseSocketDiscovery, Err: err}
	}
	socket := info.ConnectionInfo.PodmanSocket.Path
	if socket == "" {
		return &MachineError{Phase: PhaseSocketDiscovery,
			Err: fmt.Errorf("machine %q reports state %q but exposes no engine socket", m.name, info.State)}
	}

	eng, err := m.dial(socket)
	if err != nil {
		return &MachineError{Phase: PhaseSocketDiscovery, Err: err}
	}
	if _, err := eng.Ping(ctx); err != nil {
		eng.Close()
		return &MachineError{Phase: PhaseSocketDiscovery,
			Err: fmt.Errorf("machine claims to be running but engine socket %s is unreachable: %w", socket, err)}
	}

	m.mu.Lock()
	m.engine = eng
	m.mu.Unlock()
	slog.Info("Engine socket bound", "socket", socket)
	return nil
}

type machineInfo struct {
	State          string `json:"State"`
	ConnectionInfo struct {
		PodmanSocket struct {
			Path string `json:"Path"`
		} `json:"PodmanSocket"`
	} `json:"ConnectionInfo"`
}

func (m *Machine) inspect(ctx context.Context) (*machineInfo, error) {
	out, err := m.runner.Run(ctx, "podman", "machine", "inspect", m.name)
	if err != nil {
		return nil, err
	}
	var infos []machineInfo
	if err := json.Unmarshal(out, &infos); err != nil {
		return nil, fmt.Errorf("parsing machine inspect output: %w", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("machine %q not found in inspect output", m.name)
	}
	return &infos[0], nil
}

// pullBaseImage makes the base container image available. A pull already in
// flight is awaited rather than duplicated, so progress is never
// double-reported; an image already present makes this a fast no-op.
func (m *Machine) pullBaseImage(ctx context.Context) error {
	m.mu.Lock()
	if a := m.pulling; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &pullAttempt{done: make(chan struct{})}
	m.pulling = a
	eng := m.engine
	m.mu.Unlock()

	err := m.pull(ctx, eng)

	m.mu.Lock()
	m.pulling = nil
	m.mu.Unlock()
	a.err = err
	close(a.done)
	return err
}

func (m *Machine) pull(ctx context.Context, eng Engine) error {
	if _, _, err := eng.ImageInspectWithRaw(ctx, m.image); err == nil {
		m.progress(100, "Base image already present")
		return nil
	} else if !notFound(err) {
		return fmt.Errorf("inspecting base image %s: %w", m.image, err)
	}

	slog.Info("Pulling base image", "image", m.image)
	m.progress(78, "Pulling base image "+m.image)

	reader, err := eng.ImagePull(ctx, m.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling base image %s: %w", m.image, err)
	}
	defer reader.Close()

	// The pull endpoint streams jsonmessage records per layer; fold them
	// into a single 0-100 percentage mapped onto the 78-99 band.
	layers := make(map[string][2]int64)
	lastPct := 78
	dec := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decoding pull progress: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("pulling base image %s: %s", m.image, msg.Error.Message)
		}
		if msg.ID != "" && msg.Progress != nil && msg.Progress.Total > 0 {
			layers[msg.ID] = [2]int64{msg.Progress.Current, msg.Progress.Total}
		}
		var current, total int64
		for _, l := range layers {
			current += l[0]
			total += l[1]
		}
		if total > 0 {
			pct := 78 + int(21*current/total)
			if pct > lastPct {
				lastPct = pct
				m.progress(pct, fmt.Sprintf("Pulling base image (%d%%)", 100*current/total))
			}
		}
	}

	m.progress(99, "Base image pulled")
	return nil
}

// Stop stops the machine, which implicitly stops every container inside it.
// No per-container operation is valid afterwards until EnsureRunning is
// called again. A machine that never came up has nothing to stop: skipping
// keeps a clean shutdown clean after a failed startup.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case domain.MachineNotInstalled, domain.MachineStopped:
		return nil
	case domain.MachineError:
		// A failed startup may still have left the machine running (the
		// image pull is the last phase); only then is there work to do.
		info, err := m.inspect(ctx)
		if err != nil || info.State != "running" {
			return nil
		}
	}

	m.mu.Lock()
	m.state = domain.MachineStopping
	m.mu.Unlock()

	if _, err := m.runner.Run(ctx, "podman", "machine", "stop", m.name); err != nil {
		m.mu.Lock()
		m.state = domain.MachineError
		m.lastErr = err.Error()
		m.mu.Unlock()
		return fmt.Errorf("stopping machine %s: %w", m.name, err)
	}

	m.mu.Lock()
	m.state = domain.MachineStopped
	m.pct = 0
	m.message = "Sandbox runtime stopped"
	m.mu.Unlock()
	return nil
}

func (m *Machine) progress(pct int, message string) {
	m.mu.Lock()
	m.pct = pct
	m.message = message
	m.mu.Unlock()
	m.sink.Emit(sandbox.Event{Type: sandbox.EventStartupProgress, Message: message, Percentage: pct})
}
