package podman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deckhand-ai/deckhand/pkg/catalog"
	"github.com/deckhand-ai/deckhand/pkg/domain"
	"github.com/deckhand-ai/deckhand/pkg/sandbox"
)

// Config carries the orchestrator settings.
type Config struct {
	// MachineName is the podman machine that hosts all sandboxes.
	MachineName string
	// BaseImage is the container image every tool server runs in.
	BaseImage string
	// DataDir is expanded into {{ .data_dir }} env templates.
	DataDir string
	// LogDir holds the per-container log files.
	LogDir string

	HealthTimeout  time.Duration
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 60 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Manager is the top-level orchestrator: it owns the runtime machine and the
// map from tool-server id to its sandboxed process. The map, not the engine,
// is authoritative for "does a sandbox exist"; engine queries are reserved
// for health checks, never the lookup hot path.
type Manager struct {
	cfg     Config
	machine *Machine
	catalog catalog.Store
	sink    sandbox.ProgressSink

	mu    sync.RWMutex
	procs map[string]*Process
}

var _ sandbox.Manager = (*Manager)(nil)

// Option customizes a Manager, mainly to substitute process-control and
// engine seams in tests.
type Option func(*Manager)

// WithCommandRunner replaces the podman CLI runner.
func WithCommandRunner(r CommandRunner) Option {
	return func(m *Manager) { m.machine.runner = r }
}

// WithDialFunc replaces the engine socket dialer.
func WithDialFunc(d DialFunc) Option {
	return func(m *Manager) { m.machine.dial = d }
}

// NewManager constructs a Manager. Callers own the instance; there is no
// process-wide singleton.
func NewManager(cfg Config, cat catalog.Store, sink sandbox.ProgressSink, opts ...Option) *Manager {
	cfg.applyDefaults()
	if sink == nil {
		sink = sandbox.NopSink{}
	}
	m := &Manager{
		cfg:     cfg,
		machine: NewMachine(cfg.MachineName, cfg.BaseImage, nil, nil, sink),
		catalog: cat,
		sink:    sink,
		procs:   make(map[string]*Process),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start brings the machine up, then starts every installed tool server in
// parallel. Per-server failures are settled and collected; one failure never
// cancels or rolls back its siblings. Only machine-level failures are
// returned as an error.
func (m *Manager) Start(ctx context.Context) (*sandbox.StartupReport, error) {
	if err := m.machine.EnsureRunning(ctx); err != nil {
		return nil, err
	}

	defs, err := m.catalog.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading installed tool servers: %w", err)
	}

	errs := make([]error, len(defs))
	var wg sync.WaitGroup
	for i, def := range defs {
		wg.Add(1)
		go func(i int, def domain.ToolServerDefinition) {
			defer wg.Done()
			errs[i] = m.StartServer(ctx, def)
		}(i, def)
	}
	wg.Wait()

	report := &sandbox.StartupReport{}
	for i, def := range defs {
		if errs[i] != nil {
			report.Failures = append(report.Failures, sandbox.ServerFailure{
				ID:     def.ID,
				Name:   def.Name,
				Reason: errs[i].Error(),
			})
		} else {
			report.Started++
		}
	}
	if report.Failed() {
		slog.Warn("Some tool servers failed to start",
			"started", report.Started, "failed", len(report.Failures))
	} else {
		slog.Info("All tool servers started", "count", report.Started)
	}
	return report, nil
}

// StartServer starts (or creates) the sandbox for one definition. The
// process is registered even when startup fails, so status queries can
// report the error and a retry reuses the same entry.
func (m *Manager) StartServer(ctx context.Context, def domain.ToolServerDefinition) error {
	engine := m.machine.Engine()
	if engine == nil {
		return fmt.Errorf("starting tool server %s: runtime machine is not running", def.Name)
	}

	m.mu.Lock()
	proc, ok := m.procs[def.ID]
	if !ok {
		proc = newProcess(def, engine, m.cfg.BaseImage, m.cfg.DataDir, m.cfg.LogDir,
			m.cfg.HealthTimeout, m.cfg.RequestTimeout)
		m.procs[def.ID] = proc
	}
	m.mu.Unlock()

	m.sink.Emit(sandbox.Event{Type: sandbox.EventServerStarting, ToolServerID: def.ID,
		Message: "Starting " + def.Name})

	if err := proc.StartOrCreate(ctx); err != nil {
		m.sink.Emit(sandbox.Event{Type: sandbox.EventServerFailed, ToolServerID: def.ID,
			Message: err.Error()})
		return fmt.Errorf("starting tool server %s: %w", def.Name, err)
	}

	m.sink.Emit(sandbox.Event{Type: sandbox.EventServerStarted, ToolServerID: def.ID,
		Message: def.Name + " running"})
	return nil
}

// StopServer stops the sandbox and deregisters it. The stop (including log
// stream teardown) completes before the map entry is removed, so a
// subsequent StartServer for the same identity cannot race a lingering log
// writer. Unknown ids are a no-op.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	m.mu.RLock()
	proc, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := proc.StopContainer(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.procs, id)
	m.mu.Unlock()

	m.sink.Emit(sandbox.Event{Type: sandbox.EventServerStopped, ToolServerID: id})
	return nil
}

// Exists is the O(1) fast-path membership check used by the proxy route.
func (m *Manager) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.procs[id]
	return ok
}

// Proxy looks up the sandbox and bridges the request into it. Unknown ids
// fail fast with sandbox.ErrNotFound before any engine call; in that case
// the sink is left untouched for the caller to handle.
func (m *Manager) Proxy(ctx context.Context, id string, request []byte, sink io.WriteCloser) error {
	m.mu.RLock()
	proc, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return proc.StreamRequest(ctx, request, sink)
}

// Logs returns the tail of the sandbox's log file.
func (m *Manager) Logs(id string, lines int) (*domain.LogBundle, error) {
	m.mu.RLock()
	proc, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return proc.RecentLogs(lines)
}

// Status recomputes the summary from live state on every call. Nothing is
// memoized, so it can never lag behind a state transition.
func (m *Manager) Status() domain.StatusSummary {
	summary := domain.StatusSummary{
		Machine: m.machine.Status(),
		Servers: make(map[string]domain.ServerStatus),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, proc := range m.procs {
		summary.Servers[id] = proc.Status()
	}
	return summary
}

// Shutdown stops every sandbox, then the shared machine. Per-sandbox stop
// failures are collected but do not abort the machine stop: the machine
// going down stops every container anyway.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.StopServer(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.machine.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
