package podman

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/deckhand-ai/deckhand/pkg/domain"
	"github.com/deckhand-ai/deckhand/pkg/sandbox"
)

// fakeContainer is the engine-side state of one container.
type fakeContainer struct {
	running     bool
	healthcheck bool
	health      string
}

// fakeEngine implements Engine in memory.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	images     map[string]bool
	calls      []string

	failCreate map[string]error
	startErr   error
	pingErr    error

	// inspectDelay widens the window between inspect and create.
	inspectDelay time.Duration

	execOutput   []string
	execExitCode int
	execSilent   bool // produce no output and keep the stream open

	pullMessages []jsonmessage.JSONMessage
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*fakeContainer),
		images:     map[string]bool{"base:latest": true},
		failCreate: make(map[string]error),
	}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func notFoundErr(what string) error {
	return errdefs.NotFound(fmt.Errorf("no such %s", what))
}

func (f *fakeEngine) Ping(ctx context.Context) (types.Ping, error) {
	f.record("ping")
	return types.Ping{}, f.pingErr
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, name string) (types.ContainerJSON, error) {
	f.record("inspect " + name)
	if f.inspectDelay > 0 {
		time.Sleep(f.inspectDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return types.ContainerJSON{}, notFoundErr("container")
	}
	cfg := &container.Config{}
	if c.healthcheck {
		cfg.Healthcheck = &container.HealthConfig{Test: []string{"CMD", "true"}}
	}
	state := &types.ContainerState{Running: c.running}
	if c.healthcheck {
		state.Health = &types.Health{Status: c.health}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{Name: "/" + name, State: state},
		Config:            cfg,
	}, nil
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.record("create " + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCreate[name]; err != nil {
		return container.CreateResponse{}, err
	}
	if _, ok := f.containers[name]; ok {
		return container.CreateResponse{}, errdefs.Conflict(
			fmt.Errorf("container name %q is already in use", name))
	}
	f.containers[name] = &fakeContainer{}
	return container.CreateResponse{ID: name}, nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, name string, _ types.ContainerStartOptions) error {
	f.record("start " + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[name]
	if !ok {
		return notFoundErr("container")
	}
	c.running = true
	if c.healthcheck {
		c.health = types.Healthy
	}
	return nil
}

func (f *fakeEngine) ContainerStop(ctx context.Context, name string, _ container.StopOptions) error {
	f.record("stop " + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return notFoundErr("container")
	}
	c.running = false
	return nil
}

func (f *fakeEngine) ContainerLogs(ctx context.Context, name string, _ types.ContainerLogsOptions) (io.ReadCloser, error) {
	f.record("logs " + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return nil, notFoundErr("container")
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeEngine) ContainerExecCreate(ctx context.Context, name string, _ types.ExecConfig) (types.IDResponse, error) {
	f.record("exec-create " + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok || !c.running {
		return types.IDResponse{}, notFoundErr("container")
	}
	return types.IDResponse{ID: "exec-" + name}, nil
}

func (f *fakeEngine) ContainerExecAttach(ctx context.Context, execID string, _ types.ExecStartCheck) (types.HijackedResponse, error) {
	f.record("exec-attach " + execID)
	clientConn, serverConn := net.Pipe()

	go func() {
		br := bufio.NewReader(serverConn)
		if _, err := br.ReadString('\n'); err != nil {
			serverConn.Close()
			return
		}
		if f.execSilent {
			// Leave the stream open; the bridge has to time out.
			return
		}
		out := stdcopy.NewStdWriter(serverConn, stdcopy.Stdout)
		for _, line := range f.execOutput {
			if _, err := out.Write([]byte(line + "\n")); err != nil {
				break
			}
		}
		serverConn.Close()
	}()

	return types.HijackedResponse{Conn: clientConn, Reader: bufio.NewReader(clientConn)}, nil
}

func (f *fakeEngine) ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error) {
	f.record("exec-inspect " + execID)
	return types.ContainerExecInspect{ExitCode: f.execExitCode}, nil
}

func (f *fakeEngine) ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error) {
	f.record("image-inspect " + image)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[image] {
		return types.ImageInspect{}, nil, notFoundErr("image")
	}
	return types.ImageInspect{ID: image}, nil, nil
}

func (f *fakeEngine) ImagePull(ctx context.Context, ref string, _ types.ImagePullOptions) (io.ReadCloser, error) {
	f.record("pull " + ref)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, msg := range f.pullMessages {
		enc.Encode(msg)
	}
	f.mu.Lock()
	f.images[ref] = true
	f.mu.Unlock()
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) Close() error { return nil }

var _ Engine = (*fakeEngine)(nil)

// fakeRunner simulates the podman machine CLI.
type fakeRunner struct {
	mu        sync.Mutex
	installed bool
	running   bool
	socket    string
	calls     []string

	initErr  error
	startErr error
	stopErr  error
	// blockInit, when non-nil, makes init wait until the channel closes.
	blockInit chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.Join(args, " "))
	r.mu.Unlock()

	if len(args) < 2 || args[0] != "machine" {
		return nil, fmt.Errorf("unexpected command %s %v", name, args)
	}
	switch args[1] {
	case "inspect":
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.installed {
			return nil, fmt.Errorf("podman machine inspect: VM does not exist")
		}
		state := "stopped"
		if r.running {
			state = "running"
		}
		out := fmt.Sprintf(`[{"State":%q,"ConnectionInfo":{"PodmanSocket":{"Path":%q}}}]`, state, r.socket)
		return []byte(out), nil
	case "init":
		if r.blockInit != nil {
			select {
			case <-r.blockInit:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if r.initErr != nil {
			return nil, r.initErr
		}
		r.mu.Lock()
		r.installed = true
		r.mu.Unlock()
		return nil, nil
	case "start":
		if r.startErr != nil {
			return nil, r.startErr
		}
		r.mu.Lock()
		r.running = true
		r.mu.Unlock()
		return nil, nil
	case "stop":
		if r.stopErr != nil {
			return nil, r.stopErr
		}
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected machine subcommand %q", args[1])
}

func (r *fakeRunner) callCount(sub string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, "machine "+sub) {
			n++
		}
	}
	return n
}

// recordSink collects emitted events.
type recordSink struct {
	mu     sync.Mutex
	events []sandbox.Event
}

func (s *recordSink) Emit(ev sandbox.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordSink) byType(t sandbox.EventType) []sandbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sandbox.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// captureSink is an in-memory WriteCloser for proxy tests.
type captureSink struct {
	bytes.Buffer
	closed bool
}

func (c *captureSink) Close() error {
	c.closed = true
	return nil
}

// memCatalog is an in-memory catalog.Store.
type memCatalog struct {
	defs []domain.ToolServerDefinition
}

func (m *memCatalog) ListInstalled(ctx context.Context) ([]domain.ToolServerDefinition, error) {
	return m.defs, nil
}

func (m *memCatalog) Get(ctx context.Context, id string) (*domain.ToolServerDefinition, error) {
	for i := range m.defs {
		if m.defs[i].ID == id {
			return &m.defs[i], nil
		}
	}
	return nil, fmt.Errorf("tool server not found: %s", id)
}

func (m *memCatalog) Install(ctx context.Context, def *domain.ToolServerDefinition) error {
	m.defs = append(m.defs, *def)
	return nil
}

func (m *memCatalog) Remove(ctx context.Context, id string) error {
	for i := range m.defs {
		if m.defs[i].ID == id {
			m.defs = append(m.defs[:i], m.defs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("tool server not found: %s", id)
}
