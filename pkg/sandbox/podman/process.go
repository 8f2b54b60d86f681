package podman

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/deckhand-ai/deckhand/pkg/domain"
)

const (
	// LabelManager marks containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "deckhand"
	// LabelToolServerID records which tool server a container belongs to.
	LabelToolServerID = "tool-server-id"

	// containerPrefix namespaces every managed container name.
	containerPrefix = "deckhand-"

	healthPollInterval = 500 * time.Millisecond
	stopTimeoutSeconds = 10
)

// noLogsSentinel is returned instead of an error when a container has not
// produced a log file yet.
const noLogsSentinel = "No logs yet."

// Process binds one tool server to one container and owns its full
// lifecycle: create/start, health wait, log capture, and the request bridge.
// All state mutation happens inside the Process; callers read snapshots.
type Process struct {
	def    domain.ToolServerDefinition
	engine Engine

	image          string
	dataDir        string
	logDir         string
	healthTimeout  time.Duration
	requestTimeout time.Duration

	// opMu serializes lifecycle operations. Without it two concurrent starts
	// for the same tool server can both observe "not found" and race
	// creation; the loser would mark a live container as errored.
	opMu sync.Mutex

	mu      sync.Mutex
	state   domain.ContainerState
	lastErr string

	logMu     sync.Mutex
	logCancel context.CancelFunc
	logDone   chan struct{}
}

func newProcess(def domain.ToolServerDefinition, engine Engine, image, dataDir, logDir string,
	healthTimeout, requestTimeout time.Duration) *Process {
	return &Process{
		def:            def,
		engine:         engine,
		image:          image,
		dataDir:        dataDir,
		logDir:         logDir,
		healthTimeout:  healthTimeout,
		requestTimeout: requestTimeout,
		state:          domain.ContainerNotCreated,
	}
}

// ContainerName derives the deterministic container name for a tool server.
// The mapping is pure, so a restart after a crash finds the same container
// instead of creating a duplicate.
func ContainerName(serverName string) string {
	name := strings.ToLower(strings.TrimSpace(serverName))
	name = strings.ReplaceAll(name, " ", "-")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	return containerPrefix + b.String()
}

func (p *Process) containerName() string {
	return ContainerName(p.def.Name)
}

func (p *Process) logPath() string {
	return filepath.Join(p.logDir, p.containerName()+".log")
}

// Status returns a point-in-time snapshot of the sandbox.
func (p *Process) Status() domain.ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.ServerStatus{
		ID:            p.def.ID,
		Name:          p.def.Name,
		ContainerName: p.containerName(),
		State:         p.state,
		Error:         p.lastErr,
	}
}

func (p *Process) setState(state domain.ContainerState, errMsg string) {
	p.mu.Lock()
	p.state = state
	p.lastErr = errMsg
	p.mu.Unlock()
}

// StartOrCreate starts the existing container for this tool server, creating
// it first if the engine has never seen it. Outcomes of the initial start are
// classified three ways: already running (success, ensure logs are
// streaming), started (wait for health, then stream logs), and not found
// (fall through to creation).
func (p *Process) StartOrCreate(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.setState(domain.ContainerInitializing, "")
	if err := p.startOrCreate(ctx); err != nil {
		p.setState(domain.ContainerError, err.Error())
		return err
	}
	p.setState(domain.ContainerRunning, "")
	return nil
}

func (p *Process) startOrCreate(ctx context.Context) error {
	name := p.containerName()

	c, err := p.engine.ContainerInspect(ctx, name)
	switch {
	case notFound(err):
		return p.createAndStart(ctx)
	case err != nil:
		return fmt.Errorf("inspecting container %s: %w", name, err)
	case c.State != nil && c.State.Running:
		// Survived an application restart. Reuse it.
		slog.Info("Container already running", "container", name)
		return p.startLogStream()
	}

	err = p.engine.ContainerStart(ctx, name, types.ContainerStartOptions{})
	switch {
	case notFound(err):
		// Removed between inspect and start.
		return p.createAndStart(ctx)
	case err != nil:
		return fmt.Errorf("starting container %s: %w", name, err)
	}

	if err := p.waitHealthy(ctx); err != nil {
		return err
	}
	return p.startLogStream()
}

func (p *Process) createAndStart(ctx context.Context) error {
	name := p.containerName()
	cfg := &container.Config{
		Image: p.image,
		Cmd:   append([]string{p.def.ServerConfig.Command}, p.def.ServerConfig.Args...),
		Env:   p.buildEnv(),
		// Keep stdin open: the tool server speaks JSON-RPC on stdio.
		OpenStdin: true,
		Labels: map[string]string{
			LabelManager:      LabelManagerValue,
			LabelToolServerID: p.def.ID,
		},
	}
	hostCfg := &container.HostConfig{
		// Never auto-remove: the container must persist for request
		// proxying, restart reuse, and post-mortem log reads.
		AutoRemove: false,
	}

	if p.def.ServerConfig.Transport == domain.TransportHTTP && p.def.ServerConfig.Port > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.def.ServerConfig.Port))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		}
	}

	if _, err := p.engine.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name); err != nil {
		return fmt.Errorf("creating container %s: %w", name, err)
	}
	p.setState(domain.ContainerCreated, "")

	if err := p.engine.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", name, err)
	}

	if err := p.waitHealthy(ctx); err != nil {
		return err
	}
	return p.startLogStream()
}

// buildEnv merges the static server env with user-supplied config values,
// expanding {{ .data_dir }} template placeholders. User values win.
func (p *Process) buildEnv() []string {
	merged := make(map[string]string, len(p.def.ServerConfig.Env)+len(p.def.UserConfigValues))
	for k, v := range p.def.ServerConfig.Env {
		merged[k] = v
	}
	for k, v := range p.def.UserConfigValues {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+expandTemplates(v, p.dataDir))
	}
	return env
}

func expandTemplates(value, dataDir string) string {
	return strings.ReplaceAll(value, "{{ .data_dir }}", dataDir)
}

// waitHealthy blocks until the container's declared health check reports
// healthy. A container without a declared health check can never satisfy
// that condition, so it is considered ready immediately.
func (p *Process) waitHealthy(ctx context.Context) error {
	name := p.containerName()

	c, err := p.engine.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("inspecting container %s: %w", name, err)
	}
	if !hasHealthcheck(c) {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	defer cancel()

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("container %s not healthy after %s", name, p.healthTimeout)
		case <-ticker.C:
			c, err := p.engine.ContainerInspect(waitCtx, name)
			if err != nil {
				return fmt.Errorf("inspecting container %s during health wait: %w", name, err)
			}
			if c.State != nil && c.State.Health != nil {
				switch c.State.Health.Status {
				case types.Healthy:
					return nil
				case types.Unhealthy:
					return fmt.Errorf("container %s reported unhealthy", name)
				}
			}
		}
	}
}

func hasHealthcheck(c types.ContainerJSON) bool {
	if c.Config == nil || c.Config.Healthcheck == nil {
		return false
	}
	test := c.Config.Healthcheck.Test
	if len(test) == 0 || test[0] == "NONE" {
		return false
	}
	return true
}

// startLogStream begins appending the container's output to the per-container
// log file. Idempotent: an active stream is left alone.
func (p *Process) startLogStream() error {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	if p.logCancel != nil {
		return nil
	}

	if err := os.MkdirAll(p.logDir, 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(p.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fmt.Fprintf(f, "----- log stream started %s -----\n", time.Now().UTC().Format(time.RFC3339))

	ctx, cancel := context.WithCancel(context.Background())
	reader, err := p.engine.ContainerLogs(ctx, p.containerName(), types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
		Tail:       "0",
	})
	if err != nil {
		cancel()
		f.Close()
		return fmt.Errorf("attaching to container logs: %w", err)
	}

	done := make(chan struct{})
	p.logCancel = cancel
	p.logDone = done

	go func() {
		defer close(done)
		defer f.Close()
		defer reader.Close()
		// The log endpoint multiplexes stdout/stderr; demux both into the
		// same file.
		if _, err := stdcopy.StdCopy(f, f, reader); err != nil && ctx.Err() == nil {
			slog.Warn("Log stream ended unexpectedly", "container", p.containerName(), "error", err)
		}
		fmt.Fprintf(f, "----- log stream stopped %s -----\n", time.Now().UTC().Format(time.RFC3339))
	}()
	return nil
}

// stopLogStream cancels the log follower and waits for the file to be
// flushed and closed. Must complete before the container is stopped or the
// process is deregistered, so a later restart cannot race a lingering writer.
func (p *Process) stopLogStream() {
	p.logMu.Lock()
	cancel, done := p.logCancel, p.logDone
	p.logCancel, p.logDone = nil, nil
	p.logMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("Timed out waiting for log stream to close", "container", p.containerName())
	}
}

// StopContainer stops log capture, then the container. "Already stopped" and
// "not found" both count as success.
func (p *Process) StopContainer(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.setState(domain.ContainerStopping, "")
	p.stopLogStream()

	timeout := stopTimeoutSeconds
	err := p.engine.ContainerStop(ctx, p.containerName(), container.StopOptions{Timeout: &timeout})
	switch {
	case err == nil || notFound(err):
		// The engine collapses "already stopped" into success; "not found"
		// is also fine, there is nothing to stop.
	default:
		p.setState(domain.ContainerError, err.Error())
		return fmt.Errorf("stopping container %s: %w", p.containerName(), err)
	}

	p.setState(domain.ContainerStopped, "")
	return nil
}

// RecentLogs returns the last n lines from the container's log file, or a
// sentinel string if nothing has been written yet.
func (p *Process) RecentLogs(n int) (*domain.LogBundle, error) {
	bundle := &domain.LogBundle{
		ContainerName: p.containerName(),
		LogFilePath:   p.logPath(),
	}
	data, err := os.ReadFile(p.logPath())
	if os.IsNotExist(err) {
		bundle.Logs = noLogsSentinel
		return bundle, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}
	bundle.Logs = tailLines(string(data), n)
	return bundle, nil
}

func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// jsonRPCError is the envelope written to the sink when the bridge fails.
// The caller is itself bridging an HTTP response, so the sink must always
// receive well-formed JSON-RPC and then close.
func jsonRPCError(message string) []byte {
	env := map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    -32603,
			"message": "MCP proxy error: " + message,
		},
	}
	b, _ := json.Marshal(env)
	return append(b, '\n')
}

// StreamRequest bridges one JSON-RPC request into the container and streams
// the response to sink. The sink always receives either the server's
// response or a single JSON-RPC error object, and is always closed.
func (p *Process) StreamRequest(ctx context.Context, raw []byte, sink io.WriteCloser) error {
	err := p.streamRequest(ctx, raw, sink)
	if err != nil {
		sink.Write(jsonRPCError(err.Error()))
	}
	sink.Close()
	return err
}

func (p *Process) streamRequest(ctx context.Context, raw []byte, sink io.Writer) error {
	name := p.containerName()

	// Health is re-verified on every request. The container may have crashed
	// since the last poll; cached state is never trusted here.
	c, err := p.engine.ContainerInspect(ctx, name)
	switch {
	case notFound(err):
		return fmt.Errorf("container %s does not exist", name)
	case err != nil:
		return fmt.Errorf("inspecting container %s: %w", name, err)
	case c.State == nil || !c.State.Running:
		return fmt.Errorf("container %s is not running", name)
	case hasHealthcheck(c) && c.State.Health != nil && c.State.Health.Status != types.Healthy:
		return fmt.Errorf("container %s is not healthy (status %s)", name, c.State.Health.Status)
	}

	var req struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("invalid JSON-RPC request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	return p.bridgeRequest(reqCtx, raw, req.ID, sink)
}

// bridgeRequest is the exec-per-request substitute for a persistent
// stdin/stdout channel. It execs the tool server command inside the running
// container, writes the request on its stdin, and scans stdout for the
// response whose id matches. The narrow signature (request in, streamed
// bytes out) lets a persistent multiplexed bridge replace it without
// touching callers.
func (p *Process) bridgeRequest(ctx context.Context, raw []byte, id json.RawMessage, sink io.Writer) error {
	name := p.containerName()

	execResp, err := p.engine.ContainerExecCreate(ctx, name, types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          append([]string{p.def.ServerConfig.Command}, p.def.ServerConfig.Args...),
		Env:          p.buildEnv(),
	})
	if err != nil {
		return fmt.Errorf("creating exec in %s: %w", name, err)
	}

	attach, err := p.engine.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return fmt.Errorf("attaching exec in %s: %w", name, err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write(append(bytes.TrimRight(raw, "\n"), '\n')); err != nil {
		return fmt.Errorf("writing request to %s: %w", name, err)
	}

	// A notification carries no id and gets no response.
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		attach.CloseWrite()
		return nil
	}

	stdout, stdoutW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrLogger{server: p.def.Name}, attach.Reader)
		stdoutW.CloseWithError(err)
	}()

	matched := make(chan []byte, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if isResponseTo(line, id) {
				out := make([]byte, len(line)+1)
				copy(out, line)
				out[len(line)] = '\n'
				matched <- out
				return
			}
			// Handshake responses, notifications and plain log lines are
			// discarded until the matching response arrives.
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			scanErr <- err
			return
		}
		scanErr <- io.EOF
	}()

	select {
	case <-ctx.Done():
		attach.Close()
		return fmt.Errorf("timed out waiting for response from %s", name)
	case out := <-matched:
		if _, err := sink.Write(out); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		return nil
	case err := <-scanErr:
		if err == io.EOF {
			if inspect, ierr := p.engine.ContainerExecInspect(context.WithoutCancel(ctx), execResp.ID); ierr == nil && inspect.ExitCode != 0 {
				return fmt.Errorf("tool server exec in %s exited with code %d before responding", name, inspect.ExitCode)
			}
			return fmt.Errorf("tool server exec in %s ended without a response", name)
		}
		return fmt.Errorf("reading response from %s: %w", name, err)
	}
}

// isResponseTo reports whether line is a JSON-RPC response (has result or
// error plus an id) whose id equals the request id.
func isResponseTo(line []byte, id json.RawMessage) bool {
	var resp struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return false
	}
	if len(resp.Result) == 0 && len(resp.Error) == 0 {
		return false
	}
	return jsonEqual(resp.ID, id)
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// stderrLogger forwards exec stderr to the application log.
type stderrLogger struct {
	server string
}

func (l stderrLogger) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line != "" {
			slog.Debug("Tool server stderr", "server", l.server, "line", line)
		}
	}
	return len(b), nil
}
