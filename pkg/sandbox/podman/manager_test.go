package podman

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/deckhand-ai/deckhand/pkg/domain"
	"github.com/deckhand-ai/deckhand/pkg/sandbox"
)

func testManager(t *testing.T, eng *fakeEngine, defs ...domain.ToolServerDefinition) (*Manager, *recordSink) {
	t.Helper()
	runner := &fakeRunner{installed: true, running: true, socket: "/run/podman.sock"}
	sink := &recordSink{}
	m := NewManager(Config{
		MachineName: "test-machine",
		BaseImage:   "base:latest",
		DataDir:     t.TempDir(),
		LogDir:      t.TempDir(),
	}, &memCatalog{defs: defs}, sink,
		WithCommandRunner(runner),
		WithDialFunc(func(string) (Engine, error) { return eng, nil }),
	)
	return m, sink
}

func TestStartSettlesAllServers(t *testing.T) {
	alpha := testDef("alpha")
	beta := testDef("beta")
	eng := newFakeEngine()
	eng.failCreate[ContainerName(beta.Name)] = errors.New("image exploded")
	m, sink := testManager(t, eng, alpha, beta)

	report, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Started != 1 {
		t.Errorf("Started = %d, want 1", report.Started)
	}
	if len(report.Failures) != 1 || report.Failures[0].ID != beta.ID {
		t.Fatalf("Failures = %+v, want one failure for beta", report.Failures)
	}
	if !strings.Contains(report.Failures[0].Reason, "image exploded") {
		t.Errorf("failure reason = %q", report.Failures[0].Reason)
	}

	// Both servers are registered, including the failed one.
	if !m.Exists(alpha.ID) || !m.Exists(beta.ID) {
		t.Error("both servers should be registered after Start")
	}
	status := m.Status()
	if got := status.Servers[alpha.ID].State; got != domain.ContainerRunning {
		t.Errorf("alpha state = %s, want running", got)
	}
	if got := status.Servers[beta.ID]; got.State != domain.ContainerError || got.Error == "" {
		t.Errorf("beta status = %+v, want error with message", got)
	}

	if n := len(sink.byType(sandbox.EventServerStarted)); n != 1 {
		t.Errorf("%d server-started events, want 1", n)
	}
	if n := len(sink.byType(sandbox.EventServerFailed)); n != 1 {
		t.Errorf("%d server-failed events, want 1", n)
	}
}

func TestStartMachineFailureSkipsServers(t *testing.T) {
	alpha := testDef("alpha")
	eng := newFakeEngine()
	m, _ := testManager(t, eng, alpha)
	m.machine.runner = &fakeRunner{initErr: errors.New("no disk space")}

	if _, err := m.Start(context.Background()); err == nil {
		t.Fatal("expected machine error")
	}
	if m.Exists(alpha.ID) {
		t.Error("no server should be registered when the machine never came up")
	}
	if n := eng.callCount("create"); n != 0 {
		t.Errorf("create called %d times, want 0", n)
	}
}

func TestStartServerBeforeMachine(t *testing.T) {
	m, _ := testManager(t, newFakeEngine())
	if err := m.StartServer(context.Background(), testDef("alpha")); err == nil {
		t.Fatal("expected error before the machine is running")
	}
}

func TestProxyUnknownServer(t *testing.T) {
	eng := newFakeEngine()
	m, _ := testManager(t, eng)

	sink := &captureSink{}
	err := m.Proxy(context.Background(), "nope", []byte(`{"id":1}`), sink)
	if !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// The miss is resolved from the in-memory map alone.
	if len(eng.calls) != 0 {
		t.Errorf("engine touched on unknown id: %v", eng.calls)
	}
	if sink.Len() != 0 || sink.closed {
		t.Error("sink must be left untouched on unknown id")
	}
}

func TestProxyRoundTrip(t *testing.T) {
	alpha := testDef("alpha")
	eng := newFakeEngine()
	eng.execOutput = []string{`{"jsonrpc":"2.0","id":5,"result":{"ok":true}}`}
	m, _ := testManager(t, eng, alpha)

	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sink := &captureSink{}
	req := []byte(`{"jsonrpc":"2.0","id":5,"method":"tools/list"}`)
	if err := m.Proxy(context.Background(), alpha.ID, req, sink); err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if got := strings.TrimSpace(sink.String()); got != `{"jsonrpc":"2.0","id":5,"result":{"ok":true}}` {
		t.Errorf("sink received %q", got)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestStopServerDeregisters(t *testing.T) {
	alpha := testDef("alpha")
	eng := newFakeEngine()
	m, sink := testManager(t, eng, alpha)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.StopServer(context.Background(), alpha.ID); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	if m.Exists(alpha.ID) {
		t.Error("server still registered after stop")
	}
	if _, ok := m.Status().Servers[alpha.ID]; ok {
		t.Error("stopped server still in status summary")
	}
	if n := len(sink.byType(sandbox.EventServerStopped)); n != 1 {
		t.Errorf("%d server-stopped events, want 1", n)
	}

	// Unknown ids are a no-op.
	if err := m.StopServer(context.Background(), "nope"); err != nil {
		t.Fatalf("StopServer(unknown): %v", err)
	}
}

func TestLogsUnknownServer(t *testing.T) {
	m, _ := testManager(t, newFakeEngine())
	if _, err := m.Logs("nope", 10); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStatusSummaryIsACopy(t *testing.T) {
	alpha := testDef("alpha")
	m, _ := testManager(t, newFakeEngine(), alpha)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := m.Status()
	delete(first.Servers, alpha.ID)
	if _, ok := m.Status().Servers[alpha.ID]; !ok {
		t.Error("mutating a returned summary leaked into the manager")
	}
}

func TestShutdownAfterFailedStartupIsClean(t *testing.T) {
	eng := newFakeEngine()
	m, _ := testManager(t, eng, testDef("alpha"))
	m.machine.runner = &fakeRunner{initErr: errors.New("no disk space")}

	if _, err := m.Start(context.Background()); err == nil {
		t.Fatal("expected machine error")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after failed startup: %v", err)
	}
}

func TestShutdownStopsServersThenMachine(t *testing.T) {
	alpha := testDef("alpha")
	eng := newFakeEngine()
	m, _ := testManager(t, eng, alpha)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Exists(alpha.ID) {
		t.Error("server still registered after shutdown")
	}
	if n := eng.callCount("stop"); n != 1 {
		t.Errorf("container stop called %d times, want 1", n)
	}
	if st := m.Status().Machine.State; st != domain.MachineStopped {
		t.Errorf("machine state = %s, want stopped", st)
	}
}
