package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/events"
	"github.com/skillfulagents/workstation/internal/events/bus"
	"github.com/skillfulagents/workstation/internal/runtime"
)

// fakeRuntime simulates a container runtime whose "containers" answer health
// probes from a local httptest server.
type fakeRuntime struct {
	mu           sync.Mutex
	avail        runtime.Availability
	imagePresent bool
	port         int // port every container runs on
	running      map[string]bool
	runCalls     int
	pullStarted  chan struct{}
	pullErr      error
}

func newFakeRuntime(port int) *fakeRuntime {
	return &fakeRuntime{
		avail:        runtime.Availability{Installed: true, Running: true},
		imagePresent: true,
		port:         port,
		running:      map[string]bool{},
		pullStarted:  make(chan struct{}, 1),
	}
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Available(context.Context) runtime.Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avail
}

func (f *fakeRuntime) Start(context.Context) error { return nil }

func (f *fakeRuntime) ImagePresent(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imagePresent, nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, _ string, progress func(runtime.PullProgress)) error {
	select {
	case f.pullStarted <- struct{}{}:
	default:
	}
	if f.pullErr != nil {
		return f.pullErr
	}
	if progress != nil {
		progress(runtime.PullProgress{Layer: "layer-1", Percent: 100})
	}
	f.mu.Lock()
	f.imagePresent = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, spec runtime.RunSpec) (*runtime.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	f.running[spec.AgentSlug] = true
	return &runtime.RunResult{ContainerID: "ctr-" + spec.AgentSlug, Port: f.port}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, agentSlug string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, agentSlug)
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, agentSlug string) (*runtime.InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[agentSlug] {
		return &runtime.InspectResult{Running: true, Port: f.port}, nil
	}
	return &runtime.InspectResult{Running: false}, nil
}

func (f *fakeRuntime) Exec(context.Context, string, []string, string) (*runtime.ExecResult, error) {
	return &runtime.ExecResult{}, nil
}

func (f *fakeRuntime) setRunning(slug string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if running {
		f.running[slug] = true
	} else {
		delete(f.running, slug)
	}
}

type fakeSettings struct{}

func (fakeSettings) ContainerRunner() string           { return "fake" }
func (fakeSettings) AgentImage() string                { return "ghcr.io/test/agent:latest" }
func (fakeSettings) ResourceLimits() (float64, string) { return 1, "1g" }
func (fakeSettings) AgentEnv(string) []string          { return nil }
func (fakeSettings) AgentWorkspace(string) string      { return "" }

func healthzServer(t *testing.T) (int, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port, srv.Close
}

func newTestManager(t *testing.T, rt *fakeRuntime) (*Manager, *bus.MemoryEventBus) {
	t.Helper()
	log := logger.Default()
	registry := runtime.NewRegistryWithRuntimes(log, rt)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := config.ContainerConfig{
		StartTimeout:       10,
		StopTimeout:        2,
		StatusSyncInterval: 1,
		HealthInterval:     1,
		StopConcurrency:    2,
	}
	return NewManager(registry, fakeSettings{}, eventBus, cfg, log), eventBus
}

func TestStartIsIdempotent(t *testing.T) {
	port, cleanup := healthzServer(t)
	defer cleanup()
	rt := newFakeRuntime(port)
	m, _ := newTestManager(t, rt)

	got, err := m.Start(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, port, got)

	again, err := m.Start(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, rt.runCalls, "second start must not run a new container")

	status := m.GetStatus("a1")
	assert.Equal(t, StatusRunning, status.Status)
	assert.True(t, m.HasRunningAgents())
}

func TestStartFailsWhenRuntimeUnavailable(t *testing.T) {
	rt := newFakeRuntime(0)
	rt.avail = runtime.Availability{Installed: true, Running: false, CanStart: true}
	m, _ := newTestManager(t, rt)

	_, err := m.Start(context.Background(), "a1")
	assert.True(t, apperr.IsKind(err, apperr.CodeRuntimeUnavailable))
}

func TestStartWithMissingImageKicksPull(t *testing.T) {
	port, cleanup := healthzServer(t)
	defer cleanup()
	rt := newFakeRuntime(port)
	rt.imagePresent = false
	m, _ := newTestManager(t, rt)

	_, err := m.Start(context.Background(), "a1")
	assert.True(t, apperr.IsKind(err, apperr.CodeImagePullFailed))

	select {
	case <-rt.pullStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pull to be started")
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	port, cleanup := healthzServer(t)
	defer cleanup()
	rt := newFakeRuntime(port)
	m, eventBus := newTestManager(t, rt)

	sub := eventBus.Subscribe("test")
	defer sub.Unsubscribe()

	_, err := m.Start(context.Background(), "a1")
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), "a1"))

	status := m.GetStatus("a1")
	assert.Equal(t, StatusStopped, status.Status)
	assert.False(t, m.HasRunningAgents())

	// The event stream carried the full transition sequence.
	var sequence []string
	deadline := time.After(time.Second)
	for len(sequence) < 4 {
		select {
		case event := <-sub.C():
			if event.Type == events.TypeAgentStatusChanged {
				sequence = append(sequence, event.Data.(events.AgentStatusPayload).Status)
			}
		case <-deadline:
			t.Fatalf("incomplete status sequence: %v", sequence)
		}
	}
	assert.Equal(t, []string{StatusStarting, StatusRunning, StatusStopping, StatusStopped}, sequence)

	// Stopping an already-stopped agent is a no-op.
	assert.NoError(t, m.Stop(context.Background(), "a1"))
}

func TestSyncFlipsUnexpectedExitToStopped(t *testing.T) {
	port, cleanup := healthzServer(t)
	defer cleanup()
	rt := newFakeRuntime(port)
	m, eventBus := newTestManager(t, rt)

	_, err := m.Start(context.Background(), "a1")
	require.NoError(t, err)

	sub := eventBus.Subscribe("test")
	defer sub.Unsubscribe()

	// The container dies behind the manager's back.
	rt.setRunning("a1", false)
	m.syncOnce()

	assert.Equal(t, StatusStopped, m.GetStatus("a1").Status)

	select {
	case event := <-sub.C():
		assert.Equal(t, events.TypeAgentStatusChanged, event.Type)
		assert.Equal(t, StatusStopped, event.Data.(events.AgentStatusPayload).Status)
	case <-time.After(time.Second):
		t.Fatal("expected agent_status_changed after reconcile")
	}
}

func TestInitializeAgentsSeedsCache(t *testing.T) {
	port, cleanup := healthzServer(t)
	defer cleanup()
	rt := newFakeRuntime(port)
	rt.setRunning("live", true)
	m, _ := newTestManager(t, rt)

	m.InitializeAgents(context.Background(), []string{"live", "dead"})

	assert.Equal(t, StatusRunning, m.GetStatus("live").Status)
	assert.Equal(t, port, m.GetStatus("live").Port)
	assert.Equal(t, StatusStopped, m.GetStatus("dead").Status)
}

func TestReadinessCheckAndAbortedPull(t *testing.T) {
	port, cleanup := healthzServer(t)
	defer cleanup()
	rt := newFakeRuntime(port)
	m, _ := newTestManager(t, rt)

	m.Readiness().Check(context.Background())
	assert.Equal(t, ReadinessReady, m.Readiness().State().State)

	// Image missing triggers a pull; a failing pull lands in ERROR with no
	// partial READY.
	rt.mu.Lock()
	rt.imagePresent = false
	rt.pullErr = context.Canceled
	rt.mu.Unlock()

	m.Readiness().Check(context.Background())
	require.Eventually(t, func() bool {
		return m.Readiness().State().State == ReadinessError
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReadinessRuntimeUnavailable(t *testing.T) {
	rt := newFakeRuntime(0)
	rt.avail = runtime.Availability{Installed: false}
	m, _ := newTestManager(t, rt)

	m.Readiness().Check(context.Background())
	assert.Equal(t, ReadinessRuntimeUnavailable, m.Readiness().State().State)
}
