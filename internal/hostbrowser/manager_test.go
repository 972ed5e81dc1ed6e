//go:build !windows

package hostbrowser

import (
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
)

func newTestManager(t *testing.T, onExit func(string)) *Manager {
	t.Helper()
	cfg := config.BrowserConfig{PortWaitTimeout: 2, PortPollMillis: 50}
	return NewManager(cfg, t.TempDir(), onExit, logger.Default())
}

// registerProcess stands in for EnsureRunning's spawn step with an arbitrary
// short-lived process.
func registerProcess(t *testing.T, m *Manager, agentID string, cmd *exec.Cmd) *Instance {
	t.Helper()
	require.NoError(t, cmd.Start())
	inst := &Instance{
		AgentID: agentID,
		PID:     cmd.Process.Pid,
		Port:    1,
		cmd:     cmd,
	}
	m.mu.Lock()
	m.instances[agentID] = inst
	m.mu.Unlock()
	go m.watch(inst)
	return inst
}

func TestExternalExitFiresCallbackOnce(t *testing.T) {
	var exits int64
	m := newTestManager(t, func(agentID string) {
		atomic.AddInt64(&exits, 1)
	})

	registerProcess(t, m, "a1", exec.Command("true"))

	require.Eventually(t, func() bool {
		_, ok := m.Get("a1")
		return !ok
	}, 2*time.Second, 20*time.Millisecond, "registry entry must be removed on exit")

	assert.Equal(t, int64(1), atomic.LoadInt64(&exits))
}

func TestIntentionalStopSuppressesCallback(t *testing.T) {
	var exits int64
	m := newTestManager(t, func(agentID string) {
		atomic.AddInt64(&exits, 1)
	})

	registerProcess(t, m, "a1", exec.Command("sleep", "5"))

	require.NoError(t, m.StopAgent("a1"))

	_, ok := m.Get("a1")
	assert.False(t, ok)

	// Give the watcher time to reap; the callback must not fire.
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt64(&exits))

	// Stopping again is a no-op.
	assert.NoError(t, m.StopAgent("a1"))
}

func TestAtMostOneInstancePerAgent(t *testing.T) {
	m := newTestManager(t, nil)

	registerProcess(t, m, "a1", exec.Command("sleep", "5"))
	inst, ok := m.Get("a1")
	require.True(t, ok)

	// A second registration for the same agent replaces the entry; the
	// registry never holds two instances for one agent.
	registerProcess(t, m, "a1", exec.Command("sleep", "5"))
	second, ok := m.Get("a1")
	require.True(t, ok)
	assert.NotEqual(t, inst.PID, second.PID)

	m.StopAll()
	_, ok = m.Get("a1")
	assert.False(t, ok)
}

func TestStopAllFansOut(t *testing.T) {
	m := newTestManager(t, nil)
	registerProcess(t, m, "a1", exec.Command("sleep", "5"))
	registerProcess(t, m, "a2", exec.Command("sleep", "5"))

	m.StopAll()

	_, ok1 := m.Get("a1")
	_, ok2 := m.Get("a2")
	assert.False(t, ok1)
	assert.False(t, ok2)
}
