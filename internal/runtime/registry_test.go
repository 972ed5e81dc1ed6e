package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/logger"
)

type countingRuntime struct {
	probes int64
	avail  Availability
}

func (c *countingRuntime) Name() string { return "counting" }

func (c *countingRuntime) Available(context.Context) Availability {
	atomic.AddInt64(&c.probes, 1)
	return c.avail
}

func (c *countingRuntime) Start(context.Context) error { return nil }
func (c *countingRuntime) ImagePresent(context.Context, string) (bool, error) {
	return true, nil
}
func (c *countingRuntime) PullImage(context.Context, string, func(PullProgress)) error {
	return nil
}
func (c *countingRuntime) Run(context.Context, RunSpec) (*RunResult, error) {
	return &RunResult{}, nil
}
func (c *countingRuntime) Stop(context.Context, string, time.Duration) error { return nil }
func (c *countingRuntime) Inspect(context.Context, string) (*InspectResult, error) {
	return &InspectResult{}, nil
}
func (c *countingRuntime) Exec(context.Context, string, []string, string) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func TestAvailabilityIsCachedUntilRefresh(t *testing.T) {
	rt := &countingRuntime{avail: Availability{Installed: true, Running: true}}
	r := NewRegistryWithRuntimes(logger.Default(), rt)

	ctx := context.Background()

	// First read probes once; subsequent reads serve the cache.
	avail, err := r.Availability(ctx, "counting")
	require.NoError(t, err)
	assert.True(t, avail.Running)
	for i := 0; i < 5; i++ {
		_, err := r.Availability(ctx, "counting")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&rt.probes))

	// An explicit refresh re-probes.
	rt.avail = Availability{Installed: true, Running: false, CanStart: true}
	avail, err = r.Refresh(ctx, "counting")
	require.NoError(t, err)
	assert.False(t, avail.Running)
	assert.Equal(t, int64(2), atomic.LoadInt64(&rt.probes))

	// The cached value reflects the refresh.
	avail, err = r.Availability(ctx, "counting")
	require.NoError(t, err)
	assert.False(t, avail.Running)
	assert.Equal(t, int64(2), atomic.LoadInt64(&rt.probes))
}

func TestStartRunnerRefreshesAvailability(t *testing.T) {
	rt := &countingRuntime{avail: Availability{Installed: true, Running: true}}
	r := NewRegistryWithRuntimes(logger.Default(), rt)

	avail, err := r.StartRunner(context.Background(), "counting")
	require.NoError(t, err)
	assert.True(t, avail.Running)
	assert.Equal(t, int64(1), atomic.LoadInt64(&rt.probes))
}

func TestUnknownRunner(t *testing.T) {
	r := NewRegistryWithRuntimes(logger.Default())
	_, err := r.Get("imaginary")
	assert.Error(t, err)
	_, err = r.Availability(context.Background(), "imaginary")
	assert.Error(t, err)
}
