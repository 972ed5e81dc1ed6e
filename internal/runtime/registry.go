package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
)

// Registry holds the supported runtimes and the availability probe cache.
// Cached availability is invalidated by mutating operations (Start, explicit
// Refresh), never by time: reads must stay cheap for a UI that polls.
type Registry struct {
	runtimes map[string]Runtime
	logger   *logger.Logger

	mu    sync.Mutex
	avail map[string]Availability
}

// NewRegistry builds the registry with all supported runners.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		runtimes: map[string]Runtime{},
		avail:    map[string]Availability{},
		logger:   log.WithFields(zap.String("component", "runtime_registry")),
	}
	for _, rt := range []Runtime{NewDocker(log), NewPodman(log), NewApple(log)} {
		r.runtimes[rt.Name()] = rt
	}
	return r
}

// NewRegistryWithRuntimes builds a registry over the given runtimes.
func NewRegistryWithRuntimes(log *logger.Logger, runtimes ...Runtime) *Registry {
	r := &Registry{
		runtimes: map[string]Runtime{},
		avail:    map[string]Availability{},
		logger:   log.WithFields(zap.String("component", "runtime_registry")),
	}
	for _, rt := range runtimes {
		r.runtimes[rt.Name()] = rt
	}
	return r
}

// Get returns the runtime for a runner name.
func (r *Registry) Get(runner string) (Runtime, error) {
	rt, ok := r.runtimes[runner]
	if !ok {
		return nil, fmt.Errorf("unknown container runner %q", runner)
	}
	return rt, nil
}

// Runners returns the known runner names.
func (r *Registry) Runners() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	return names
}

// Availability returns the cached availability for a runner, probing once if
// the runner has never been probed.
func (r *Registry) Availability(ctx context.Context, runner string) (Availability, error) {
	rt, err := r.Get(runner)
	if err != nil {
		return Availability{}, err
	}

	r.mu.Lock()
	avail, ok := r.avail[runner]
	r.mu.Unlock()
	if ok {
		return avail, nil
	}
	return r.Refresh(ctx, runner)
}

// Refresh re-probes one runner and updates the cache.
func (r *Registry) Refresh(ctx context.Context, runner string) (Availability, error) {
	rt, err := r.Get(runner)
	if err != nil {
		return Availability{}, err
	}
	avail := rt.Available(ctx)

	r.mu.Lock()
	r.avail[runner] = avail
	r.mu.Unlock()

	r.logger.Debug("runtime availability refreshed",
		zap.String("runner", runner),
		zap.Bool("installed", avail.Installed),
		zap.Bool("running", avail.Running),
		zap.Bool("can_start", avail.CanStart))
	return avail, nil
}

// RefreshAll probes every runner. Called once at startup.
func (r *Registry) RefreshAll(ctx context.Context) map[string]Availability {
	result := make(map[string]Availability, len(r.runtimes))
	for name := range r.runtimes {
		avail, err := r.Refresh(ctx, name)
		if err != nil {
			continue
		}
		result[name] = avail
	}
	return result
}

// StartRunner starts a runner's daemon and refreshes its availability.
func (r *Registry) StartRunner(ctx context.Context, runner string) (Availability, error) {
	rt, err := r.Get(runner)
	if err != nil {
		return Availability{}, err
	}
	if err := rt.Start(ctx); err != nil {
		// The attempt may have changed daemon state either way.
		avail, _ := r.Refresh(ctx, runner)
		return avail, err
	}
	return r.Refresh(ctx, runner)
}
