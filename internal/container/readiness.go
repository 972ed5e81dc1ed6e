package container

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/events"
	"github.com/skillfulagents/workstation/internal/events/bus"
	"github.com/skillfulagents/workstation/internal/runtime"
)

// Image readiness states.
const (
	ReadinessUnknown            = "UNKNOWN"
	ReadinessChecking           = "CHECKING"
	ReadinessReady              = "READY"
	ReadinessPulling            = "PULLING_IMAGE"
	ReadinessError              = "ERROR"
	ReadinessRuntimeUnavailable = "RUNTIME_UNAVAILABLE"
)

// ReadinessState is a snapshot of the image readiness state machine.
type ReadinessState struct {
	State  string `json:"state"`
	Runner string `json:"runner"`
	Error  string `json:"error,omitempty"`
}

// Readiness tracks whether the configured runner has the agent image and
// publishes runtime_readiness_changed on every transition.
type Readiness struct {
	manager *Manager
	logger  *logger.Logger

	mu         sync.Mutex
	state      ReadinessState
	pullCancel context.CancelFunc
}

func newReadiness(m *Manager, log *logger.Logger) *Readiness {
	return &Readiness{
		manager: m,
		logger:  log.WithFields(zap.String("component", "image_readiness")),
		state:   ReadinessState{State: ReadinessUnknown},
	}
}

// State returns the current snapshot.
func (r *Readiness) State() ReadinessState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Check probes the configured runner and the agent image, transitioning to
// READY, PULLING_IMAGE or RUNTIME_UNAVAILABLE. Called at startup and after a
// runner change.
func (r *Readiness) Check(ctx context.Context) {
	runner := r.manager.settings.ContainerRunner()
	r.transition(ReadinessState{State: ReadinessChecking, Runner: runner})

	avail, err := r.manager.registry.Availability(ctx, runner)
	if err != nil || !avail.Running {
		r.transition(ReadinessState{State: ReadinessRuntimeUnavailable, Runner: runner})
		return
	}

	rt, err := r.manager.registry.Get(runner)
	if err != nil {
		r.transition(ReadinessState{State: ReadinessRuntimeUnavailable, Runner: runner})
		return
	}

	present, err := rt.ImagePresent(ctx, r.manager.settings.AgentImage())
	if err != nil {
		r.transition(ReadinessState{State: ReadinessError, Runner: runner, Error: err.Error()})
		return
	}
	if present {
		r.transition(ReadinessState{State: ReadinessReady, Runner: runner})
		return
	}
	r.startPull(runner)
}

// EnsurePull kicks off a pull if one is not already in flight or the image
// already ready.
func (r *Readiness) EnsurePull() {
	r.mu.Lock()
	state := r.state.State
	runner := r.manager.settings.ContainerRunner()
	r.mu.Unlock()
	if state == ReadinessPulling || state == ReadinessReady {
		return
	}
	r.startPull(runner)
}

// startPull transitions to PULLING_IMAGE and pulls in the background,
// publishing layer progress as it arrives.
func (r *Readiness) startPull(runner string) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.pullCancel != nil {
		// A pull is already running.
		r.mu.Unlock()
		cancel()
		return
	}
	r.pullCancel = cancel
	r.mu.Unlock()

	r.transition(ReadinessState{State: ReadinessPulling, Runner: runner})

	go func() {
		defer func() {
			r.mu.Lock()
			r.pullCancel = nil
			r.mu.Unlock()
		}()

		rt, err := r.manager.registry.Get(runner)
		if err != nil {
			r.transition(ReadinessState{State: ReadinessRuntimeUnavailable, Runner: runner})
			return
		}

		image := r.manager.settings.AgentImage()
		err = rt.PullImage(ctx, image, func(p runtime.PullProgress) {
			r.manager.bus.Publish(bus.NewEvent(events.TypeRuntimeReadinessChanged, "image_readiness", events.RuntimeReadinessPayload{
				State:       ReadinessPulling,
				Runner:      runner,
				ImageRef:    image,
				PullLayer:   p.Layer,
				PullPercent: p.Percent,
			}))
		})
		if err != nil {
			r.logger.Error("image pull failed", zap.String("image", image), zap.Error(err))
			r.transition(ReadinessState{State: ReadinessError, Runner: runner, Error: err.Error()})
			return
		}
		r.transition(ReadinessState{State: ReadinessReady, Runner: runner})
	}()
}

// CancelPull aborts an in-flight pull. The state machine lands in ERROR; a
// cancelled pull never yields a partial READY.
func (r *Readiness) CancelPull() {
	r.mu.Lock()
	cancel := r.pullCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset clears an ERROR state back to UNKNOWN so the user can retry.
func (r *Readiness) Reset(ctx context.Context) {
	r.transition(ReadinessState{State: ReadinessUnknown, Runner: r.manager.settings.ContainerRunner()})
	r.Check(ctx)
}

func (r *Readiness) transition(next ReadinessState) {
	r.mu.Lock()
	prev := r.state
	r.state = next
	r.mu.Unlock()

	if prev != next {
		r.logger.Info("readiness transition",
			zap.String("from", prev.State),
			zap.String("to", next.State),
			zap.String("runner", next.Runner))
	}

	r.manager.bus.Publish(bus.NewEvent(events.TypeRuntimeReadinessChanged, "image_readiness", events.RuntimeReadinessPayload{
		State:  next.State,
		Runner: next.Runner,
		Error:  next.Error,
	}))
}
