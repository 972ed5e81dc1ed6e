// Package runtime provides an abstraction over container runtimes.
// It supports Docker, Podman and Apple's container tool; runtimes are
// selected by runner name and hot-swappable only while no agents run.
package runtime

import (
	"context"
	"time"
)

// Runner names.
const (
	RunnerDocker = "docker"
	RunnerPodman = "podman"
	RunnerApple  = "apple"
)

// Availability describes whether a runtime can be used right now.
type Availability struct {
	Installed bool `json:"installed"`
	Running   bool `json:"running"`
	CanStart  bool `json:"canStart"`
}

// PullProgress is one progress sample during an image pull.
type PullProgress struct {
	Layer   string
	Percent int
}

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes a per-agent container to run.
type RunSpec struct {
	AgentSlug     string
	Image         string
	CPUs          float64
	Memory        string // e.g. "2g"; empty means unlimited
	Env           []string
	Mounts        []Mount
	ContainerPort int // in-container port to publish on a loopback host port
}

// RunResult is the outcome of starting a container.
type RunResult struct {
	ContainerID string
	Port        int // host port mapped to RunSpec.ContainerPort
}

// InspectResult is a point-in-time view of an agent's container.
type InspectResult struct {
	Running bool
	Port    int
}

// ExecResult is the outcome of a command executed inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is the interface for container runtime operations. Implementations
// key containers by agent slug, not container id.
type Runtime interface {
	// Name returns the runner name (docker, podman, apple).
	Name() string

	// Available probes installation and daemon state. Callers should go
	// through the Registry; this spawns child processes or dials sockets.
	Available(ctx context.Context) Availability

	// Start attempts to start the runtime daemon.
	Start(ctx context.Context) error

	// ImagePresent reports whether the image exists locally.
	ImagePresent(ctx context.Context, ref string) (bool, error)

	// PullImage pulls an image, reporting layer progress to the sink.
	PullImage(ctx context.Context, ref string, progress func(PullProgress)) error

	// Run creates and starts the agent's container.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)

	// Stop stops and removes the agent's container. Stopping an absent
	// container is not an error.
	Stop(ctx context.Context, agentSlug string, timeout time.Duration) error

	// Inspect returns the agent container's state.
	Inspect(ctx context.Context, agentSlug string) (*InspectResult, error)

	// Exec runs a command inside the agent's container.
	Exec(ctx context.Context, agentSlug string, cmd []string, stdin string) (*ExecResult, error)
}

// containerName returns the canonical container name for an agent.
func containerName(agentSlug string) string {
	return "workstation-agent-" + agentSlug
}

// Labels applied to every managed container.
const (
	labelManaged   = "dev.workstation.managed"
	labelAgentSlug = "dev.workstation.agent"
)
