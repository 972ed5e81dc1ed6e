package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	goruntime "runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/common/portutil"
)

// dockerRuntime drives Docker-compatible daemons through the Docker SDK.
// Podman serves the same API on its own socket, so one implementation covers
// both runners, parameterized by name, socket and daemon-start command.
type dockerRuntime struct {
	name   string
	host   string // socket URL; empty means SDK default resolution
	binary string // CLI binary used for install detection and daemon start
	logger *logger.Logger

	mu  sync.Mutex
	cli *client.Client
}

// NewDocker creates the Docker runner.
func NewDocker(log *logger.Logger) Runtime {
	return &dockerRuntime{
		name:   RunnerDocker,
		binary: "docker",
		logger: log.WithFields(zap.String("runner", RunnerDocker)),
	}
}

// NewPodman creates the Podman runner against podman's Docker-compatible socket.
func NewPodman(log *logger.Logger) Runtime {
	return &dockerRuntime{
		name:   RunnerPodman,
		host:   podmanSocket(),
		binary: "podman",
		logger: log.WithFields(zap.String("runner", RunnerPodman)),
	}
}

func podmanSocket() string {
	if goruntime.GOOS == "linux" {
		return "unix:///run/podman/podman.sock"
	}
	return "" // podman machine exposes a DOCKER_HOST-compatible socket
}

func (r *dockerRuntime) Name() string {
	return r.name
}

// clientConn returns the lazily-created SDK client. The socket may not exist
// until the daemon starts, so creation failures are not cached.
func (r *dockerRuntime) clientConn() (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cli != nil {
		return r.cli, nil
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if r.host != "" {
		opts = append(opts, client.WithHost(r.host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", r.name, err)
	}
	r.cli = cli
	return cli, nil
}

func (r *dockerRuntime) Available(ctx context.Context) Availability {
	avail := Availability{}

	if _, err := exec.LookPath(r.binary); err != nil {
		return avail
	}
	avail.Installed = true

	cli, err := r.clientConn()
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if _, err := cli.Ping(pingCtx); err == nil {
			avail.Running = true
		}
	}

	if !avail.Running {
		avail.CanStart = r.startCommand() != nil
	}
	return avail
}

// startCommand returns the platform command that starts the daemon, or nil
// when the daemon cannot be started programmatically.
func (r *dockerRuntime) startCommand() *exec.Cmd {
	switch r.name {
	case RunnerPodman:
		if goruntime.GOOS == "linux" {
			return exec.Command("systemctl", "--user", "start", "podman.socket")
		}
		return exec.Command("podman", "machine", "start")
	default:
		switch goruntime.GOOS {
		case "darwin":
			return exec.Command("open", "-a", "Docker")
		case "linux":
			return exec.Command("systemctl", "start", "docker")
		default:
			return nil
		}
	}
}

func (r *dockerRuntime) Start(ctx context.Context) error {
	cmd := r.startCommand()
	if cmd == nil {
		return fmt.Errorf("%s daemon cannot be started on this platform", r.name)
	}
	r.logger.Info("starting runtime daemon", zap.String("command", strings.Join(cmd.Args, " ")))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start %s: %w: %s", r.name, err, strings.TrimSpace(string(out)))
	}

	// The daemon comes up asynchronously; wait for the API to answer.
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if avail := r.Available(ctx); avail.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("%s daemon did not become ready", r.name)
}

func (r *dockerRuntime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	cli, err := r.clientConn()
	if err != nil {
		return false, err
	}
	images, err := cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(images) > 0, nil
}

// pullMessage is one JSON line of the image pull stream.
type pullMessage struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Error          string `json:"error"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
}

func (r *dockerRuntime) PullImage(ctx context.Context, ref string, progress func(PullProgress)) error {
	cli, err := r.clientConn()
	if err != nil {
		return err
	}

	r.logger.Info("pulling image", zap.String("image", ref))
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg pullMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("image pull failed: %s", msg.Error)
		}
		if progress != nil && msg.ID != "" && msg.ProgressDetail.Total > 0 {
			progress(PullProgress{
				Layer:   msg.ID,
				Percent: int(msg.ProgressDetail.Current * 100 / msg.ProgressDetail.Total),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	r.logger.Info("image pulled", zap.String("image", ref))
	return nil
}

func (r *dockerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	cli, err := r.clientConn()
	if err != nil {
		return nil, err
	}

	hostPort, err := portutil.AllocatePort()
	if err != nil {
		return nil, err
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	exposed := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))

	containerCfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		ExposedPorts: nat.PortSet{
			exposed: struct{}{},
		},
		Labels: map[string]string{
			labelManaged:   "true",
			labelAgentSlug: spec.AgentSlug,
		},
	}

	var memory int64
	if spec.Memory != "" {
		memory, err = units.RAMInBytes(spec.Memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", spec.Memory, err)
		}
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(hostPort),
			}},
		},
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: int64(spec.CPUs * 1e9),
		},
	}

	name := containerName(spec.AgentSlug)

	// A leftover container with our name blocks creation; clear it first.
	_ = cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	r.logger.Info("container started",
		zap.String("agent_slug", spec.AgentSlug),
		zap.String("container_id", resp.ID),
		zap.Int("port", hostPort))

	return &RunResult{ContainerID: resp.ID, Port: hostPort}, nil
}

func (r *dockerRuntime) Stop(ctx context.Context, agentSlug string, timeout time.Duration) error {
	cli, err := r.clientConn()
	if err != nil {
		return err
	}
	name := containerName(agentSlug)
	timeoutSeconds := int(timeout.Seconds())
	err = cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	err = cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

func (r *dockerRuntime) Inspect(ctx context.Context, agentSlug string) (*InspectResult, error) {
	cli, err := r.clientConn()
	if err != nil {
		return nil, err
	}
	info, err := cli.ContainerInspect(ctx, containerName(agentSlug))
	if client.IsErrNotFound(err) {
		return &InspectResult{Running: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	result := &InspectResult{Running: info.State != nil && info.State.Running}
	if info.NetworkSettings != nil {
		for _, bindings := range info.NetworkSettings.Ports {
			for _, binding := range bindings {
				if port, err := strconv.Atoi(binding.HostPort); err == nil {
					result.Port = port
					break
				}
			}
		}
	}
	return result, nil
}

func (r *dockerRuntime) Exec(ctx context.Context, agentSlug string, cmd []string, stdin string) (*ExecResult, error) {
	cli, err := r.clientConn()
	if err != nil {
		return nil, err
	}
	name := containerName(agentSlug)

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != "",
	}
	created, err := cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	if stdin != "" {
		if _, err := attach.Conn.Write([]byte(stdin)); err != nil {
			return nil, fmt.Errorf("failed to write exec stdin: %w", err)
		}
		_ = attach.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}
