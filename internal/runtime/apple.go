package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/common/portutil"
)

// appleRuntime shells out to Apple's `container` CLI (macOS 26+). The tool
// has no long-lived API socket worth dialing, so every operation is a
// fork+exec of the binary.
type appleRuntime struct {
	binary string
	logger *logger.Logger
}

// NewApple creates the Apple container runner.
func NewApple(log *logger.Logger) Runtime {
	return &appleRuntime{
		binary: "container",
		logger: log.WithFields(zap.String("runner", RunnerApple)),
	}
}

func (r *appleRuntime) Name() string {
	return RunnerApple
}

func (r *appleRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("container %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

func (r *appleRuntime) Available(ctx context.Context) Availability {
	avail := Availability{}
	if goruntime.GOOS != "darwin" {
		return avail
	}
	if _, err := exec.LookPath(r.binary); err != nil {
		return avail
	}
	avail.Installed = true

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := r.run(probeCtx, "system", "status"); err == nil {
		avail.Running = true
	} else {
		avail.CanStart = true
	}
	return avail
}

func (r *appleRuntime) Start(ctx context.Context) error {
	if _, err := r.run(ctx, "system", "start"); err != nil {
		return fmt.Errorf("failed to start apple container services: %w", err)
	}
	return nil
}

func (r *appleRuntime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	out, err := r.run(ctx, "image", "list", "--format", "json")
	if err != nil {
		return false, err
	}
	var images []struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal([]byte(out), &images); err != nil {
		// Fall back to a substring scan of the table output.
		return strings.Contains(out, ref), nil
	}
	for _, img := range images {
		if img.Reference == ref || strings.HasPrefix(img.Reference, ref+":") {
			return true, nil
		}
	}
	return false, nil
}

func (r *appleRuntime) PullImage(ctx context.Context, ref string, progress func(PullProgress)) error {
	// The CLI renders progress for humans only; report a coarse single layer.
	if progress != nil {
		progress(PullProgress{Layer: ref, Percent: 0})
	}
	if _, err := r.run(ctx, "image", "pull", ref); err != nil {
		return err
	}
	if progress != nil {
		progress(PullProgress{Layer: ref, Percent: 100})
	}
	return nil
}

func (r *appleRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	hostPort, err := portutil.AllocatePort()
	if err != nil {
		return nil, err
	}

	name := containerName(spec.AgentSlug)
	_, _ = r.run(ctx, "rm", "--force", name)

	args := []string{
		"run", "--detach",
		"--name", name,
		"--publish", fmt.Sprintf("127.0.0.1:%d:%d", hostPort, spec.ContainerPort),
		"--label", labelManaged + "=true",
		"--label", labelAgentSlug + "=" + spec.AgentSlug,
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	for _, env := range spec.Env {
		args = append(args, "--env", env)
	}
	for _, m := range spec.Mounts {
		opt := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			opt += ":ro"
		}
		args = append(args, "--volume", opt)
	}
	args = append(args, spec.Image)

	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	containerID := strings.TrimSpace(out)
	r.logger.Info("container started",
		zap.String("agent_slug", spec.AgentSlug),
		zap.String("container_id", containerID),
		zap.Int("port", hostPort))

	return &RunResult{ContainerID: containerID, Port: hostPort}, nil
}

func (r *appleRuntime) Stop(ctx context.Context, agentSlug string, timeout time.Duration) error {
	name := containerName(agentSlug)
	if _, err := r.run(ctx, "stop", "--time", strconv.Itoa(int(timeout.Seconds())), name); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return err
	}
	_, _ = r.run(ctx, "rm", name)
	return nil
}

func (r *appleRuntime) Inspect(ctx context.Context, agentSlug string) (*InspectResult, error) {
	out, err := r.run(ctx, "inspect", containerName(agentSlug))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return &InspectResult{Running: false}, nil
		}
		return nil, err
	}

	var entries []struct {
		Status string `json:"status"`
		Ports  []struct {
			HostPort      int `json:"hostPort"`
			ContainerPort int `json:"containerPort"`
		} `json:"ports"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil || len(entries) == 0 {
		return &InspectResult{Running: false}, nil
	}

	result := &InspectResult{Running: entries[0].Status == "running"}
	if len(entries[0].Ports) > 0 {
		result.Port = entries[0].Ports[0].HostPort
	}
	return result, nil
}

func (r *appleRuntime) Exec(ctx context.Context, agentSlug string, cmd []string, stdin string) (*ExecResult, error) {
	args := append([]string{"exec"}, containerName(agentSlug))
	args = append(args, cmd...)

	execCmd := exec.CommandContext(ctx, r.binary, args...)
	if stdin != "" {
		execCmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
