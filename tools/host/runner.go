package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult is the outcome of one command run. ExitCode is meaningful only
// when the returned error is nil.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Runner executes one shell command and returns its combined output. A
// non-nil error means the command could not run to completion (daemon
// failure, timeout); a plain nonzero exit is reported through ExitCode.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)
}

// SubprocessRunner runs commands directly on the host through sh -c.
type SubprocessRunner struct {
	Dir string // working directory; empty inherits the process cwd
}

func (r *SubprocessRunner) Run(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := combineOutput(stdout.String(), stderr.String())
	if ctx.Err() == context.DeadlineExceeded {
		return ExecResult{Output: out}, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExecResult{Output: out, ExitCode: exitErr.ExitCode()}, nil
		}
		return ExecResult{Output: out}, err
	}
	return ExecResult{Output: out}, nil
}

const sandboxWorkdir = "/workspace"

// DockerRunner runs commands inside a persistent sandbox container, created
// on first use and reused across invocations. The workspace directory is
// bind-mounted at /workspace; capabilities are dropped and privilege
// escalation is disabled.
type DockerRunner struct {
	cli       *client.Client
	image     string
	name      string
	workspace string
	host      string
	memoryMB  int64

	mu sync.Mutex
}

// DockerOption configures a DockerRunner.
type DockerOption func(*DockerRunner)

// WithDockerHost overrides the daemon address instead of reading DOCKER_HOST.
func WithDockerHost(host string) DockerOption {
	return func(r *DockerRunner) { r.host = host }
}

// WithMemoryLimit caps the sandbox container memory, in megabytes.
func WithMemoryLimit(mb int64) DockerOption {
	return func(r *DockerRunner) { r.memoryMB = mb }
}

// NewDockerRunner connects to the docker daemon and prepares a sandbox
// runner. The container itself is created lazily on the first Run.
func NewDockerRunner(image, containerName, workspace string, opts ...DockerOption) (*DockerRunner, error) {
	r := &DockerRunner{image: image, name: containerName, workspace: workspace, memoryMB: 512}
	for _, opt := range opts {
		opt(r)
	}

	clientOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	if r.host != "" {
		clientOpts = append(clientOpts, client.WithHost(r.host))
	} else {
		clientOpts = append(clientOpts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	r.cli = cli
	return r, nil
}

func (r *DockerRunner) Run(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	if err := r.ensure(ctx); err != nil {
		return ExecResult{}, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execID, err := r.cli.ContainerExecCreate(ctx, r.name, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   sandboxWorkdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}
	attach, err := r.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		out := combineOutput(stdout.String(), stderr.String())
		if ctx.Err() == context.DeadlineExceeded {
			return ExecResult{Output: out}, fmt.Errorf("command timed out after %s", timeout)
		}
		return ExecResult{Output: out}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return ExecResult{
		Output:   combineOutput(stdout.String(), stderr.String()),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Close releases the daemon connection. The sandbox container is left in
// place for the next process.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

func (r *DockerRunner) ensure(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inspect, err := r.cli.ContainerInspect(ctx, r.name)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		if err := r.cli.ContainerStart(ctx, r.name, container.StartOptions{}); err != nil {
			return fmt.Errorf("start sandbox: %w", err)
		}
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect sandbox: %w", err)
	}

	cfg := &container.Config{
		Image:      r.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: sandboxWorkdir,
	}
	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if r.workspace != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: r.workspace,
			Target: sandboxWorkdir,
		}}
	}
	if r.memoryMB > 0 {
		hostCfg.Memory = r.memoryMB * 1024 * 1024
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, r.name)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}
	return nil
}

func combineOutput(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += stderr
	}
	return out
}
