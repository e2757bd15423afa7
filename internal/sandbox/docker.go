package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "alpine:3.20"
	dockerWorkdir          = "/home/sandbox"
)

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	Image          string  // Container image.
	MemoryMB       int     // --memory hard limit.
	CPUCores       float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int     // --pids-limit (prevents fork bombs).
	NetworkAllowed bool    // false = --network=none.
}

// DockerBackend keeps one long-lived hardened container per session and runs
// each command with docker exec. The docker client demultiplexes the
// container's output into separate stdout and stderr pipes.
//
// Container hardening:
//   - ALL Linux capabilities dropped, no-new-privileges
//   - Read-only root filesystem with tmpfs for writable dirs
//   - Non-root user (65534:65534)
//   - Network disabled by default
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Removed on session release
type DockerBackend struct {
	config DockerConfig
	logger *slog.Logger

	mu      sync.Mutex
	started map[string]string // session id -> container name
}

// NewDockerBackend creates a Docker backend.
func NewDockerBackend(cfg DockerConfig, logger *slog.Logger) *DockerBackend {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerBackend{
		config:  cfg,
		logger:  logger,
		started: make(map[string]string),
	}
}

func (b *DockerBackend) Name() string { return "docker" }

// Submit ensures the session container is running and starts command in it.
func (b *DockerBackend) Submit(ctx context.Context, sub Submission) (*Handle, error) {
	if strings.TrimSpace(sub.Command) == "" {
		return nil, ErrEmptyCommand
	}
	name, err := b.ensureContainer(ctx, sub.SessionID)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "docker", buildExecArgs(name, sub)...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	h := &Handle{ID: uuid.NewString(), SessionID: sub.SessionID}
	logger := b.logger.With(
		slog.String("command_id", h.ID),
		slog.String("session_id", sub.SessionID),
		slog.String("container", name),
	)
	stream, err := startPipeStream(ctx, cmd, logger)
	if err != nil {
		return nil, err
	}
	h.state = stream

	logger.Info("docker command started")
	return h, nil
}

// Next returns output produced since the previous call.
func (b *DockerBackend) Next(ctx context.Context, h *Handle) (Chunk, error) {
	stream, ok := h.state.(*pipeStream)
	if !ok {
		return Chunk{}, fmt.Errorf("handle %s was not issued by the docker backend", h.ID)
	}
	return stream.next(ctx)
}

// Prepare starts the session's container if it is not running.
func (b *DockerBackend) Prepare(ctx context.Context, sessionID string) error {
	_, err := b.ensureContainer(ctx, sessionID)
	return err
}

// ReleaseSession removes the session container.
func (b *DockerBackend) ReleaseSession(_ context.Context, sessionID string) error {
	name := containerName(sessionID)
	b.mu.Lock()
	delete(b.started, sessionID)
	b.mu.Unlock()

	b.forceRemoveContainer(name)
	b.logger.Info("docker session released",
		slog.String("session_id", sessionID),
		slog.String("container", name),
	)
	return nil
}

// ensureContainer starts the session container unless this process already
// did. A container left over from a previous run is reused.
func (b *DockerBackend) ensureContainer(ctx context.Context, sessionID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name, ok := b.started[sessionID]; ok {
		return name, nil
	}

	name := containerName(sessionID)
	out, err := exec.CommandContext(ctx, "docker", b.buildRunArgs(name)...).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("is already in use")) {
		return "", fmt.Errorf("starting container %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}

	b.started[sessionID] = name
	b.logger.Info("docker session container ready",
		slog.String("session_id", sessionID),
		slog.String("container", name),
		slog.String("image", b.config.Image),
		slog.Int("memory_mb", b.config.MemoryMB),
		slog.Float64("cpu_cores", b.config.CPUCores),
	)
	return name, nil
}

// buildRunArgs constructs the docker run argument list for a detached,
// idle session container.
func (b *DockerBackend) buildRunArgs(name string) []string {
	memoryFlag := strconv.Itoa(b.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(b.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(b.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "shellbox.session=" + name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = no swap.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", dockerWorkdir + ":rw,nosuid,size=128m",

		"--env", "HOME=" + dockerWorkdir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--workdir", dockerWorkdir,
	}
	if b.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	// Keep the container alive between commands.
	args = append(args, b.config.Image, "sleep", "infinity")
	return args
}

// buildExecArgs constructs the docker exec argument list for one command.
func buildExecArgs(container string, sub Submission) []string {
	args := []string{"exec", "--workdir", dockerWorkdir}
	for k, v := range sub.Env {
		args = append(args, "--env", k+"="+v)
	}
	return append(args, container, "/bin/sh", "-c", sub.Command)
}

// forceRemoveContainer removes a container by name. Errors are logged only.
func (b *DockerBackend) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		b.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// containerName returns the deterministic container name of a session.
func containerName(sessionID string) string {
	return "shellbox-" + sessionKey(sessionID)
}
