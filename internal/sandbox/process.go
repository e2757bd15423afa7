package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// ProcessConfig configures the process backend.
type ProcessConfig struct {
	// BaseDir holds one working directory per session. Empty = os.TempDir().
	BaseDir string
	Limits  ResourceLimits
}

// ProcessBackend runs commands as local /bin/sh process groups. It is meant
// for development; it provides no isolation beyond what the host offers.
//
// Guarantees:
//   - Each session gets its own working directory, removed on release
//   - Each command runs in its own process group, killed when ctx ends
//   - No environment inheritance from the parent, only a minimal safe set
//   - ulimit CPU and memory limits
//   - stdout/stderr capped
type ProcessBackend struct {
	baseDir string
	limits  ResourceLimits
	logger  *slog.Logger
}

// NewProcessBackend creates a process backend.
func NewProcessBackend(cfg ProcessConfig, logger *slog.Logger) *ProcessBackend {
	base := cfg.BaseDir
	if base == "" {
		base = filepath.Join(os.TempDir(), "shellbox-sessions")
	}
	return &ProcessBackend{
		baseDir: base,
		limits:  cfg.Limits.withDefaults(),
		logger:  logger,
	}
}

func (b *ProcessBackend) Name() string { return "process" }

// Submit starts the command in the session's working directory.
func (b *ProcessBackend) Submit(ctx context.Context, sub Submission) (*Handle, error) {
	if strings.TrimSpace(sub.Command) == "" {
		return nil, ErrEmptyCommand
	}

	dir := b.sessionDir(sub.SessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	// The user command is passed as a positional parameter, never
	// interpolated into the wrapper script.
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec /bin/sh -c \"$1\"",
		b.limits.MaxMemoryMB*1024, b.limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script, "_", sub.Command)
	cmd.Dir = dir
	cmd.Env = buildEnv(dir, sub.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	h := &Handle{ID: uuid.NewString(), SessionID: sub.SessionID}
	logger := b.logger.With(slog.String("command_id", h.ID), slog.String("session_id", sub.SessionID))
	stream, err := startPipeStream(ctx, cmd, logger)
	if err != nil {
		return nil, err
	}
	h.state = stream

	logger.Info("process command started",
		slog.String("dir", dir),
		slog.Int("memory_limit_mb", b.limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", b.limits.MaxCPUSeconds),
	)
	return h, nil
}

// Next returns output produced since the previous call.
func (b *ProcessBackend) Next(ctx context.Context, h *Handle) (Chunk, error) {
	stream, ok := h.state.(*pipeStream)
	if !ok {
		return Chunk{}, fmt.Errorf("handle %s was not issued by the process backend", h.ID)
	}
	return stream.next(ctx)
}

// ReleaseSession removes the session's working directory.
func (b *ProcessBackend) ReleaseSession(_ context.Context, sessionID string) error {
	dir := b.sessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session dir: %w", err)
	}
	b.logger.Info("process session released", slog.String("session_id", sessionID))
	return nil
}

func (b *ProcessBackend) sessionDir(sessionID string) string {
	return filepath.Join(b.baseDir, sessionKey(sessionID))
}

// sessionKey maps an arbitrary session id to a short name safe for paths
// and container names.
func sessionKey(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:8])
}

// buildEnv constructs a minimal environment. The parent environment is never
// inherited so host credentials cannot leak into commands.
func buildEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
