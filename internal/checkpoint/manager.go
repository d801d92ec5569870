// Package checkpoint isolates each work-item attempt in a jj change.
//
// One checkpoint is opened per attempt and abandoned when the attempt
// fails or is interrupted; checkpoints of successful attempts are kept.
// When jj is missing or cannot be initialized the manager degrades to a
// no-op: Open returns an empty id and callers treat that as "no isolation
// available". Checkpointing never fails a run.
package checkpoint

import (
	"context"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// Runner executes an external command and returns its stdout. It exists
// so tests can substitute the jj binary.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// execRunner runs commands with os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}

// Manager wraps the jj CLI for per-attempt isolation.
type Manager struct {
	binary  string
	workDir string
	enabled bool
	runner  Runner
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner substitutes the command runner. Tests use this.
func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// NewManager prepares checkpointing in workDir.
//
// If the directory has no jj repository one is initialized, colocated
// with an existing git repository when go-git detects one. Any failure
// along the way disables the manager instead of erroring: the run
// proceeds without isolation.
func NewManager(ctx context.Context, binary, workDir string, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		binary:  binary,
		workDir: workDir,
		runner:  execRunner{},
		logger:  logger.Named("checkpoint"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if binary == "" {
		m.logger.Info("checkpointing disabled by config")
		return m
	}
	if _, err := exec.LookPath(binary); err != nil {
		m.logger.Warn("jj binary not found, checkpointing disabled",
			zap.String("binary", binary))
		return m
	}

	if _, err := m.runner.Run(ctx, workDir, binary, "root"); err != nil {
		if err := m.initialize(ctx); err != nil {
			m.logger.Warn("jj init failed, checkpointing disabled", zap.Error(err))
			return m
		}
	}

	m.enabled = true
	m.logger.Debug("checkpointing enabled", zap.String("dir", workDir))
	return m
}

// initialize creates a jj repository, colocating with git when present.
func (m *Manager) initialize(ctx context.Context) error {
	args := []string{"git", "init"}
	if m.hasGitRepo() {
		args = append(args, "--colocate")
		m.logger.Info("initializing jj colocated with existing git repository")
	} else {
		m.logger.Info("initializing standalone jj repository")
	}
	_, err := m.runner.Run(ctx, m.workDir, m.binary, args...)
	return err
}

// hasGitRepo reports whether workDir sits inside a git repository.
func (m *Manager) hasGitRepo() bool {
	_, err := git.PlainOpenWithOptions(m.workDir, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	return err == nil
}

// Enabled reports whether isolation is available.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Open starts a new checkpoint described by label and returns its change
// id, or an empty string when isolation is unavailable or jj fails.
func (m *Manager) Open(ctx context.Context, label string) string {
	if !m.enabled {
		return ""
	}
	if _, err := m.runner.Run(ctx, m.workDir, m.binary, "new", "-m", label); err != nil {
		m.logger.Warn("jj new failed", zap.String("label", label), zap.Error(err))
		return ""
	}
	id, err := m.runner.Run(ctx, m.workDir, m.binary,
		"log", "-r", "@", "--no-graph", "-T", "change_id")
	if err != nil {
		m.logger.Warn("jj log failed after new", zap.Error(err))
		return ""
	}
	m.logger.Debug("checkpoint opened",
		zap.String("id", id), zap.String("label", label))
	return id
}

// Abandon rolls back the checkpoint with the given id. An empty id means
// no isolation was available and is a no-op, never an error.
func (m *Manager) Abandon(ctx context.Context, id string) {
	if !m.enabled || id == "" {
		return
	}
	if _, err := m.runner.Run(ctx, m.workDir, m.binary, "abandon", id); err != nil {
		m.logger.Warn("jj abandon failed", zap.String("id", id), zap.Error(err))
		return
	}
	m.logger.Debug("checkpoint abandoned", zap.String("id", id))
}
