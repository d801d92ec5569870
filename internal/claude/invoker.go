// Package claude invokes the claude CLI worker, one subprocess per
// attempt, and parses its structured JSON result.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultContextWindow is assumed when the worker does not report one.
const DefaultContextWindow = 200_000

// ErrNoSessionHandle indicates the worker exited successfully but its
// result carried no continuation handle. Per the engine's contract that
// is a failure, not a success with a missing field.
var ErrNoSessionHandle = errors.New("worker result contains no session handle")

// ExitError is returned when the worker process exits non-zero. It
// carries the captured output tail so the failure classifier can triage
// without re-reading the log file.
type ExitError struct {
	ExitCode int
	Tail     string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d", e.ExitCode)
}

// Usage is the token breakdown reported by the worker.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// Total sums all token categories.
func (u Usage) Total() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens + u.OutputTokens
}

// Request describes one worker invocation.
type Request struct {
	// Prompt is the fully assembled prompt text.
	Prompt string

	// SessionHandle selects continuation mode when non-empty.
	SessionHandle string

	// Model is the model identifier for this attempt.
	Model string

	// Timeout bounds the invocation; zero means no bound.
	Timeout time.Duration

	// LogPath, when set, receives the full raw output regardless of
	// outcome.
	LogPath string
}

// Result is the structured outcome of a successful invocation.
type Result struct {
	SessionHandle string
	Reply         string
	Usage         Usage
	ContextWindow int
}

// resultMessage mirrors the final message of claude's
// --output-format json mode.
type resultMessage struct {
	IsError    bool                  `json:"is_error"`
	Result     string                `json:"result"`
	SessionID  string                `json:"session_id"`
	Usage      Usage                 `json:"usage"`
	ModelUsage map[string]modelUsage `json:"modelUsage"`
}

type modelUsage struct {
	ContextWindow int `json:"contextWindow"`
}

// Runner executes the worker subprocess. Tests substitute it.
type Runner interface {
	// Run executes name with args and returns combined output plus the
	// process exit code. err is non-nil only for failures to execute at
	// all (binary missing, context cancelled).
	Run(ctx context.Context, name string, args []string, extraEnv []string) (output []byte, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, extraEnv []string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, err
	}
	return out, 0, nil
}

// Invoker runs the claude CLI.
type Invoker struct {
	binary string
	runner Runner
	logger *zap.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRunner substitutes the subprocess runner. Tests use this.
func WithRunner(r Runner) Option {
	return func(inv *Invoker) { inv.runner = r }
}

// NewInvoker creates an Invoker for the given claude binary.
func NewInvoker(binary string, logger *zap.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &Invoker{
		binary: binary,
		runner: execRunner{},
		logger: logger.Named("claude"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs the worker once and returns its structured result.
//
// The full raw output is written to req.LogPath before the outcome is
// decided, so failed and interrupted attempts leave their output behind
// for classification and resume hints. A clean exit whose result cannot
// be parsed, or parses without a session id, is an error.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{
		"-p",
		"--dangerously-skip-permissions",
		"--output-format", "json",
		"--model", req.Model,
	}
	if req.SessionHandle != "" {
		args = append(args, "--resume", req.SessionHandle)
	}
	args = append(args, req.Prompt)

	start := time.Now()
	// CLAUDECODE is cleared so nested invocations do not inherit the
	// outer CLI's environment detection.
	out, exitCode, err := inv.runner.Run(ctx, inv.binary, args, []string{"CLAUDECODE="})
	inv.capture(req.LogPath, out)

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("worker invocation cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("running %s: %w", inv.binary, err)
	}

	if exitCode != 0 {
		tail := Tail(string(out), 4096)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The invocation deadline killed the worker; its partial
			// output rarely carries a timeout signature of its own, so
			// add one for the failure classifier.
			tail += fmt.Sprintf("\nworker timed out after %s", req.Timeout)
		}
		inv.logger.Warn("worker failed",
			zap.Int("exit_code", exitCode),
			zap.Duration("elapsed", time.Since(start)))
		return nil, &ExitError{ExitCode: exitCode, Tail: tail}
	}

	var msg resultMessage
	if jsonErr := json.Unmarshal(out, &msg); jsonErr != nil {
		return nil, fmt.Errorf("%w: unparseable result: %v", ErrNoSessionHandle, jsonErr)
	}
	if msg.SessionID == "" {
		return nil, ErrNoSessionHandle
	}
	if msg.IsError {
		return nil, &ExitError{ExitCode: 0, Tail: Tail(msg.Result, 4096)}
	}

	res := &Result{
		SessionHandle: msg.SessionID,
		Reply:         msg.Result,
		Usage:         msg.Usage,
		ContextWindow: contextWindow(msg.ModelUsage),
	}

	inv.logger.Debug("worker succeeded",
		zap.String("session", res.SessionHandle),
		zap.Int("tokens", res.Usage.Total()),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// capture appends raw worker output to the log file. Capture failures
// are logged, never propagated: losing a log must not fail an attempt.
func (inv *Invoker) capture(logPath string, out []byte) {
	if logPath == "" || len(out) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		inv.logger.Warn("creating log dir failed", zap.Error(err))
		return
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		inv.logger.Warn("opening log file failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(out); err != nil {
		inv.logger.Warn("writing log file failed", zap.Error(err))
	}
}

// contextWindow picks the reported window; with several models in play
// the smallest window is the binding budget.
func contextWindow(usage map[string]modelUsage) int {
	window := 0
	for _, mu := range usage {
		if mu.ContextWindow > 0 && (window == 0 || mu.ContextWindow < window) {
			window = mu.ContextWindow
		}
	}
	if window == 0 {
		return DefaultContextWindow
	}
	return window
}

// Tail returns the last n bytes of s, trimmed to whole lines where
// possible.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	return s
}
