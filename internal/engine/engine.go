// Package engine drives the ordered work-item list to completion: one
// item at a time, one worker subprocess per attempt, with checkpoint
// isolation, failure triage, retry with backoff, and session
// continuity across items in the same group.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/claude"
	"github.com/agentloop/agentloop/internal/failure"
	"github.com/agentloop/agentloop/internal/session"
	"github.com/agentloop/agentloop/internal/state"
)

// ErrInterrupted is returned by Run when the context was cancelled and
// the in-flight item has been persisted as interrupted.
var ErrInterrupted = errors.New("run interrupted")

// partialContextBytes bounds the output tail saved with an interrupted
// item.
const partialContextBytes = 500

// Invoker runs the worker once per attempt.
type Invoker interface {
	Invoke(ctx context.Context, req claude.Request) (*claude.Result, error)
}

// Checkpointer isolates attempts in the external VCS.
type Checkpointer interface {
	Open(ctx context.Context, label string) string
	Abandon(ctx context.Context, id string)
}

// Analyst triages failures local classification could not place.
type Analyst interface {
	Analyze(ctx context.Context, itemText, outputTail string) failure.Analysis
}

// Config holds the engine's tunables.
type Config struct {
	// Model is the model requested for every item. FallbackModel, when
	// set, is alternated in after rate-limit or timeout failures; the
	// requested model is restored once the item terminates.
	Model         string
	FallbackModel string

	MaxAttempts   int
	WorkerTimeout time.Duration

	// LogDir receives one raw output file per attempt.
	LogDir string
}

// Deps are the engine's collaborators.
type Deps struct {
	Store       *state.Store
	Checkpoints Checkpointer
	Invoker     Invoker
	Analyst     Analyst
	Sessions    *session.Manager
	Inflight    *Inflight
	Logger      *zap.Logger
}

// Summary is the outcome of one Run.
type Summary struct {
	Completed   int
	Failed      int
	Skipped     int
	Interrupted bool

	// FailedItems carries the terminally failed items for the run
	// report.
	FailedItems []state.Item
}

// Engine executes a run.
type Engine struct {
	cfg         Config
	store       *state.Store
	checkpoints Checkpointer
	invoker     Invoker
	analyst     Analyst
	sessions    *session.Manager
	inflight    *Inflight
	logger      *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep substitutes the backoff sleep. Tests use this.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithJitter substitutes the backoff jitter source. Tests use this.
func WithJitter(fn func() float64) Option {
	return func(e *Engine) { e.jitter = fn }
}

// New creates an Engine.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inflight := deps.Inflight
	if inflight == nil {
		inflight = NewInflight()
	}
	e := &Engine{
		cfg:         cfg,
		store:       deps.Store,
		checkpoints: deps.Checkpoints,
		invoker:     deps.Invoker,
		analyst:     deps.Analyst,
		sessions:    deps.Sessions,
		inflight:    inflight,
		logger:      logger.Named("engine"),
		sleep:       sleepContext,
		jitter:      rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run walks the item list once, in order. Completed and failed items
// are skipped, interrupted items are retried with their attempt count
// reset, and a failure of one item never stops the walk. It returns
// ErrInterrupted after persisting the in-flight item when ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{}
	prevGroup := ""

	for i := 0; i < e.store.Len(); i++ {
		item, err := e.store.Item(i)
		if err != nil {
			return nil, err
		}

		if prevGroup != "" && item.Group != prevGroup {
			e.sessions.CrossGroupBoundary()
		}
		prevGroup = item.Group

		if item.Terminal() {
			sum.Skipped++
			continue
		}

		if ctx.Err() != nil {
			sum.Interrupted = true
			return sum, ErrInterrupted
		}

		status, err := e.runItem(ctx, i, item)
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				sum.Interrupted = true
				return sum, err
			}
			return nil, err
		}

		switch status {
		case state.StatusCompleted:
			sum.Completed++
		case state.StatusFailed:
			sum.Failed++
			if failed, ierr := e.store.Item(i); ierr == nil {
				sum.FailedItems = append(sum.FailedItems, failed)
			}
		}
	}
	return sum, nil
}

// runItem runs the attempt loop for one item and returns its terminal
// status. A non-nil error is either ErrInterrupted or a state store
// write failure; both abort the run.
func (e *Engine) runItem(ctx context.Context, idx int, item state.Item) (state.Status, error) {
	hint := ""
	if item.Status == state.StatusInterrupted {
		// An interruption is not a failed attempt: the count restarts
		// and the saved output tail seeds the first retry.
		hint = interruptHint(item.PartialContext)
		err := e.store.Update(idx, func(w *state.Item) {
			w.Status = state.StatusPending
			w.Attempts = 0
			w.InterruptedAt = nil
			w.PartialContext = ""
		})
		if err != nil {
			return "", err
		}
		e.logger.Info("resuming interrupted item", zap.Int("item", idx))
	}

	model := e.cfg.Model
	checkpointID := ""

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		// Each attempt gets its own checkpoint; the failed previous
		// attempt's checkpoint is rolled back first.
		e.checkpoints.Abandon(ctx, checkpointID)
		checkpointID = e.checkpoints.Open(ctx, checkpointLabel(idx, item.Group, attempt))

		logPath := e.logPath(idx, attempt)
		e.inflight.Set(idx, logPath)
		err := e.store.Update(idx, func(w *state.Item) {
			w.Status = state.StatusRunning
			w.Attempts = attempt
			w.CheckpointID = checkpointID
			w.LogRef = logPath
		})
		if err != nil {
			return "", err
		}

		res, invokeErr := e.invoker.Invoke(ctx, claude.Request{
			Prompt:        buildPrompt(e.sessions.ConsumeSummary(), hint, item.Text),
			SessionHandle: e.sessions.Handle(),
			Model:         model,
			Timeout:       e.cfg.WorkerTimeout,
			LogPath:       logPath,
		})

		if invokeErr == nil {
			e.sessions.Record(res.SessionHandle, res.Usage, res.ContextWindow)
			err := e.store.Update(idx, func(w *state.Item) {
				w.Status = state.StatusCompleted
				w.SessionHandle = res.SessionHandle
			})
			if err != nil {
				return "", err
			}
			e.inflight.Clear()
			e.logger.Info("item completed",
				zap.Int("item", idx),
				zap.Int("attempts", attempt),
				zap.Int("tokens", res.Usage.Total()))
			if e.sessions.NeedsCompaction() {
				e.sessions.Compact(ctx)
			}
			return state.StatusCompleted, nil
		}

		if ctx.Err() != nil {
			return "", e.markInterrupted(idx, logPath, checkpointID)
		}

		tail := failureTail(invokeErr, logPath)
		kind := failure.Classify(tail)
		e.appendNote(logPath, "classification: "+string(kind))
		e.logger.Warn("attempt failed",
			zap.Int("item", idx),
			zap.Int("attempt", attempt),
			zap.String("classification", string(kind)),
			zap.Error(invokeErr))

		// A failed attempt breaks the continuation chain.
		e.sessions.Reset()
		hint = ""

		if kind == failure.KindAuth {
			break
		}
		if attempt >= e.cfg.MaxAttempts {
			break
		}

		retry := true
		switch kind {
		case failure.KindContextOverflow:
			hint = conciseHint
		case failure.KindUnknown:
			verdict := e.analyst.Analyze(ctx, item.Text, tail)
			e.appendNote(logPath, "analyst: "+verdict.Reason)
			if verdict.Retry {
				hint = verdict.Hint
			} else {
				e.logger.Info("analyst recommends no retry",
					zap.Int("item", idx),
					zap.String("reason", verdict.Reason))
				retry = false
			}
		default:
			hint = retryHint(kind)
		}
		if !retry {
			break
		}

		delay := backoffDelay(attempt, kind == failure.KindRateLimit, e.jitter)
		e.logger.Info("backing off before retry",
			zap.Int("item", idx),
			zap.Duration("delay", delay))
		if err := e.sleep(ctx, delay); err != nil {
			return "", e.markInterrupted(idx, logPath, checkpointID)
		}

		if e.cfg.FallbackModel != "" &&
			(kind == failure.KindRateLimit || kind == failure.KindTimeout) {
			if model == e.cfg.Model {
				model = e.cfg.FallbackModel
			} else {
				model = e.cfg.Model
			}
			e.logger.Info("switching worker model",
				zap.Int("item", idx),
				zap.String("model", model))
		}
	}

	// Attempts exhausted, auth failure, or analyst no-retry. Roll back
	// the last attempt's checkpoint and break the chain for the next
	// item.
	e.checkpoints.Abandon(ctx, checkpointID)
	e.sessions.Reset()
	e.inflight.Clear()
	err := e.store.Update(idx, func(w *state.Item) {
		w.Status = state.StatusFailed
	})
	if err != nil {
		return "", err
	}
	e.logger.Warn("item failed", zap.Int("item", idx))
	return state.StatusFailed, nil
}

// markInterrupted persists the in-flight item as interrupted. It uses a
// background context: the run context is already cancelled, but the
// checkpoint rollback and the state write must still happen.
func (e *Engine) markInterrupted(idx int, logPath, checkpointID string) error {
	ctx := context.Background()
	partial := logTail(logPath, partialContextBytes)
	e.checkpoints.Abandon(ctx, checkpointID)
	now := time.Now().UTC()
	err := e.store.Update(idx, func(w *state.Item) {
		w.Status = state.StatusInterrupted
		w.InterruptedAt = &now
		w.PartialContext = partial
	})
	if err != nil {
		return err
	}
	e.inflight.Clear()
	e.logger.Info("item interrupted", zap.Int("item", idx))
	return ErrInterrupted
}

func (e *Engine) logPath(idx, attempt int) string {
	if e.cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(e.cfg.LogDir, fmt.Sprintf("item-%03d-attempt-%d.log", idx+1, attempt))
}

// appendNote records a triage note at the end of an attempt's log file
// so the failure reason stays retrievable alongside the raw output.
func (e *Engine) appendNote(logPath, note string) {
	if logPath == "" {
		return
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		e.logger.Warn("writing triage note failed", zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n[agentloop] %s\n", note)
}

const conciseHint = "The previous attempt ran out of context. Be more concise: " +
	"avoid re-reading large files and keep your output short."

func retryHint(kind failure.Kind) string {
	return fmt.Sprintf("The previous attempt failed (%s). Retry the task.", kind)
}

func interruptHint(partial string) string {
	if partial == "" {
		return "A previous attempt at this task was interrupted partway. " +
			"Verify any partial work before continuing."
	}
	return "A previous attempt at this task was interrupted partway. " +
		"Tail of its output:\n" + partial +
		"\nVerify any partial work before continuing."
}

// buildPrompt assembles the effective prompt: pending compaction
// summary first, then any retry hint, then the item's own text.
func buildPrompt(summary, hint, text string) string {
	var b strings.Builder
	if summary != "" {
		b.WriteString("Context from earlier work in this session:\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	if hint != "" {
		b.WriteString(hint)
		b.WriteString("\n\n")
	}
	b.WriteString(text)
	return b.String()
}

func checkpointLabel(idx int, group string, attempt int) string {
	return fmt.Sprintf("agentloop: %s item %d attempt %d", group, idx+1, attempt)
}

// failureTail yields the output tail used for classification: the exit
// error's captured tail when available, otherwise the attempt's log
// file, otherwise the error text itself.
func failureTail(err error, logPath string) string {
	var exitErr *claude.ExitError
	if errors.As(err, &exitErr) && exitErr.Tail != "" {
		return exitErr.Tail
	}
	if tail := logTail(logPath, 4096); tail != "" {
		return tail
	}
	return err.Error()
}

func logTail(path string, n int) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return claude.Tail(string(data), n)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
