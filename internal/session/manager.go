// Package session tracks the worker's conversational continuity and
// compacts it before the context window overflows.
//
// A session is ephemeral: it lives only in memory and is reset at group
// boundaries, after failed attempts, and after a successful compaction.
// Resumed runs therefore start with no session; cumulative token usage is
// deliberately not persisted (see DESIGN.md).
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/claude"
)

// Invoker is the slice of the worker invoker compaction needs.
type Invoker interface {
	Invoke(ctx context.Context, req claude.Request) (*claude.Result, error)
}

// Manager owns the active session and the compaction policy.
type Manager struct {
	invoker      Invoker
	model        string
	threshold    float64
	summaryWords int
	timeout      time.Duration
	logger       *zap.Logger

	handle           string
	cumulativeTokens int
	contextWindow    int

	// pendingSummary is consumed by exactly one invocation and
	// discarded at group boundaries.
	pendingSummary string
}

// NewManager creates a session manager. threshold is the fraction of the
// context window that triggers compaction.
func NewManager(invoker Invoker, model string, threshold float64, summaryWords int, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		invoker:      invoker,
		model:        model,
		threshold:    threshold,
		summaryWords: summaryWords,
		timeout:      timeout,
		logger:       logger.Named("session"),
	}
}

// Handle returns the continuation handle for the next invocation, empty
// when the next invocation should start a fresh session.
func (m *Manager) Handle() string {
	return m.handle
}

// CumulativeTokens returns the running total for the active session.
func (m *Manager) CumulativeTokens() int {
	return m.cumulativeTokens
}

// Record notes a successful invocation: the new continuation handle and
// its token usage against the reported context window.
func (m *Manager) Record(handle string, usage claude.Usage, contextWindow int) {
	m.handle = handle
	m.cumulativeTokens += usage.Total()
	if contextWindow > 0 {
		m.contextWindow = contextWindow
	}
}

// Reset clears the session. Called on failed attempts and before retry
// attempts; the continuation chain never spans a failure.
func (m *Manager) Reset() {
	m.handle = ""
	m.cumulativeTokens = 0
	m.contextWindow = 0
}

// CrossGroupBoundary clears the session and discards any pending
// compaction summary; summaries never leak into the next group.
func (m *Manager) CrossGroupBoundary() {
	m.Reset()
	m.pendingSummary = ""
}

// NeedsCompaction reports whether cumulative usage has crossed the
// compaction threshold of the context window.
func (m *Manager) NeedsCompaction() bool {
	if m.contextWindow <= 0 {
		return false
	}
	return float64(m.cumulativeTokens)/float64(m.contextWindow) >= m.threshold
}

// Compact summarizes the active session and restarts it.
//
// The summary is requested in continuation mode so the worker can see
// what it did. Whatever happens, the handle is cleared and the counter
// zeroed: a failed summarization falls back to an empty summary rather
// than failing the item or leaving an overflowing session in place.
func (m *Manager) Compact(ctx context.Context) {
	if m.handle == "" {
		return
	}

	prompt := fmt.Sprintf(
		"Summarize the work completed in this session in at most %d words: "+
			"files touched, decisions made, and the current state. "+
			"This summary will seed a fresh session.", m.summaryWords)

	res, err := m.invoker.Invoke(ctx, claude.Request{
		Prompt:        prompt,
		SessionHandle: m.handle,
		Model:         m.model,
		Timeout:       m.timeout,
	})
	if err != nil {
		m.logger.Warn("compaction summarization failed, continuing with empty summary",
			zap.Error(err))
		m.pendingSummary = ""
	} else {
		m.pendingSummary = res.Reply
		m.logger.Info("session compacted",
			zap.Int("tokens", m.cumulativeTokens),
			zap.Int("window", m.contextWindow))
	}

	m.handle = ""
	m.cumulativeTokens = 0
	m.contextWindow = 0
}

// ConsumeSummary returns the pending compaction summary and clears it;
// the summary is used by exactly one invocation.
func (m *Manager) ConsumeSummary() string {
	s := m.pendingSummary
	m.pendingSummary = ""
	return s
}
