package failure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/claude"
)

// Analysis is the Analyst's verdict on an unclassifiable failure.
type Analysis struct {
	Retry  bool   `json:"retry"`
	Reason string `json:"reason"`
	Hint   string `json:"hint"`
}

// unavailable is returned whenever the Analyst cannot produce a
// well-formed verdict. Defaulting to no-retry keeps a broken analyst
// from spinning the attempt loop.
var unavailable = Analysis{Retry: false, Reason: "analysis unavailable", Hint: ""}

// Invoker is the slice of the worker invoker the Analyst needs.
type Invoker interface {
	Invoke(ctx context.Context, req claude.Request) (*claude.Result, error)
}

// Analyst asks a lightweight worker instance whether an unknown failure
// is worth retrying.
type Analyst struct {
	invoker Invoker
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewAnalyst creates an Analyst using the given model.
func NewAnalyst(invoker Invoker, model string, timeout time.Duration, logger *zap.Logger) *Analyst {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyst{
		invoker: invoker,
		model:   model,
		timeout: timeout,
		logger:  logger.Named("analyst"),
	}
}

const analystPrompt = `A task automation step failed. Decide whether retrying could succeed.

Task:
%s

Output tail of the failed attempt:
%s

Respond with ONLY a JSON object, no prose, exactly this shape:
{"retry": true or false, "reason": "one sentence", "hint": "one short instruction for the retry, or empty"}`

// Analyze returns the Analyst's verdict. Any failure to reach the
// worker or parse its reply yields the no-retry fallback; the Analyst
// never blocks or fails the run.
func (a *Analyst) Analyze(ctx context.Context, itemText, outputTail string) Analysis {
	res, err := a.invoker.Invoke(ctx, claude.Request{
		Prompt:  fmt.Sprintf(analystPrompt, itemText, outputTail),
		Model:   a.model,
		Timeout: a.timeout,
	})
	if err != nil {
		a.logger.Warn("analyst invocation failed", zap.Error(err))
		return unavailable
	}

	verdict, ok := parseVerdict(res.Reply)
	if !ok {
		a.logger.Warn("analyst returned malformed verdict",
			zap.String("reply", claude.Tail(res.Reply, 200)))
		return unavailable
	}

	a.logger.Debug("analyst verdict",
		zap.Bool("retry", verdict.Retry),
		zap.String("reason", verdict.Reason))
	return verdict
}

// parseVerdict extracts the JSON object from a possibly chatty reply.
func parseVerdict(reply string) (Analysis, bool) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return unavailable, false
	}
	var verdict Analysis
	if err := json.Unmarshal([]byte(reply[start:end+1]), &verdict); err != nil {
		return unavailable, false
	}
	if verdict.Reason == "" {
		verdict.Reason = "no reason given"
	}
	return verdict, true
}
