package failure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloop/agentloop/internal/claude"
)

type fakeInvoker struct {
	reply string
	err   error
	got   claude.Request
}

func (f *fakeInvoker) Invoke(ctx context.Context, req claude.Request) (*claude.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &claude.Result{SessionHandle: "sess-analyst", Reply: f.reply}, nil
}

func TestAnalyze_Verdict(t *testing.T) {
	inv := &fakeInvoker{reply: `{"retry": true, "reason": "transient tool failure", "hint": "skip the flaky test"}`}
	a := NewAnalyst(inv, "haiku", time.Minute, nil)

	verdict := a.Analyze(context.Background(), "fix the build", "tool crashed")
	assert.True(t, verdict.Retry)
	assert.Equal(t, "transient tool failure", verdict.Reason)
	assert.Equal(t, "skip the flaky test", verdict.Hint)

	// The analyst uses its own lightweight model, fresh session.
	assert.Equal(t, "haiku", inv.got.Model)
	assert.Empty(t, inv.got.SessionHandle)
	assert.Contains(t, inv.got.Prompt, "fix the build")
	assert.Contains(t, inv.got.Prompt, "tool crashed")
}

func TestAnalyze_ChattyReplyStillParses(t *testing.T) {
	inv := &fakeInvoker{reply: "Here is my verdict:\n{\"retry\": false, \"reason\": \"task is impossible\", \"hint\": \"\"}\nHope that helps!"}
	a := NewAnalyst(inv, "haiku", time.Minute, nil)

	verdict := a.Analyze(context.Background(), "t", "o")
	assert.False(t, verdict.Retry)
	assert.Equal(t, "task is impossible", verdict.Reason)
}

func TestAnalyze_UnreachableWorker(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("no network")}
	a := NewAnalyst(inv, "haiku", time.Minute, nil)

	verdict := a.Analyze(context.Background(), "t", "o")
	require.Equal(t, unavailable, verdict)
	assert.False(t, verdict.Retry)
	assert.Equal(t, "analysis unavailable", verdict.Reason)
}

func TestAnalyze_MalformedReply(t *testing.T) {
	for _, reply := range []string{
		"sure, retrying sounds good",
		`{"retry": "yes"}`,
		"{broken json",
		"",
	} {
		inv := &fakeInvoker{reply: reply}
		a := NewAnalyst(inv, "haiku", time.Minute, nil)
		assert.Equal(t, unavailable, a.Analyze(context.Background(), "t", "o"), "reply=%q", reply)
	}
}

func TestParseVerdict_DefaultsReason(t *testing.T) {
	verdict, ok := parseVerdict(`{"retry": true}`)
	require.True(t, ok)
	assert.Equal(t, "no reason given", verdict.Reason)
}
