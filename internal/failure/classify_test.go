package failure

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Kind
	}{
		{"rate limit phrase", "Error: rate limit exceeded, retry later", KindRateLimit},
		{"http 429", "upstream returned 429", KindRateLimit},
		{"overloaded", "API Error: Overloaded", KindRateLimit},
		{"context overflow", "error: prompt is too long for the context window", KindContextOverflow},
		{"token limit", "request exceeds token limit", KindContextOverflow},
		{"auth", "401 Unauthorized", KindAuth},
		{"api key", "Invalid API key provided", KindAuth},
		{"credit", "your credit balance is too low", KindAuth},
		{"timeout", "request timed out after 300s", KindTimeout},
		{"deadline", "context deadline exceeded", KindTimeout},
		{"refused", "dial tcp: connection refused", KindNetwork},
		{"dns", "lookup api.anthropic.com: no such host", KindNetwork},
		{"unknown", "the assistant got confused and gave up", KindUnknown},
		{"empty", "", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.output))
		})
	}
}

func TestClassify_Precedence(t *testing.T) {
	// A throttling signature wins regardless of other content.
	mixed := "connection reset by peer; then got 429 too many requests; also timed out"
	assert.Equal(t, KindRateLimit, Classify(mixed))

	// Context overflow outranks auth and below.
	mixed = "401 unauthorized after the prompt is too long error"
	assert.Equal(t, KindContextOverflow, Classify(mixed))
}

func TestClassify_OnlyInspectsTail(t *testing.T) {
	// A signature buried before the inspected tail is ignored.
	padding := strings.Repeat("y", tailBytes)
	assert.Equal(t, KindUnknown, Classify("rate limit"+padding))

	// The same signature inside the tail is seen.
	assert.Equal(t, KindRateLimit, Classify(padding+"rate limit"))
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindRateLimit.Retryable())
	assert.True(t, KindContextOverflow.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindNetwork.Retryable())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindUnknown.Retryable())
}
