// Package failure triages failed worker attempts.
//
// Classification is purely local: fixed-order signature matching over the
// tail of the captured output. When it comes back unknown, the Analyst
// (analyst.go) asks a lightweight worker instance to decide.
package failure

import "strings"

// Kind is the failure taxonomy.
type Kind string

const (
	KindRateLimit       Kind = "rate_limit"
	KindContextOverflow Kind = "context_overflow"
	KindAuth            Kind = "auth"
	KindTimeout         Kind = "timeout"
	KindNetwork         Kind = "network"
	KindUnknown         Kind = "unknown"
)

// Retryable reports whether the kind is retried with backoff. Auth is
// fatal; unknown is escalated to the Analyst instead.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindContextOverflow, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// tailBytes is how much of the captured output is inspected.
const tailBytes = 4096

// signatures are checked in this order; the first matching group wins.
var signatures = []struct {
	kind     Kind
	patterns []string
}{
	{KindRateLimit, []string{
		"rate limit", "rate_limit", "too many requests", "429",
		"quota exceeded", "overloaded",
	}},
	{KindContextOverflow, []string{
		"context window", "context length", "context limit",
		"maximum context", "prompt is too long", "token limit",
	}},
	{KindAuth, []string{
		"unauthorized", "authentication", "invalid api key",
		"api key not", "credit balance", "401", "403", "forbidden",
	}},
	{KindTimeout, []string{
		"timed out", "timeout", "deadline exceeded",
	}},
	{KindNetwork, []string{
		"connection refused", "connection reset", "no such host",
		"network is unreachable", "econnrefused", "econnreset",
		"dns", "could not resolve",
	}},
}

// Classify maps a captured output tail to a failure kind. It is a pure
// function of its input: no network, no worker call.
func Classify(output string) Kind {
	if len(output) > tailBytes {
		output = output[len(output)-tailBytes:]
	}
	lower := strings.ToLower(output)
	for _, sig := range signatures {
		for _, p := range sig.patterns {
			if strings.Contains(lower, p) {
				return sig.kind
			}
		}
	}
	return KindUnknown
}
