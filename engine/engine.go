// Package engine invokes the external reasoning backend and normalizes its
// output. The backend may be a local CLI subprocess or a hosted HTTP API;
// callers only see the Runner contract.
package engine

import (
	"context"
	"time"
)

const (
	// DefaultTimeout bounds a single plain invocation.
	DefaultTimeout = 5 * time.Minute

	// TaskTimeout is the extended bound used for paused-task invocations,
	// which may span many tool calls.
	TaskTimeout = 30 * time.Minute

	// progressInterval throttles OnProgress callbacks.
	progressInterval = 2 * time.Second
)

// Options configures one invocation. The prompt is expected to already carry
// all context the backend needs.
type Options struct {
	Timeout         time.Duration
	ResumeSessionID string
	AllowedTools    []string

	// OnProgress, when set, receives throttled step descriptions while the
	// backend streams. It must not block.
	OnProgress func(step string)
}

// Result is the normalized outcome of one invocation. IsError marks output
// that matched a known failure signature or a timed-out process; callers
// fall back rather than retrying the same backend.
type Result struct {
	Text      string
	SessionID string
	IsError   bool
}

type Runner interface {
	Run(ctx context.Context, prompt string, opts Options) (Result, error)
}

func normalizeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
