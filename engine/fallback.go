package engine

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackRunner tries each backend in order until one returns a usable
// result. A failed invocation is never retried on the same backend.
type FallbackRunner struct {
	Runners []Runner
	Logger  *slog.Logger
}

func NewFallbackRunner(runners ...Runner) *FallbackRunner {
	return &FallbackRunner{Runners: runners}
}

func (f *FallbackRunner) Run(ctx context.Context, prompt string, opts Options) (Result, error) {
	if len(f.Runners) == 0 {
		return Result{}, fmt.Errorf("no backends configured")
	}

	var last Result
	var lastErr error
	for i, r := range f.Runners {
		if ctx.Err() != nil {
			return Result{IsError: true}, ctx.Err()
		}
		res, err := r.Run(ctx, prompt, opts)
		if err == nil && !res.IsError {
			return res, nil
		}
		last, lastErr = res, err
		if i < len(f.Runners)-1 {
			f.logger().Warn("engine_fallback", "backend", i, "is_error", res.IsError,
				"error", errString(err))
		}
	}
	return last, lastErr
}

func (f *FallbackRunner) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
