package engine

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// CLIRunner shells out to the reasoning CLI. The child process is killed by
// an explicit timer when the timeout elapses; relying on a race between
// "wait for output" and "wait for timer" would leave the process running.
type CLIRunner struct {
	Bin            string
	ExtraArgs      []string
	MaxOutputBytes int
	Logger         *slog.Logger
}

func NewCLIRunner(bin string, extraArgs ...string) *CLIRunner {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "claude"
	}
	return &CLIRunner{
		Bin:            bin,
		ExtraArgs:      extraArgs,
		MaxOutputBytes: 1024 * 1024,
	}
}

func (r *CLIRunner) Run(ctx context.Context, prompt string, opts Options) (Result, error) {
	timeout := normalizeTimeout(opts.Timeout)

	format := "json"
	if opts.OnProgress != nil {
		format = "stream-json"
	}

	args := append([]string(nil), r.ExtraArgs...)
	args = append(args, "-p", prompt, "--output-format", format)
	if format == "stream-json" {
		args = append(args, "--verbose")
	}
	if s := strings.TrimSpace(opts.ResumeSessionID); s != "" {
		args = append(args, "--resume", s)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}

	cmd := exec.Command(r.Bin, args...)

	var stdout limitedBuffer
	var stderr limitedBuffer
	stdout.Limit = r.MaxOutputBytes
	stderr.Limit = r.MaxOutputBytes
	if opts.OnProgress != nil {
		acc := &streamAccumulator{onProgress: opts.OnProgress}
		cmd.Stdout = teeLines(&stdout, acc)
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	// The timer owns the kill, independent of any output ever arriving.
	var timedOut atomic.Bool
	killTimer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		case <-watchDone:
		}
	}()

	waitErr := cmd.Wait()
	killTimer.Stop()
	close(watchDone)

	if timedOut.Load() {
		r.logger().Warn("engine_timeout", "bin", r.Bin, "timeout", timeout.String())
		return Result{IsError: true}, nil
	}
	if ctx.Err() != nil {
		return Result{IsError: true}, ctx.Err()
	}

	res := decodeOutput(stdout.Bytes())
	combined := res.Text + "\n" + string(stderr.Bytes())
	if !res.IsError {
		if kind, ok := classifyErrorText(combined); ok {
			r.logger().Warn("engine_error_signature", "kind", kind)
			res.IsError = true
		}
	}
	if waitErr != nil && strings.TrimSpace(res.Text) == "" {
		r.logger().Warn("engine_exit_error", "error", waitErr.Error(), "stderr", firstLine(string(stderr.Bytes())))
		res.IsError = true
	}
	return res, nil
}

func (r *CLIRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// teeLines writes through to dst while feeding complete lines to acc for
// progress reporting.
func teeLines(dst *limitedBuffer, acc *streamAccumulator) *lineTee {
	return &lineTee{dst: dst, acc: acc}
}

type lineTee struct {
	dst     *limitedBuffer
	acc     *streamAccumulator
	partial bytes.Buffer
}

func (t *lineTee) Write(p []byte) (int, error) {
	n, err := t.dst.Write(p)
	t.partial.Write(p)
	for {
		data := t.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), data[:i]...)
		t.partial.Next(i + 1)
		t.acc.feedLine(line)
	}
	return n, err
}

type limitedBuffer struct {
	Limit     int
	Truncated bool
	buf       bytes.Buffer
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	if w.Limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.Limit - w.buf.Len()
	if remaining <= 0 {
		w.Truncated = true
		return len(p), nil
	}
	if len(p) <= remaining {
		return w.buf.Write(p)
	}
	_, _ = w.buf.Write(p[:remaining])
	w.Truncated = true
	return len(p), nil
}

func (w *limitedBuffer) Bytes() []byte {
	return w.buf.Bytes()
}
