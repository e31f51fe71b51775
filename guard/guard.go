// Package guard enforces that at most one relay instance processes messages
// at a time. Ownership is a heartbeat-stamped lock file; a crashed instance
// never needs manual cleanup because its lock simply goes stale.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Altoh5/claude-telegram-relay/internal/fsstore"
)

const (
	// StaleThreshold is how old a heartbeat may be before the lock counts
	// as abandoned and may be taken over.
	StaleThreshold = 90 * time.Second

	// HeartbeatInterval re-stamps the lock well under the staleness
	// threshold so a live process never looks dead.
	HeartbeatInterval = 60 * time.Second
)

type lockFile struct {
	OwnerPid    int       `json:"owner_pid"`
	Hostname    string    `json:"hostname"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

type ProcessLock struct {
	path     string
	lockPath string
	logger   *slog.Logger

	pid int
	now func() time.Time
}

// NewProcessLock builds a lock rooted at path (the JSON state file). The
// flock sidecar serializes concurrent acquire attempts on the same host.
func NewProcessLock(path string, logger *slog.Logger) (*ProcessLock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing lock path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessLock{
		path:     filepath.Clean(path),
		lockPath: filepath.Clean(path) + ".lck",
		logger:   logger,
		pid:      os.Getpid(),
		now:      time.Now,
	}, nil
}

// Acquire reports whether this process now owns the instance lock. A
// missing lock or one with a heartbeat older than StaleThreshold is taken
// over; a fresh lock means another instance is live and the caller must
// exit without processing anything. Read failures refuse the start rather
// than risking double delivery.
func (l *ProcessLock) Acquire(ctx context.Context) (bool, error) {
	acquired := false
	err := fsstore.WithLock(ctx, l.lockPath, func() error {
		var cur lockFile
		exists, err := fsstore.ReadJSON(l.path, &cur)
		if err != nil {
			return fmt.Errorf("read process lock: %w", err)
		}
		if exists {
			age := l.now().Sub(cur.HeartbeatAt)
			if age < StaleThreshold {
				l.logger.Info("lock_held_elsewhere", "owner_pid", cur.OwnerPid, "heartbeat_age", age.String())
				return nil
			}
			l.logger.Info("lock_stale_takeover", "owner_pid", cur.OwnerPid, "heartbeat_age", age.String())
		}
		if err := l.stamp(); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Heartbeat re-stamps the lock. Failures are non-fatal for the caller: a
// healthy instance should not crash over a transient storage hiccup.
func (l *ProcessLock) Heartbeat(ctx context.Context) error {
	return fsstore.WithLock(ctx, l.lockPath, func() error {
		return l.stamp()
	})
}

// Release removes the lock; called only during graceful shutdown.
func (l *ProcessLock) Release(ctx context.Context) error {
	return fsstore.WithLock(ctx, l.lockPath, func() error {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove process lock: %w", err)
		}
		return nil
	})
}

// RunHeartbeat stamps the lock every HeartbeatInterval until ctx is done.
func (l *ProcessLock) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Heartbeat(ctx); err != nil {
				l.logger.Warn("lock_heartbeat_error", "error", err.Error())
			}
		}
	}
}

func (l *ProcessLock) stamp() error {
	host, _ := os.Hostname()
	return fsstore.WriteJSONAtomic(l.path, lockFile{
		OwnerPid:    l.pid,
		Hostname:    host,
		HeartbeatAt: l.now().UTC(),
	})
}
