// Package runlock provides the process-wide advisory lock that serializes
// backup and restore runs. Only one run may be active system-wide; a run that
// cannot take the lock within its wait budget fails fast with ErrBusy instead
// of queueing behind a long-running operation.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrBusy indicates the lock is held by another run.
var ErrBusy = errors.New("another backup or restore run is in progress")

// Lock is a file-based advisory lock.
type Lock struct {
	path       string
	staleAfter time.Duration
	logger     zerolog.Logger
}

// Option configures a Lock.
type Option func(*Lock)

// WithStaleAfter makes Acquire treat a lockfile older than d as abandoned by
// a crashed process and reclaim it. Zero disables reclaiming.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Lock) { l.staleAfter = d }
}

// New creates a lock backed by the file at path.
func New(path string, logger zerolog.Logger, opts ...Option) *Lock {
	l := &Lock{
		path:       path,
		staleAfter: 6 * time.Hour,
		logger:     logger.With().Str("component", "runlock").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock, waiting up to wait for a concurrent holder to
// release it. Returns ErrBusy if the lock is still held when the budget is
// exhausted. The returned release function is safe to call once.
func (l *Lock) Acquire(ctx context.Context, owner string, wait time.Duration) (release func(), err error) {
	deadline := time.Now().Add(wait)
	pollInterval := 250 * time.Millisecond

	for {
		if err := l.tryAcquire(owner); err == nil {
			l.logger.Debug().Str("owner", owner).Msg("run lock acquired")
			return l.release, nil
		} else if !errors.Is(err, ErrBusy) {
			return nil, err
		}

		if time.Now().After(deadline) {
			holder := l.holder()
			l.logger.Warn().
				Str("owner", owner).
				Str("holder", holder).
				Dur("waited", wait).
				Msg("run lock busy")
			return nil, fmt.Errorf("%w (held by %s)", ErrBusy, holder)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (l *Lock) tryAcquire(owner string) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("create lockfile %s: %w", l.path, err)
		}
		if l.reclaimIfStale() {
			return ErrBusy // removed; next attempt races fairly for it
		}
		return ErrBusy
	}

	fmt.Fprintf(f, "%s pid=%d at=%s\n", owner, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return f.Close()
}

// reclaimIfStale removes the lockfile when its mtime is older than the stale
// budget, which covers a holder that died without releasing.
func (l *Lock) reclaimIfStale() bool {
	if l.staleAfter <= 0 {
		return false
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < l.staleAfter {
		return false
	}
	l.logger.Warn().
		Str("path", l.path).
		Time("mtime", info.ModTime()).
		Msg("reclaiming stale run lock")
	return os.Remove(l.path) == nil
}

func (l *Lock) holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return "unknown"
	}
	return strings.TrimSpace(string(data[:min(len(data), 120)]))
}

func (l *Lock) release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Error().Err(err).Str("path", l.path).Msg("failed to release run lock")
		return
	}
	l.logger.Debug().Msg("run lock released")
}

// OwnerName builds a lock owner tag from an operation name and a run ID.
func OwnerName(op string, runID string) string {
	return op + ":" + runID + " host-pid:" + strconv.Itoa(os.Getpid())
}
