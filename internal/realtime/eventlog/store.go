// Package eventlog is an ordered, keyed append-log with expiry. Each key holds
// a gap-free run of entries numbered from 0 and can be closed by a final append.
package eventlog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("eventlog: log not found")
	ErrClosed   = errors.New("eventlog: log closed")
)

type Entry struct {
	Seq  int64
	Data []byte
}

type Info struct {
	// LastSeq is -1 for a log with no entries.
	LastSeq    int64
	Closed     bool
	LastAppend time.Time
}

type Store interface {
	// Create registers an empty log that lives for ttl unless appended to.
	Create(ctx context.Context, key string, ttl time.Duration) error
	// Append stores data under the next sequence and returns it. A final append
	// closes the log. ttl restarts the log's expiry from now.
	Append(ctx context.Context, key string, data []byte, final bool, ttl time.Duration) (int64, error)
	// Range returns up to limit entries with Seq >= from, in order.
	Range(ctx context.Context, key string, from int64, limit int) ([]Entry, error)
	// Wait blocks until an entry after `after` may exist, the log is closed, or
	// ctx ends. Callers re-read with Range; spurious wakeups are allowed.
	Wait(ctx context.Context, key string, after int64) error
	Info(ctx context.Context, key string) (Info, error)
	// Expire reschedules eviction. ttl <= 0 evicts immediately.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// Sweeper is implemented by stores that evict lazily and need a periodic pass.
type Sweeper interface {
	Sweep(now time.Time) int
}
