package eventlog

import (
	"context"
	"sync"
	"time"
)

type memLog struct {
	entries    [][]byte
	closed     bool
	lastAppend time.Time
	expiresAt  time.Time
	// notify is closed and replaced on every append, close and eviction.
	notify chan struct{}
}

func (l *memLog) expired(now time.Time) bool {
	return !l.expiresAt.IsZero() && !now.Before(l.expiresAt)
}

func (l *memLog) wake() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// MemoryStore keeps every log in process memory. Expired logs are invisible
// immediately and reclaimed by Sweep.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string]*memLog
	now  func() time.Time
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: map[string]*memLog{}, now: time.Now}
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// lookup returns the live log for key. Caller holds s.mu.
func (s *MemoryStore) lookup(key string) (*memLog, error) {
	l, ok := s.logs[key]
	if !ok {
		return nil, ErrNotFound
	}
	if l.expired(s.now()) {
		delete(s.logs, key)
		l.wake()
		return nil, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) Create(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(key); err == nil {
		return nil
	}
	now := s.now()
	s.logs[key] = &memLog{
		lastAppend: now,
		expiresAt:  deadline(now, ttl),
		notify:     make(chan struct{}),
	}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, key string, data []byte, final bool, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(key)
	if err != nil {
		return 0, err
	}
	if l.closed {
		return 0, ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.entries = append(l.entries, buf)
	now := s.now()
	l.lastAppend = now
	l.expiresAt = deadline(now, ttl)
	if final {
		l.closed = true
	}
	l.wake()
	return int64(len(l.entries) - 1), nil
}

func (s *MemoryStore) Range(ctx context.Context, key string, from int64, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	n := int64(len(l.entries))
	if from >= n {
		return nil, nil
	}
	end := n
	if limit > 0 && from+int64(limit) < end {
		end = from + int64(limit)
	}
	out := make([]Entry, 0, end-from)
	for seq := from; seq < end; seq++ {
		out = append(out, Entry{Seq: seq, Data: l.entries[seq]})
	}
	return out, nil
}

func (s *MemoryStore) Wait(ctx context.Context, key string, after int64) error {
	s.mu.Lock()
	l, err := s.lookup(key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if int64(len(l.entries))-1 > after || l.closed {
		s.mu.Unlock()
		return nil
	}
	ch := l.notify
	var expiry <-chan time.Time
	if !l.expiresAt.IsZero() {
		timer := time.NewTimer(l.expiresAt.Sub(s.now()))
		defer timer.Stop()
		expiry = timer.C
	}
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-expiry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStore) Info(ctx context.Context, key string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(key)
	if err != nil {
		return Info{}, err
	}
	return Info{
		LastSeq:    int64(len(l.entries)) - 1,
		Closed:     l.closed,
		LastAppend: l.lastAppend,
	}, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.lookup(key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		delete(s.logs, key)
		l.wake()
		return nil
	}
	l.expiresAt = s.now().Add(ttl)
	return nil
}

// Sweep drops expired logs and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, l := range s.logs {
		if l.expired(now) {
			delete(s.logs, key)
			l.wake()
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Close() error { return nil }
