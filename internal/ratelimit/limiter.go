// Package ratelimit implements the per-client fixed window request limiter.
package ratelimit

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"guardian-gateway/internal/config"
)

// shardCount splits the key space so that inserting a new key or sweeping
// only locks a fraction of the clients.
const shardCount = 64

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the current window of the key ends.
	ResetAt time.Time
	// RetryAfter is set on rejections and tells the client how long to wait.
	RetryAfter time.Duration
}

// window is the counter state of one client key. Its mutex serializes
// concurrent requests from the same key; distinct keys never contend on it.
type window struct {
	mu    sync.Mutex
	count int
	start time.Time
	// dead is set when the sweeper has removed the window from the map.
	dead bool
}

type shard struct {
	mu      sync.RWMutex
	windows map[string]*window
}

// Limiter counts requests per client key over a fixed window.
//
// Expired keys are swept at most once per sweep interval. The sweep is
// triggered from Admit but runs on its own goroutine and locks one shard at
// a time, so no request waits for it.
type Limiter struct {
	max        int
	window     time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	seed   maphash.Seed
	shards [shardCount]shard

	lastSweep atomic.Int64
	sweeping  atomic.Bool
	// goSweep runs a sweep; replaced in tests to run inline.
	goSweep func(func())
}

// New creates a Limiter from the rate limit config.
func New(cfg *config.Config) *Limiter {
	rl := cfg.Server.RateLimit
	return newLimiter(rl.MaxRequests, rl.Window(), rl.SweepInterval(), time.Now)
}

func newLimiter(max int, win, sweepEvery time.Duration, now func() time.Time) *Limiter {
	if sweepEvery <= 0 {
		sweepEvery = win
	}
	l := &Limiter{
		max:        max,
		window:     win,
		sweepEvery: sweepEvery,
		now:        now,
		seed:       maphash.MakeSeed(),
		goSweep:    func(fn func()) { go fn() },
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	l.lastSweep.Store(now().UnixNano())
	return l
}

// Admit records one request for key and reports whether it may proceed.
// A rejected request does not move the counter past the maximum.
func (l *Limiter) Admit(key string) Decision {
	now := l.now()
	l.maybeSweep(now)

	for {
		w := l.lookup(key, now)

		w.mu.Lock()
		if w.dead {
			// Swept between lookup and lock; take a fresh window.
			w.mu.Unlock()
			continue
		}
		d := l.admitLocked(w, now)
		w.mu.Unlock()
		return d
	}
}

func (l *Limiter) admitLocked(w *window, now time.Time) Decision {
	if now.Sub(w.start) >= l.window {
		w.start = now
		w.count = 0
	}
	resetAt := w.start.Add(l.window)

	if w.count >= l.max {
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: l.max - w.count,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) shardFor(key string) *shard {
	return &l.shards[maphash.String(l.seed, key)%shardCount]
}

// lookup returns the window for key, creating it on first sight.
func (l *Limiter) lookup(key string, now time.Time) *window {
	s := l.shardFor(key)

	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok {
		return w
	}
	w = &window{start: now}
	s.windows[key] = w
	return w
}

// maybeSweep starts a sweep when the interval has passed and none is
// running. It reports whether one was started.
func (l *Limiter) maybeSweep(now time.Time) bool {
	last := l.lastSweep.Load()
	if now.UnixNano()-last < int64(l.sweepEvery) {
		return false
	}
	if !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return false
	}
	if !l.sweeping.CompareAndSwap(false, true) {
		return false
	}
	l.goSweep(func() {
		defer l.sweeping.Store(false)
		l.prune(now)
	})
	return true
}

// prune removes every window that has fully elapsed, one shard at a time.
func (l *Limiter) prune(now time.Time) {
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, w := range s.windows {
			w.mu.Lock()
			if now.Sub(w.start) >= l.window {
				w.dead = true
				delete(s.windows, key)
			}
			w.mu.Unlock()
		}
		s.mu.Unlock()
	}
}

// Len returns the number of tracked client keys.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.RLock()
		n += len(s.windows)
		s.mu.RUnlock()
	}
	return n
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration {
	return l.window
}
