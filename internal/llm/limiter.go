package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LimiterConfig bounds concurrent LLM generation calls.
type LimiterConfig struct {
	GlobalLimit     int64
	PerSessionLimit int64
}

// DefaultLimiterConfig returns sensible defaults for a single edge node.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{GlobalLimit: 8, PerSessionLimit: 2}
}

// SessionLimiter bounds how many concurrent generate calls may run,
// both overall and per session, so one chatty session can't starve
// the rest. The global counter is a bare atomic int64 (lock-free on
// the hot path); the per-session map is guarded by a plain mutex since
// sessions come and go far less often than permits are acquired.
type SessionLimiter struct {
	config LimiterConfig

	globalInUse int64

	mu       sync.Mutex
	sessions map[string]*int64
}

// NewSessionLimiter builds a limiter from config, applying defaults for
// non-positive bounds.
func NewSessionLimiter(config LimiterConfig) *SessionLimiter {
	if config.GlobalLimit <= 0 {
		config.GlobalLimit = DefaultLimiterConfig().GlobalLimit
	}
	if config.PerSessionLimit <= 0 {
		config.PerSessionLimit = DefaultLimiterConfig().PerSessionLimit
	}
	return &SessionLimiter{config: config, sessions: make(map[string]*int64)}
}

// Permit is a scoped resource returned by a successful acquire. Release
// must be called exactly once to return the slot; a leaked Permit
// (Release never called) simply never returns its slot, matching the
// limiter's lock-free-counter design (there is nothing to garbage
// collect against).
type Permit struct {
	limiter   *SessionLimiter
	sessionID string
	released  int32
}

// Release returns the permit's global and per-session slots. Safe to
// call more than once; only the first call has an effect.
func (p *Permit) Release() {
	if p == nil || !atomic.CompareAndSwapInt32(&p.released, 0, 1) {
		return
	}
	atomic.AddInt64(&p.limiter.globalInUse, -1)

	p.limiter.mu.Lock()
	counter, ok := p.limiter.sessions[p.sessionID]
	p.limiter.mu.Unlock()
	if ok {
		atomic.AddInt64(counter, -1)
	}
}

func (l *SessionLimiter) sessionCounter(sessionID string) *int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	counter, ok := l.sessions[sessionID]
	if !ok {
		var zero int64
		counter = &zero
		l.sessions[sessionID] = counter
	}
	return counter
}

// TryAcquire attempts to take one global and one per-session slot
// without blocking. Returns (nil, false) if either bound is saturated.
func (l *SessionLimiter) TryAcquire(sessionID string) (*Permit, bool) {
	counter := l.sessionCounter(sessionID)

	for {
		current := atomic.LoadInt64(counter)
		if current >= l.config.PerSessionLimit {
			return nil, false
		}
		if atomic.CompareAndSwapInt64(counter, current, current+1) {
			break
		}
	}

	for {
		current := atomic.LoadInt64(&l.globalInUse)
		if current >= l.config.GlobalLimit {
			atomic.AddInt64(counter, -1)
			return nil, false
		}
		if atomic.CompareAndSwapInt64(&l.globalInUse, current, current+1) {
			break
		}
	}

	return &Permit{limiter: l, sessionID: sessionID}, true
}

// Acquire polls TryAcquire on a short sleep loop until a permit is
// available or ctx is done. This is simple, fair-enough backpressure
// under the low contention a single edge node expects; it is not a
// wait queue.
func (l *SessionLimiter) Acquire(ctx context.Context, sessionID string) (*Permit, error) {
	const pollInterval = 5 * time.Millisecond
	for {
		if permit, ok := l.TryAcquire(sessionID); ok {
			return permit, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// RemoveSession clears tracking for a session. Permits already issued
// for that session remain valid until released; removing tracking
// only stops new per-session accounting, it does not revoke permits.
func (l *SessionLimiter) RemoveSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Stats reports current usage.
type Stats struct {
	GlobalInUse     int64
	GlobalLimit     int64
	PerSessionLimit int64
	Sessions        map[string]int64
}

// Stats returns a snapshot of current global and per-session usage.
func (l *SessionLimiter) Stats() Stats {
	l.mu.Lock()
	sessions := make(map[string]int64, len(l.sessions))
	for id, counter := range l.sessions {
		sessions[id] = atomic.LoadInt64(counter)
	}
	l.mu.Unlock()

	return Stats{
		GlobalInUse:     atomic.LoadInt64(&l.globalInUse),
		GlobalLimit:     l.config.GlobalLimit,
		PerSessionLimit: l.config.PerSessionLimit,
		Sessions:        sessions,
	}
}
