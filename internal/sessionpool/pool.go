// internal/sessionpool/pool.go
package sessionpool

import (
	"context"
	"sync"

	"github.com/fortiqa/mcp-orchestrator/internal/domain"
)

// waiter is a single blocked Acquire call. The channel has capacity one so the
// releasing goroutine can hand over a session without blocking while it still
// holds the pool lock.
type waiter struct {
	ch        chan domain.Session
	abandoned bool
}

// Pool allocates a fixed set of remote sessions exclusively. Blocked callers
// are served strictly in arrival order: a released session goes to the oldest
// live waiter, never back to the free list while anyone is waiting.
type Pool struct {
	mu        sync.Mutex
	available []domain.Session
	inUse     map[string]domain.Session
	waiters   []*waiter
}

// New creates a pool over the given sessions.
func New(sessions []domain.Session) *Pool {
	p := &Pool{
		available: make([]domain.Session, len(sessions)),
		inUse:     make(map[string]domain.Session),
	}
	copy(p.available, sessions)
	return p
}

// AcquireNoWait returns a free session immediately, or false if none is free.
// It never blocks and has no side effect on failure.
func (p *Pool) AcquireNoWait() (domain.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return domain.Session{}, false
	}
	return p.takeLocked(), true
}

// Acquire returns a free session, blocking in FIFO order behind earlier
// callers when the pool is exhausted. If ctx is cancelled while waiting, the
// waiter is abandoned; a session handed to it during the race is put back
// through Release so it reaches the next waiter in line.
func (p *Pool) Acquire(ctx context.Context) (domain.Session, error) {
	p.mu.Lock()
	if len(p.available) > 0 {
		s := p.takeLocked()
		p.mu.Unlock()
		return s, nil
	}
	w := &waiter{ch: make(chan domain.Session, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case s := <-w.ch:
		return s, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	w.abandoned = true
	// The releasing goroutine may have delivered before we marked ourselves
	// abandoned. Drain and pass the session on.
	select {
	case s := <-w.ch:
		p.releaseLocked(s)
	default:
	}
	p.mu.Unlock()
	return domain.Session{}, ctx.Err()
}

// Release returns a session to the pool. Releasing a session that is not
// currently recorded as in use is a no-op, which guards against the race
// between cancellation and assignment double-releasing a handle.
func (p *Pool) Release(s domain.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(s)
}

// takeLocked pops a free session and records it as in use.
func (p *Pool) takeLocked() domain.Session {
	s := p.available[len(p.available)-1]
	p.available = p.available[:len(p.available)-1]
	p.inUse[s.Identifier] = s
	return s
}

// releaseLocked hands the session to the oldest live waiter, or returns it to
// the free list. The hand-off happens under the lock so a concurrent
// AcquireNoWait cannot steal a session out of order.
func (p *Pool) releaseLocked(s domain.Session) {
	if _, ok := p.inUse[s.Identifier]; !ok {
		return
	}
	delete(p.inUse, s.Identifier)

	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.abandoned {
			continue
		}
		p.inUse[s.Identifier] = s
		w.ch <- s
		return
	}
	p.available = append(p.available, s)
}

// Available returns the number of free sessions.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// InUse returns the number of allocated sessions.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Waiting returns the number of callers blocked in Acquire.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.waiters {
		if !w.abandoned {
			n++
		}
	}
	return n
}

// Size returns the total pool capacity.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available) + len(p.inUse)
}
