package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool is a bounded free-list of Stream objects. A Stream is reset before it
// is handed out again, so no state of a previous stream id survives.
type Pool struct {
	mu    sync.Mutex
	free  []*Stream
	max   int
	codes Codes

	reused   atomic.Uint64
	rejected atomic.Uint64
}

// NewPool creates a pool keeping at most max idle streams.
func NewPool(max int, codes Codes) *Pool {
	if max < 0 {
		max = 0
	}
	return &Pool{max: max, codes: codes}
}

// Get returns a Stream attached to a, reusing an idle one when possible.
func (p *Pool) Get(parent context.Context, a Attach) *Stream {
	p.mu.Lock()
	var s *Stream
	if n := len(p.free); n > 0 {
		s = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if s == nil {
		return New(parent, a, p.codes)
	}
	p.reused.Add(1)
	s.reset(parent, a, p.codes)
	return s
}

// Put returns s to the pool. It reports false, leaving s to the garbage
// collector, if s is not fully complete, if an abort left unread bytes
// behind, or if the pool is full.
//
// The caller must own s exclusively: the goroutine that read from it has
// returned and s is no longer reachable through a Registry. Reusable inspects
// the frame reader, which only its owning goroutine mutates.
func (p *Pool) Put(s *Stream) bool {
	if s == nil || !s.Reusable() {
		p.rejected.Add(1)
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.max {
		return false
	}
	s.release()
	p.free = append(p.free, s)
	return true
}

// Idle returns the number of streams waiting for reuse.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Reused returns how many Get calls were served from the free-list.
func (p *Pool) Reused() uint64 { return p.reused.Load() }

// Rejected returns how many Put calls were refused as not reusable.
func (p *Pool) Rejected() uint64 { return p.rejected.Load() }
