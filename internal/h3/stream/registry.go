package stream

import (
	"context"
	"sort"
	"sync"

	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// Registry tracks the live streams of one connection
type Registry struct {
	mu       sync.RWMutex
	streams  map[transport.StreamID]*Stream
	requests int
	// highest request stream id ever inserted, removed or not
	maxRequest    transport.StreamID
	hasRequest    bool
	requestsEmpty chan struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{
		streams:       make(map[transport.StreamID]*Stream),
		requestsEmpty: make(chan struct{}),
	}
	close(r.requestsEmpty)
	return r
}

// Insert adds s. It returns false if a stream with the same id is present.
func (r *Registry) Insert(s *Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[s.ID()]; exists {
		return false
	}
	r.streams[s.ID()] = s
	if s.Kind() == KindRequest {
		if r.requests == 0 {
			r.requestsEmpty = make(chan struct{})
		}
		r.requests++
		if !r.hasRequest || s.ID() > r.maxRequest {
			r.maxRequest, r.hasRequest = s.ID(), true
		}
	}
	return true
}

// Lookup returns the stream with the given id
func (r *Registry) Lookup(id transport.StreamID) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// Remove deletes the stream with the given id and reports whether it was present.
func (r *Registry) Remove(id transport.StreamID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return false
	}
	delete(r.streams, id)
	if s.Kind() == KindRequest {
		r.requests--
		if r.requests == 0 {
			close(r.requestsEmpty)
		}
	}
	return true
}

// Len returns the number of live streams
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Requests returns the number of live request streams
func (r *Registry) Requests() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requests
}

// MaxRequestID returns the highest request stream id ever inserted.
func (r *Registry) MaxRequestID() (transport.StreamID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxRequest, r.hasRequest
}

// Snapshot returns the live streams ordered by id.
func (r *Registry) Snapshot() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AbortRequest aborts the live request stream with the given id. The abort
// runs under the registry lock: a stream must be removed before it goes back
// to a Pool, so a recycled object now serving another id is never reached.
func (r *Registry) AbortRequest(id transport.StreamID, code transport.ErrorCode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	if !ok || s.Kind() != KindRequest {
		return false
	}
	s.Abort(code)
	return true
}

// AbortRequests aborts every live request stream in id order and returns
// how many it reached.
func (r *Registry) AbortRequests(code transport.ErrorCode) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]transport.StreamID, 0, r.requests)
	for id, s := range r.streams {
		if s.Kind() == KindRequest {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.streams[id].Abort(code)
	}
	return len(ids)
}

// WaitRequests blocks until no request streams remain or ctx is done.
func (r *Registry) WaitRequests(ctx context.Context) error {
	for {
		r.mu.RLock()
		empty := r.requests == 0
		ch := r.requestsEmpty
		r.mu.RUnlock()
		if empty {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
