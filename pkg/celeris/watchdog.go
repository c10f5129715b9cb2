package celeris

import (
	"sync"
	"time"

	"github.com/albertbausili/celeris-h3/internal/h3/conn"
	"github.com/albertbausili/celeris-h3/internal/h3/stream"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

type streamKey struct {
	conn string
	id   transport.StreamID
}

// watchdog cancels request streams that move no bytes for the idle timeout.
type watchdog struct {
	timeout time.Duration
	lookup  func(connID string) (*conn.Connection, bool)

	mu      sync.Mutex
	timers  map[streamKey]*time.Timer
	stopped bool
}

func newWatchdog(timeout time.Duration, lookup func(string) (*conn.Connection, bool)) *watchdog {
	return &watchdog{
		timeout: timeout,
		lookup:  lookup,
		timers:  make(map[streamKey]*time.Timer),
	}
}

func (w *watchdog) created(connID string, id transport.StreamID, kind stream.Kind) {
	if kind != stream.KindRequest {
		return
	}
	key := streamKey{connID, id}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timers[key] = time.AfterFunc(w.timeout, func() { w.expire(key) })
}

func (w *watchdog) activity(connID string, id transport.StreamID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[streamKey{connID, id}]; ok {
		t.Reset(w.timeout)
	}
}

func (w *watchdog) completed(connID string, id transport.StreamID, _ transport.ErrorCode, _ error) {
	key := streamKey{connID, id}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[key]; ok {
		t.Stop()
		delete(w.timers, key)
	}
}

func (w *watchdog) expire(key streamKey) {
	w.mu.Lock()
	_, live := w.timers[key]
	delete(w.timers, key)
	w.mu.Unlock()
	if !live {
		return
	}
	if c, ok := w.lookup(key.conn); ok {
		c.StreamTimedOut(key.id)
	}
}

// pending returns the number of armed timers.
func (w *watchdog) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for key, t := range w.timers {
		t.Stop()
		delete(w.timers, key)
	}
}
