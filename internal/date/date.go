// Package date provides a cached, thread-safe HTTP date string.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

// currentDate caches the formatted date so responses do not format time.Now each time.
var currentDate atomic.Pointer[string]

// StartTicker refreshes the cached date every 500ms until the returned
// stop function is called.
func StartTicker() func() {
	update(time.Now())

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				update(now)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update(now time.Time) {
	s := now.UTC().Format(http.TimeFormat)
	currentDate.Store(&s)
}

// Current returns the cached date header value.
func Current() string {
	if p := currentDate.Load(); p != nil {
		return *p
	}
	// ticker not started
	return time.Now().UTC().Format(http.TimeFormat)
}
