// Package clock formats the timestamps stored on threads and messages.
//
// Every stored timestamp is UTC with microsecond precision and a trailing Z,
// so lexical order matches chronological order.
package clock

import (
	"sync"
	"time"
)

// Layout is the fixed-width ISO-8601 layout used for createdAt/updatedAt.
const Layout = "2006-01-02T15:04:05.000000Z"

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

// Now returns the current time formatted with Layout.
func Now() string {
	return Format(current())
}

// Format renders t with Layout in UTC.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a timestamp written with Layout.
func Parse(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}

// Next returns a stamp strictly greater than prev. It is the current time
// unless the clock has not moved past prev, in which case it is prev+1µs.
// An unparseable prev is ignored.
func Next(prev string) string {
	now := current().UTC().Truncate(time.Microsecond)
	if p, err := Parse(prev); err == nil && !now.After(p) {
		now = p.Add(time.Microsecond)
	}
	return Format(now)
}

// Set replaces the time source and returns a func restoring the previous one.
// Intended for tests.
func Set(fn func() time.Time) (restore func()) {
	mu.Lock()
	prev := nowFunc
	nowFunc = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		nowFunc = prev
		mu.Unlock()
	}
}

func current() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}
