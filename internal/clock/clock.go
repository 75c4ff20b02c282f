// Package clock injects a "now" source into engines so tests can advance
// time deterministically instead of sleeping on the wall clock.
package clock

import "time"

// Clock returns the current time. All time comparisons in the engines go
// through an injected Clock rather than calling time.Now directly.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// NowMillis returns the current time in milliseconds since epoch.
func NowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}

// Fixed is a test Clock that can be advanced explicitly.
type Fixed struct {
	t time.Time
}

// NewFixed returns a Fixed clock starting at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t}
}

// Now returns the current fixed time.
func (f *Fixed) Now() time.Time { return f.t }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.t = f.t.Add(d)
}

// Set pins the fixed clock to t.
func (f *Fixed) Set(t time.Time) {
	f.t = t
}

// MillisToTime converts a millisecond-since-epoch timestamp to time.Time (UTC).
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Age returns how long ago ms occurred, relative to c.
func Age(c Clock, ms int64) time.Duration {
	return c.Now().Sub(MillisToTime(ms))
}

// OlderThan reports whether ms is older than d relative to c's current time.
func OlderThan(c Clock, ms int64, d time.Duration) bool {
	return Age(c, ms) > d
}
