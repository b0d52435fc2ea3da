// Package system is the wall-clock audit.Clock used outside of tests.
package system

import "time"

// Clock reads the system time. Job timestamps are stored in UTC so the
// Postgres and memory stores agree on ordering.
type Clock struct{}

// New returns the system clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
