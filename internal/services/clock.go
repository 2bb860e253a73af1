package services

import "time"

// Clock returns the current time. Services take one so tests can move time.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// now normalizes to UTC whole seconds so stored timestamps compare the same
// way on every driver.
func (c Clock) now() time.Time {
	if c == nil {
		c = SystemClock
	}
	return c().UTC().Truncate(time.Second)
}
