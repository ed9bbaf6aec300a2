// Package clock provides the current instant to services.
package clock

import "time"

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock, truncated to milliseconds so values survive a round trip through every backend.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// Fixed always returns T. Used by tests and replays.
type Fixed struct{ T time.Time }

func (f Fixed) Now() time.Time { return f.T }
