package api

import "time"

// Clock is the source of wall clock time for the host services. Tests swap
// it for a controllable clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real UTC time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
