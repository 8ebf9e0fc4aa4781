package motolink

import "time"

// Clock abstracts wall time so the polling and watchdog loops can be driven
// by a simulated clock in tests instead of real elapsed time.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }
