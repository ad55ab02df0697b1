package notesync

import "time"

// Timer is a cancellable pending callback. Stop reports whether the callback
// was prevented from running.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time and delayed execution so debounce and retry
// scheduling can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

// SystemClock returns the real-time clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
