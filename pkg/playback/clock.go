package playback

import "time"

// Clock abstracts wall time and timer creation so scheduling logic can be
// tested without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancelable pending call. Stop reports whether the call was
// prevented from firing, matching time.Timer semantics.
type Timer interface {
	Stop() bool
}

// systemClock delegates to the time package.
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{time.AfterFunc(d, f)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) Stop() bool {
	return t.t.Stop()
}

// SystemClock returns the real-time clock.
func SystemClock() Clock {
	return systemClock{}
}
