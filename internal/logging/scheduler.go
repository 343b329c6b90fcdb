package logging

import "time"

type Timer interface {
	Stop() bool
}

// Scheduler arms single-shot timers. The engine takes one so tests can drive
// it in virtual time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules on the runtime timer.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
