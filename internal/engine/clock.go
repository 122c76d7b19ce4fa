package engine

import "time"

// Clock supplies the wall time used for scheduling. Every handler reads
// the time once per attempt through Txn.Now, so a ManualClock in tests
// makes execution fully deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// millis converts a duration to milliseconds.
func millis(d time.Duration) int64 { return d.Milliseconds() }

// fromMillis converts epoch milliseconds to a time.
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }
