package ledger

import "time"

// DefaultReminderInterval is how long a pending approval waits between
// re-notifications.
const DefaultReminderInterval = 15 * time.Minute

// TimerHandle is a scheduled callback that can be invalidated. Cancel
// reports whether the callback was stopped before it ran.
type TimerHandle interface {
	Cancel() bool
}

// Scheduler produces cancellable timers. The ledger keeps exactly zero or
// one live handle per approval; the handle is invalidated the instant the
// approval leaves pending, so a fired callback referencing stale state is
// impossible as long as it re-checks status first.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) TimerHandle
}

// NewScheduler returns the wall-clock scheduler.
func NewScheduler() Scheduler {
	return wallScheduler{}
}

type wallScheduler struct{}

func (wallScheduler) Schedule(d time.Duration, fn func()) TimerHandle {
	return wallTimer{time.AfterFunc(d, fn)}
}

type wallTimer struct {
	t *time.Timer
}

func (w wallTimer) Cancel() bool {
	return w.t.Stop()
}
