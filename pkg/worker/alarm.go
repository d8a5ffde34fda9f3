package worker

import (
	"sync"
	"time"
)

// Alarm wakes targets after a delay. One Alarm belongs to one simulation;
// Stop cancels every pending wakeup.
type Alarm struct {
	mutex   sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

func NewAlarm() *Alarm {
	return &Alarm{timers: make(map[*time.Timer]struct{})}
}

// RegisterWake calls target.Wake once d has elapsed.
func (a *Alarm) RegisterWake(target Wakeable, d time.Duration) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		a.mutex.Lock()
		_, pending := a.timers[t]
		delete(a.timers, t)
		a.mutex.Unlock()
		if pending {
			target.Wake()
		}
	})
	a.timers[t] = struct{}{}
}

// Pending returns the number of wakeups not yet delivered.
func (a *Alarm) Pending() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.timers)
}

func (a *Alarm) Stop() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.stopped = true
	for t := range a.timers {
		t.Stop()
	}
	a.timers = make(map[*time.Timer]struct{})
}
