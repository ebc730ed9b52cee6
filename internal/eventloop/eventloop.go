// Package eventloop tracks Go-backed timers for a single script engine and
// fires the ones that are due when the worker polls.
package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/webworker/internal/core"
)

// minInterval is the floor applied to setInterval periods.
const minInterval = 10 * time.Millisecond

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	seq      uint64
}

// EventLoop manages timers for setTimeout/setInterval. It never sleeps:
// the owner polls it and arranges to be woken at NextDeadline.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
	seq    uint64
	now    func() time.Time

	wakeMu    sync.Mutex
	wakeTimer *time.Timer
	wakeAt    time.Time
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		now:    time.Now,
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	el.nextID++
	el.seq++
	entry := &timerEntry{
		deadline: el.now().Add(delay),
		id:       el.nextID,
		seq:      el.seq,
	}
	if isInterval {
		if delay < minInterval {
			delay = minInterval
		}
		entry.interval = delay
	}
	el.timers[entry.id] = entry
	return entry.id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// due returns the timers whose deadline has passed, oldest first.
func (el *EventLoop) due() []*timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	now := el.now()
	var out []*timerEntry
	for _, t := range el.timers {
		if !t.deadline.After(now) {
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && before(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func before(a, b *timerEntry) bool {
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
// Exceptions are routed through the worker's uncaught-error path.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) error {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		__workerGuard(entry.fn, globalThis, entry.args || []);
	})()`, id, id)
	return rt.Eval(js)
}

// RunDue fires every timer that is due, pumping microtasks after each one.
// It returns the number of callbacks fired. A callback cleared by an
// earlier one in the same batch is skipped.
func (el *EventLoop) RunDue(rt core.JSRuntime) (int, error) {
	fired := 0
	for _, t := range el.due() {
		el.mu.Lock()
		if _, live := el.timers[t.id]; !live {
			el.mu.Unlock()
			continue
		}
		if t.interval > 0 {
			el.seq++
			t.seq = el.seq
			t.deadline = el.now().Add(t.interval)
		} else {
			delete(el.timers, t.id)
		}
		el.mu.Unlock()

		if err := el.fireTimer(rt, t.id); err != nil {
			return fired, err
		}
		rt.RunMicrotasks()
		fired++
	}
	return fired, nil
}

// NextDeadline returns the earliest pending deadline.
func (el *EventLoop) NextDeadline() (time.Time, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range el.timers {
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

// ScheduleWake arranges for wake to run at deadline. An earlier pending
// wake is kept; a later one is replaced.
func (el *EventLoop) ScheduleWake(deadline time.Time, wake func()) {
	el.wakeMu.Lock()
	defer el.wakeMu.Unlock()
	if el.wakeTimer != nil && !el.wakeAt.After(deadline) && el.wakeAt.After(el.now()) {
		return
	}
	if el.wakeTimer != nil {
		el.wakeTimer.Stop()
	}
	el.wakeAt = deadline
	el.wakeTimer = time.AfterFunc(deadline.Sub(el.now()), wake)
}

// HasPending returns true if there are any active timers.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// Reset clears all timers and any scheduled wake.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.mu.Unlock()

	el.wakeMu.Lock()
	if el.wakeTimer != nil {
		el.wakeTimer.Stop()
		el.wakeTimer = nil
	}
	el.wakeMu.Unlock()
}
