package parser

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// flushTimer is a one-shot timer whose callback runs as a task on the
// parser loop. Cancelling it makes a fire that already went off, but whose
// task has not run yet, a no-op.
type flushTimer struct {
	clock    clock.Clock
	dispatch func(func())

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
}

func newFlushTimer(c clock.Clock, dispatch func(func())) *flushTimer {
	return &flushTimer{clock: c, dispatch: dispatch}
}

// schedule arms the timer to run fire after d, replacing any earlier arming.
func (t *flushTimer) schedule(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	gen := t.generation
	t.timer = t.clock.AfterFunc(d, func() {
		t.dispatch(func() {
			if t.current(gen) {
				fire()
			}
		})
	})
}

func (t *flushTimer) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.generation
}

func (t *flushTimer) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
}
