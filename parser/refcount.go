package parser

import (
	"sync"

	"go.uber.org/atomic"
)

// refCounter counts the owners of a stream parser. Tasks in flight on the
// parser loop hold a reference each; onZero runs on whichever goroutine
// drops the last one, which the stream parser arranges to be the main loop.
type refCounter struct {
	refs   atomic.Int64
	onZero func()
	once   sync.Once
}

func newRefCounter(onZero func()) *refCounter {
	r := &refCounter{onZero: onZero}
	r.refs.Store(1)
	return r
}

func (r *refCounter) acquire() {
	r.refs.Inc()
}

func (r *refCounter) release() {
	if r.refs.Dec() == 0 {
		r.once.Do(r.onZero)
	}
}

func (r *refCounter) count() int64 {
	return r.refs.Load()
}
