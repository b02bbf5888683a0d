package parser

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventLoop runs tasks one at a time, in the order they were dispatched, on
// its own goroutine. The queue is unbounded so Dispatch never blocks.
type EventLoop struct {
	name    string
	log     logrus.FieldLogger
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
}

// NewEventLoop starts a loop. Stop it with Stop.
func NewEventLoop(name string, log logrus.FieldLogger) *EventLoop {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &EventLoop{
		name: name,
		log:  log.WithField("loop", name),
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *EventLoop) Name() string { return l.name }

// Dispatch queues task. It fails with ErrLoopStopped once Stop was called.
func (l *EventLoop) Dispatch(task func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrLoopStopped
	}
	l.tasks = append(l.tasks, task)
	l.cond.Signal()
	return nil
}

// Sync waits until every task dispatched before the call has run.
func (l *EventLoop) Sync() {
	ch := make(chan struct{})
	if err := l.Dispatch(func() { close(ch) }); err != nil {
		<-l.done
		return
	}
	<-ch
}

// Stop refuses new tasks, runs the queued ones and waits for the loop
// goroutine to exit.
func (l *EventLoop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Signal()
	l.mu.Unlock()
	<-l.done
}

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			l.log.Debug("event loop stopped")
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()
		task()
	}
}
