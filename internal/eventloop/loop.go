// Package eventloop runs closures one at a time on a single goroutine.
//
// State owned by a Loop is only ever touched from inside posted closures,
// so it needs no locking. Blocking work (CDP calls, message delivery) goes
// through Go, which runs it on its own goroutine and posts the
// continuation back onto the loop.
package eventloop

import (
	"context"
	"sync"
	"time"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

// Loop is a single-goroutine executor with an unbounded FIFO queue.
type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// New creates a loop. name is used in log lines only.
func New(name string) *Loop {
	return &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine until ctx ends or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run executes posted closures until ctx ends or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	L_debug("eventloop: started", "loop", l.name)
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			L_debug("eventloop: context done", "loop", l.name)
			return
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.exec(fn)
		}

		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			L_error("eventloop: task panic", "loop", l.name, "panic", r)
		}
	}()
	fn()
}

// Post queues fn. Returns false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to finish. Must not be called from the loop
// goroutine itself.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Go runs work off-loop, then posts then (if non-nil) back onto the loop.
func (l *Loop) Go(work func(), then func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				L_error("eventloop: async work panic", "loop", l.name, "panic", r)
			}
		}()
		work()
		if then != nil {
			l.Post(then)
		}
	}()
}

// After posts fn onto the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Stop prevents further posts. Queued closures still run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
