package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := New("test")
	l.Start(ctx)
	t.Cleanup(cancel)
	return l
}

func TestLoopRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Do(func() {})

	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestPostFromInsideLoop(t *testing.T) {
	l := startLoop(t)

	done := make(chan struct{})
	l.Post(func() {
		// re-entrant post must not deadlock
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestGoContinuesOnLoop(t *testing.T) {
	l := startLoop(t)

	var counter int
	result := make(chan int, 1)
	l.Go(func() {
		time.Sleep(5 * time.Millisecond)
	}, func() {
		counter++
		result <- counter
	})

	select {
	case v := <-result:
		if v != 1 {
			t.Errorf("counter = %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	var ran atomic.Bool
	l.Do(func() { ran.Store(true) })
	if !ran.Load() {
		t.Error("loop stopped after panic")
	}
}

func TestStopRejectsPosts(t *testing.T) {
	l := startLoop(t)
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Stop")
	}
	if l.Post(func() {}) {
		t.Error("Post after Stop should return false")
	}
	if l.Do(func() {}) {
		t.Error("Do after Stop should return false")
	}
}

func TestAfter(t *testing.T) {
	l := startLoop(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.After(20*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if at.Sub(start) < 20*time.Millisecond {
			t.Error("After fired early")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("After never fired")
	}
}
