package ops

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(3)

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		ok := p.Submit(func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		})
		if !ok {
			t.Fatal("submit refused while open")
		}
	}
	wg.Wait()
	p.Close()

	if got := ran.Load(); got != 50 {
		t.Fatalf("ran = %d, want 50", got)
	}
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	block := make(chan struct{})
	p.Submit(func(context.Context) { <-block })

	done := make(chan struct{})
	go func() {
		// Far more tasks than workers; all submissions must return.
		for i := 0; i < 100; i++ {
			p.Submit(func(context.Context) {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submission blocked on a saturated pool")
	}
	close(block)
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool(1)

	p.Submit(func(context.Context) { panic("task failure") })

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(func(context.Context) {
		defer wg.Done()
		ran.Store(true)
	})
	wg.Wait()
	p.Close()

	if !ran.Load() {
		t.Fatal("worker died with the panicking task")
	}
}

func TestPoolRefusesAfterClose(t *testing.T) {
	p := NewPool(2)
	p.Close()
	if p.Submit(func(context.Context) {}) {
		t.Fatal("submit accepted after close")
	}
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	p := NewPool(1)

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		p.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		})
	}
	p.Close()

	if got := ran.Load(); got != 10 {
		t.Fatalf("ran = %d, want all queued tasks drained", got)
	}
}
