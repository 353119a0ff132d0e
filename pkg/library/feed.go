package library

import (
	"context"
	"sync"

	"github.com/openshelf/callgate/pkg/stream"
)

// Feed is the lending-activity broadcast behind v1:events.subscribe.
// Slow subscribers drop events rather than block the publisher.
type Feed struct {
	mu   sync.Mutex
	subs map[chan stream.Event]struct{}
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan stream.Event]struct{})}
}

// Subscribe implements stream.EventSource.
func (f *Feed) Subscribe(ctx context.Context, _ string) <-chan stream.Event {
	ch := make(chan stream.Event, 16)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Publish fans an event out to every subscriber.
func (f *Feed) Publish(ev stream.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
