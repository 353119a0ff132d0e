package stream

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAllocatorRoundTrip(t *testing.T) {
	a := NewAllocator([]byte("test-secret"), time.Minute)

	info, err := a.Open("pat-001", "v1:events.subscribe")
	if err != nil {
		t.Fatal(err)
	}
	if info.Transport != "sse" || info.Encoding != "json" {
		t.Fatalf("info = %+v", info)
	}
	if info.Location != "/stream/"+info.SessionID {
		t.Fatalf("location = %s", info.Location)
	}

	claims, err := a.Verify(info.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "pat-001" || claims.Op != "v1:events.subscribe" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	a := NewAllocator([]byte("test-secret"), time.Minute)

	t.Run("garbage", func(t *testing.T) {
		if _, err := a.Verify("not.a.token"); !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewAllocator([]byte("other-secret"), time.Minute)
		info, err := other.Open("pat-001", "v1:events.subscribe")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.Verify(info.SessionID); !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		past := NewAllocator([]byte("test-secret"), time.Minute)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		info, err := past.Open("pat-001", "v1:events.subscribe")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.Verify(info.SessionID); !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("err = %v", err)
		}
	})
}

// channelSource feeds a fixed event list then closes on ctx done.
type channelSource struct{ events []Event }

func (s channelSource) Subscribe(ctx context.Context, _ string) <-chan Event {
	ch := make(chan Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func TestHandlerRejectsInvalidSession(t *testing.T) {
	a := NewAllocator([]byte("test-secret"), time.Minute)
	h := Handler(a, channelSource{})

	req := httptest.NewRequest("GET", "/stream/bogus-token", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerWritesEventFrames(t *testing.T) {
	a := NewAllocator([]byte("test-secret"), time.Minute)
	info, err := a.Open("pat-001", "v1:events.subscribe")
	if err != nil {
		t.Fatal(err)
	}

	source := channelSource{events: []Event{
		{Name: "item.checkout", Data: map[string]any{"itemId": "bk-001"}},
	}}
	h := Handler(a, source)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", info.Location, nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler a beat to drain the buffered event, then detach.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type = %s", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(body, "event: item.checkout") {
		t.Fatalf("body missing event frame: %q", body)
	}
	if !strings.Contains(body, `"itemId":"bk-001"`) {
		t.Fatalf("body missing event data: %q", body)
	}
}
