package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Event is one item on a stream session.
type Event struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// EventSource feeds events for a verified session. Subscribe returns a
// channel closed when ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context, subject string) <-chan Event
}

// Handler serves GET /stream/{sessionId} as server-sent events.
func Handler(alloc *Allocator, source EventSource) http.Handler {
	logger := slog.Default().With("component", "stream")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, "/stream/")
		claims, err := alloc.Verify(token)
		if err != nil {
			http.Error(w, "invalid stream session", http.StatusUnauthorized)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events := source.Subscribe(r.Context(), claims.Subject)
		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				data, err := json.Marshal(ev.Data)
				if err != nil {
					logger.Error("event serialization failed", "event", ev.Name, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
				flusher.Flush()
			}
		}
	})
}
