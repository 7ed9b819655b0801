package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func sseSettings() *EventSourceSettings {
	settings := DefaultEventSourceSettings()
	settings.ReconnectTimeout = 10 * time.Millisecond
	return settings
}

func collectSourceEvents(source *EventSource, n int) []*SourceEvent {
	events := []*SourceEvent{}
	timeout := time.After(4 * time.Second)
	for len(events) < n {
		select {
		case event, ok := <-source.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			return events
		}
	}
	return events
}

func TestEventSourceParse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		fmt.Fprintf(w, ": keepalive\n\n")
		fmt.Fprintf(w, "data: plain\n\n")
		fmt.Fprintf(w, "event: mutation\nid: 7\ndata: {\"a\":1,\ndata: \"b\":2}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	source := NewEventSource(ctx, server.URL, nil, sseSettings())
	defer source.Close()

	events := collectSourceEvents(source, 3)
	assert.Equal(t, 3, len(events))

	assert.Equal(t, SourceEventTypeOpen, events[0].Type)

	// no event field defaults the name
	assert.Equal(t, "message", events[1].Type)
	assert.Equal(t, "plain", string(events[1].Data))

	assert.Equal(t, "mutation", events[2].Type)
	assert.Equal(t, "7", events[2].Id)
	assert.Equal(t, "{\"a\":1,\n\"b\":2}", string(events[2].Data))
}

func TestEventSourceReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var connectCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connectCount.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: mutation\ndata: {\"connect\":%d}\n\n", n)
		w.(http.Flusher).Flush()
		if n == 1 {
			// drop the first connection after one event
			return
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	source := NewEventSource(ctx, server.URL, nil, sseSettings())
	defer source.Close()

	events := collectSourceEvents(source, 5)
	assert.Equal(t, 5, len(events))

	assert.Equal(t, SourceEventTypeOpen, events[0].Type)
	assert.Equal(t, "mutation", events[1].Type)
	assert.Equal(t, `{"connect":1}`, string(events[1].Data))
	assert.Equal(t, SourceEventTypeReconnect, events[2].Type)
	assert.Equal(t, SourceEventTypeOpen, events[3].Type)
	assert.Equal(t, `{"connect":2}`, string(events[4].Data))
}

func TestEventSourceRejectedStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	source := NewEventSource(ctx, server.URL, nil, sseSettings())
	defer source.Close()

	events := collectSourceEvents(source, 1)
	assert.Equal(t, 1, len(events))

	var connectionErr *ConnectionFailedError
	assert.Equal(t, true, errors.As(events[0].Err, &connectionErr))

	// terminal. the channel closes after the error.
	_, ok := <-source.Events()
	assert.Equal(t, false, ok)
}

func TestEventSourceRejectedContentType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "{}")
	}))
	defer server.Close()

	source := NewEventSource(ctx, server.URL, nil, sseSettings())
	defer source.Close()

	events := collectSourceEvents(source, 1)
	assert.Equal(t, 1, len(events))

	var connectionErr *ConnectionFailedError
	assert.Equal(t, true, errors.As(events[0].Err, &connectionErr))
}

func TestEventSourceUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := NewEventSource(ctx, "http://127.0.0.1:1", nil, sseSettings())
	defer source.Close()

	events := collectSourceEvents(source, 1)
	assert.Equal(t, 1, len(events))

	var connectionErr *ConnectionFailedError
	assert.Equal(t, true, errors.As(events[0].Err, &connectionErr))
}

func TestEventSourceClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	source := NewEventSource(ctx, server.URL, nil, sseSettings())

	events := collectSourceEvents(source, 1)
	assert.Equal(t, 1, len(events))
	assert.Equal(t, SourceEventTypeOpen, events[0].Type)

	source.Close()
	waitFor(t, func() bool {
		select {
		case _, ok := <-source.Events():
			return !ok
		default:
			return false
		}
	})
}
