package realtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
)

const SourceEventTypeOpen = "open"
const SourceEventTypeReconnect = "reconnect"

// one normalized item from the raw push connection. `Err` is terminal: the
// stream delivers it once, then the events channel closes.
type SourceEvent struct {
	Type string
	Id   string
	Data []byte
	Err  error
}

type EventStream interface {
	Events() <-chan *SourceEvent
	Close()
}

// lazily produces one push connection
type EventSourceFactory func(ctx context.Context) EventStream

type EventSourceSettings struct {
	ConnectTimeout   time.Duration
	TlsTimeout       time.Duration
	ReconnectTimeout time.Duration
	BufferSize       int
	// when nil, a streaming client with connect timeouts and no overall
	// request timeout is used
	HttpClient *http.Client
}

func DefaultEventSourceSettings() *EventSourceSettings {
	return &EventSourceSettings{
		ConnectTimeout:   5 * time.Second,
		TlsTimeout:       5 * time.Second,
		ReconnectTimeout: 2 * time.Second,
		BufferSize:       8,
	}
}

// An auto-reconnecting server-sent-events connection. Failure categories:
//   - connect rejected (transport error before any open, non-200 status, or
//     a non-event-stream content type): terminal
//   - connection dropped mid-stream: one `reconnect` event per drop, then
//     the connection is retried
type EventSource struct {
	ctx    context.Context
	cancel context.CancelFunc

	url    string
	header http.Header

	httpClient *http.Client
	settings   *EventSourceSettings

	events chan *SourceEvent
}

func NewEventSourceWithDefaults(ctx context.Context, url string, header http.Header) *EventSource {
	return NewEventSource(ctx, url, header, DefaultEventSourceSettings())
}

func NewEventSource(ctx context.Context, url string, header http.Header, settings *EventSourceSettings) *EventSource {
	cancelCtx, cancel := context.WithCancel(ctx)
	httpClient := settings.HttpClient
	if httpClient == nil {
		dialer := &net.Dialer{
			Timeout: settings.ConnectTimeout,
		}
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: settings.TlsTimeout,
			},
		}
	}
	eventSource := &EventSource{
		ctx:        cancelCtx,
		cancel:     cancel,
		url:        url,
		header:     header,
		httpClient: httpClient,
		settings:   settings,
		events:     make(chan *SourceEvent, settings.BufferSize),
	}
	go eventSource.run()
	return eventSource
}

func (self *EventSource) Events() <-chan *SourceEvent {
	return self.events
}

func (self *EventSource) Close() {
	self.cancel()
}

func (self *EventSource) run() {
	defer func() {
		self.cancel()
		close(self.events)
	}()

	opened := false
	reconnectTimeout := self.settings.ReconnectTimeout
	for {
		reconnect := NewReconnect(reconnectTimeout)
		connect := func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(self.ctx, "GET", self.url, nil)
			if err != nil {
				return nil, err
			}
			for name, values := range self.header {
				for _, value := range values {
					req.Header.Add(name, value)
				}
			}
			req.Header.Set("Accept", "text/event-stream")
			req.Header.Set("Cache-Control", "no-cache")

			r, err := self.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			success := false
			defer func() {
				if !success {
					r.Body.Close()
				}
			}()
			if http.StatusOK != r.StatusCode {
				return nil, fmt.Errorf("listen status %d", r.StatusCode)
			}
			contentType := r.Header.Get("Content-Type")
			if !strings.HasPrefix(contentType, "text/event-stream") {
				return nil, fmt.Errorf("listen content type %q", contentType)
			}
			success = true
			return r, nil
		}

		var r *http.Response
		var err error
		if glog.V(2) {
			r, err = TraceWithReturnError(fmt.Sprintf("[es]connect %s", self.url), connect)
		} else {
			r, err = connect()
		}
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			if !opened {
				// the connection could never be established or the server
				// rejected the stream. this cannot auto-retry.
				self.emit(&SourceEvent{Err: &ConnectionFailedError{Err: err}})
				return
			}
			glog.Infof("[es]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		if opened {
			// a previous connection was dropped and this one replaces it
			if !self.emit(&SourceEvent{Type: SourceEventTypeReconnect}) {
				r.Body.Close()
				return
			}
		}
		opened = true
		if !self.emit(&SourceEvent{Type: SourceEventTypeOpen}) {
			r.Body.Close()
			return
		}

		retryTimeout := self.read(r)
		if self.ctx.Err() != nil {
			return
		}
		if 0 < retryTimeout {
			reconnectTimeout = retryTimeout
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// reads one connection until it drops. returns the server-advertised retry
// timeout, or 0 when the server did not set one.
func (self *EventSource) read(r *http.Response) time.Duration {
	connCtx, connCancel := context.WithCancel(self.ctx)
	defer connCancel()
	go func() {
		// unblock the reader on close
		<-connCtx.Done()
		r.Body.Close()
	}()

	reader := bufio.NewReader(r.Body)
	retryTimeout := time.Duration(0)

	eventType := ""
	eventId := ""
	dataLines := []string{}
	hasData := false

	dispatch := func() bool {
		if !hasData && eventType == "" {
			return true
		}
		name := eventType
		if name == "" {
			name = "message"
		}
		event := &SourceEvent{
			Type: name,
			Id:   eventId,
			Data: []byte(strings.Join(dataLines, "\n")),
		}
		eventType = ""
		dataLines = []string{}
		hasData = false
		return self.emit(event)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				glog.V(2).Infof("[es]read error = %s\n", err)
			}
			return retryTimeout
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !dispatch() {
				return retryTimeout
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// comment / keepalive
			continue
		}

		field := line
		value := ""
		if i := strings.Index(line, ":"); 0 <= i {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "id":
			eventId = value
		case "retry":
			if millis, err := strconv.Atoi(value); err == nil {
				retryTimeout = time.Duration(millis) * time.Millisecond
			}
		}
	}
}

func (self *EventSource) emit(event *SourceEvent) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	}
}
