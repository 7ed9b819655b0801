package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WebSocketEventSourceSettings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	BufferSize       int
}

func DefaultWebSocketEventSourceSettings() *WebSocketEventSourceSettings {
	return &WebSocketEventSourceSettings{
		HandshakeTimeout: 5 * time.Second,
		ReconnectTimeout: 2 * time.Second,
		PingTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		BufferSize:       8,
	}
}

// WebSocketUrl converts an http(s) url to its ws(s) equivalent.
func WebSocketUrl(httpUrl string) string {
	if after, ok := strings.CutPrefix(httpUrl, "https://"); ok {
		return fmt.Sprintf("wss://%s", after)
	}
	if after, ok := strings.CutPrefix(httpUrl, "http://"); ok {
		return fmt.Sprintf("ws://%s", after)
	}
	return httpUrl
}

// wire shape of one named event on the websocket channel
type webSocketEventFrame struct {
	Event string          `json:"event"`
	Id    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebSocketEventSource carries the same named-event contract as
// `EventSource` over a single websocket connection, with empty binary
// frames as pings. Same failure categories: terminal when the handshake
// never succeeds, `reconnect` events on mid-stream drops.
type WebSocketEventSource struct {
	ctx    context.Context
	cancel context.CancelFunc

	url    string
	header http.Header

	settings *WebSocketEventSourceSettings

	events chan *SourceEvent
}

func NewWebSocketEventSourceWithDefaults(ctx context.Context, url string, header http.Header) *WebSocketEventSource {
	return NewWebSocketEventSource(ctx, url, header, DefaultWebSocketEventSourceSettings())
}

func NewWebSocketEventSource(ctx context.Context, url string, header http.Header, settings *WebSocketEventSourceSettings) *WebSocketEventSource {
	cancelCtx, cancel := context.WithCancel(ctx)
	eventSource := &WebSocketEventSource{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		header:   header,
		settings: settings,
		events:   make(chan *SourceEvent, settings.BufferSize),
	}
	go eventSource.run()
	return eventSource
}

func (self *WebSocketEventSource) Events() <-chan *SourceEvent {
	return self.events
}

func (self *WebSocketEventSource) Close() {
	self.cancel()
}

func (self *WebSocketEventSource) run() {
	defer func() {
		self.cancel()
		close(self.events)
	}()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}

	opened := false
	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, _, err := dialer.DialContext(self.ctx, self.url, self.header)
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			if !opened {
				self.emit(&SourceEvent{Err: &ConnectionFailedError{Err: err}})
				return
			}
			glog.Infof("[ws]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		if opened {
			if !self.emit(&SourceEvent{Type: SourceEventTypeReconnect}) {
				ws.Close()
				return
			}
		}
		opened = true
		if !self.emit(&SourceEvent{Type: SourceEventTypeOpen}) {
			ws.Close()
			return
		}

		self.read(ws)
		if self.ctx.Err() != nil {
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WebSocketEventSource) read(ws *websocket.Conn) {
	defer ws.Close()

	connCtx, connCancel := context.WithCancel(self.ctx)
	defer connCancel()

	// ping until the connection closes
	go func() {
		defer connCancel()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				return
			}
		}
	}()
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ws]read error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[ws]ping\n")
				continue
			}
			fallthrough
		case websocket.TextMessage:
			frame := &webSocketEventFrame{}
			if err := json.Unmarshal(message, frame); err != nil {
				// the transport layer classifies payload errors. pass the
				// raw bytes through as an unnamed message.
				if !self.emit(&SourceEvent{Type: "message", Data: message}) {
					return
				}
				continue
			}
			if !self.emit(&SourceEvent{Type: frame.Event, Id: frame.Id, Data: []byte(frame.Data)}) {
				return
			}
		}
	}
}

func (self *WebSocketEventSource) emit(event *SourceEvent) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	}
}
