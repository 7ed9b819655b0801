package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

const EventTypeOpen = "open"
const EventTypeReconnect = "reconnect"

// reserved server event names, always handled regardless of the
// subscribed names
const eventNameChannelError = "channelError"
const eventNameDisconnect = "disconnect"
const eventNameError = "error"

type Event struct {
	Type string
	Id   string
	Data json.RawMessage
}

// a non-nil err is terminal. no further events are delivered to the
// subscriber after it.
type EventFunction func(event *Event, err error)

type EventTransportSettings struct {
	// named server events delivered to subscribers. lifecycle events and
	// the reserved error events are always handled.
	EventNames []string
}

func DefaultEventTransportSettings(eventNames ...string) *EventTransportSettings {
	return &EventTransportSettings{
		EventNames: eventNames,
	}
}

// EventTransport turns one push connection into a multi-subscriber stream
// of normalized events. The connection is opened lazily on the first
// subscriber and closed when the last one unsubscribes. Any terminal error
// tears the stream down, closes the connection, and is delivered to every
// remaining subscriber; a later subscriber opens a fresh connection.
//
// Events are delivered to all subscribers in the order the underlying
// connection received them.
type EventTransport struct {
	ctx context.Context

	factory  EventSourceFactory
	settings *EventTransportSettings

	stateLock        sync.Mutex
	nextSubscriberId int
	subscribers      map[int]*transportSubscriber
	subscriberOrder  []int
	source           EventStream
	generation       int
}

type transportSubscriber struct {
	callback EventFunction
	// guarded by the transport stateLock. checked immediately before each
	// callback so an unsubscribed callback sees nothing further.
	closed bool
}

func NewEventTransport(ctx context.Context, factory EventSourceFactory, settings *EventTransportSettings) *EventTransport {
	return &EventTransport{
		ctx:         ctx,
		factory:     factory,
		settings:    settings,
		subscribers: map[int]*transportSubscriber{},
	}
}

// Subscribe registers the callback and returns its remove function.
// Removing the last subscriber closes the underlying connection.
func (self *EventTransport) Subscribe(callback EventFunction) func() {
	self.stateLock.Lock()
	subscriberId := self.nextSubscriberId
	self.nextSubscriberId += 1
	self.subscribers[subscriberId] = &transportSubscriber{
		callback: callback,
	}
	self.subscriberOrder = append(self.subscriberOrder, subscriberId)
	if self.source == nil {
		self.source = self.factory(self.ctx)
		self.generation += 1
		go self.pump(self.source, self.generation)
	}
	self.stateLock.Unlock()

	return func() {
		self.unsubscribe(subscriberId)
	}
}

func (self *EventTransport) SubscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscribers)
}

func (self *EventTransport) unsubscribe(subscriberId int) {
	var source EventStream

	self.stateLock.Lock()
	subscriber, ok := self.subscribers[subscriberId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	subscriber.closed = true
	delete(self.subscribers, subscriberId)
	if i := slices.Index(self.subscriberOrder, subscriberId); 0 <= i {
		self.subscriberOrder = slices.Delete(self.subscriberOrder, i, i+1)
	}
	if len(self.subscribers) == 0 && self.source != nil {
		source = self.source
		self.source = nil
		self.generation += 1
	}
	self.stateLock.Unlock()

	if source != nil {
		source.Close()
	}
}

func (self *EventTransport) pump(source EventStream, generation int) {
	for sourceEvent := range source.Events() {
		if sourceEvent.Err != nil {
			self.fail(source, generation, sourceEvent.Err)
			return
		}
		event, err := self.normalize(sourceEvent)
		if err != nil {
			self.fail(source, generation, err)
			return
		}
		if event == nil {
			continue
		}
		if !self.deliver(generation, event) {
			return
		}
	}

	// the source closed without a terminal event. when subscribers remain
	// this was not a local teardown, so surface it as a connection failure.
	self.fail(source, generation, &ConnectionFailedError{
		Err: errors.New("event stream closed"),
	})
}

func (self *EventTransport) normalize(sourceEvent *SourceEvent) (*Event, error) {
	switch sourceEvent.Type {
	case SourceEventTypeOpen:
		return &Event{Type: EventTypeOpen}, nil
	case SourceEventTypeReconnect:
		return &Event{Type: EventTypeReconnect}, nil
	case eventNameChannelError:
		return nil, &ChannelError{Data: json.RawMessage(sourceEvent.Data)}
	case eventNameDisconnect:
		reason := ""
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(sourceEvent.Data, &payload); err == nil {
			reason = payload.Reason
		} else {
			reason = string(sourceEvent.Data)
		}
		return nil, &DisconnectEventError{Reason: reason}
	case eventNameError:
		return nil, &MessageError{Data: json.RawMessage(sourceEvent.Data)}
	}

	if !slices.Contains(self.settings.EventNames, sourceEvent.Type) {
		glog.V(2).Infof("[et]drop %s\n", sourceEvent.Type)
		return nil, nil
	}
	if 0 < len(sourceEvent.Data) && !json.Valid(sourceEvent.Data) {
		return nil, &MessageParseError{
			Err: fmt.Errorf("malformed %s payload", sourceEvent.Type),
		}
	}
	return &Event{
		Type: sourceEvent.Type,
		Id:   sourceEvent.Id,
		Data: json.RawMessage(sourceEvent.Data),
	}, nil
}

func (self *EventTransport) deliver(generation int, event *Event) bool {
	self.stateLock.Lock()
	if self.generation != generation {
		self.stateLock.Unlock()
		return false
	}
	subscribers := make([]*transportSubscriber, 0, len(self.subscriberOrder))
	for _, subscriberId := range self.subscriberOrder {
		subscribers = append(subscribers, self.subscribers[subscriberId])
	}
	self.stateLock.Unlock()

	for _, subscriber := range subscribers {
		self.stateLock.Lock()
		closed := subscriber.closed
		self.stateLock.Unlock()
		if closed {
			continue
		}
		HandleError(func() {
			subscriber.callback(event, nil)
		})
	}
	return true
}

// terminal. tears down the stream, closes the source, and notifies every
// remaining subscriber exactly once.
func (self *EventTransport) fail(source EventStream, generation int, err error) {
	self.stateLock.Lock()
	if self.generation != generation {
		// a newer stream replaced this one
		self.stateLock.Unlock()
		return
	}
	subscribers := make([]*transportSubscriber, 0, len(self.subscriberOrder))
	for _, subscriberId := range self.subscriberOrder {
		subscriber := self.subscribers[subscriberId]
		subscriber.closed = true
		subscribers = append(subscribers, subscriber)
	}
	self.subscribers = map[int]*transportSubscriber{}
	self.subscriberOrder = nil
	self.source = nil
	self.generation += 1
	self.stateLock.Unlock()

	source.Close()

	glog.Infof("[et]terminal error = %s\n", err)
	for _, subscriber := range subscribers {
		callback := subscriber.callback
		HandleError(func() {
			callback(nil, err)
		})
	}
}
