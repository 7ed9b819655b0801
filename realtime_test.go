package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(4 * time.Second)
	for !condition() {
		if endTime.Before(time.Now()) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// a scriptable push connection
type fakeEventStream struct {
	mutex  sync.Mutex
	events chan *SourceEvent
	closed bool
}

func newFakeEventStream() *fakeEventStream {
	return &fakeEventStream{
		events: make(chan *SourceEvent, 32),
	}
}

func (self *fakeEventStream) Events() <-chan *SourceEvent {
	return self.events
}

func (self *fakeEventStream) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if !self.closed {
		self.closed = true
		close(self.events)
	}
}

func (self *fakeEventStream) isClosed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.closed
}

func (self *fakeEventStream) emit(eventType string, data string) {
	self.emitEvent(&SourceEvent{
		Type: eventType,
		Data: []byte(data),
	})
}

func (self *fakeEventStream) emitErr(err error) {
	self.emitEvent(&SourceEvent{
		Err: err,
	})
}

func (self *fakeEventStream) emitEvent(event *SourceEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	self.events <- event
}

// hands out one scripted stream per connection attempt
type fakeStreamFactory struct {
	mutex   sync.Mutex
	streams []*fakeEventStream
}

func (self *fakeStreamFactory) factory(ctx context.Context) EventStream {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	stream := newFakeEventStream()
	self.streams = append(self.streams, stream)
	return stream
}

func (self *fakeStreamFactory) connectCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.streams)
}

func (self *fakeStreamFactory) stream(i int) *fakeEventStream {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.streams[i]
}

type fakeRequest struct {
	method string
	path   string
	body   []byte
}

// records api traffic instead of sending it
type fakeClient struct {
	config *ClientConfig

	requestFunc func() error
	mutateFunc  func() error
	mutateErr   error

	mutex        sync.Mutex
	requests     []*fakeRequest
	transactions []*Transaction
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		config: &ClientConfig{
			ApiUrl:    "http://test",
			ProjectId: "p",
			Dataset:   "d",
		},
	}
}

func (self *fakeClient) Config() *ClientConfig {
	return self.config
}

func (self *fakeClient) WithConfig(config *ClientConfig) Client {
	return &fakeClient{
		config:      config,
		requestFunc: self.requestFunc,
	}
}

func (self *fakeClient) Clone() Client {
	return &fakeClient{
		config:      self.config.Clone(),
		requestFunc: self.requestFunc,
	}
}

func (self *fakeClient) Request(ctx context.Context, method string, path string, query url.Values, args any, result any) error {
	var body []byte
	if args != nil {
		body, _ = json.Marshal(args)
	}
	self.mutex.Lock()
	self.requests = append(self.requests, &fakeRequest{
		method: method,
		path:   path,
		body:   body,
	})
	self.mutex.Unlock()

	if self.requestFunc != nil {
		return self.requestFunc()
	}
	return nil
}

func (self *fakeClient) Mutate(ctx context.Context, transaction *Transaction) (*MutateResult, error) {
	if self.mutateFunc != nil {
		if err := self.mutateFunc(); err != nil {
			return nil, err
		}
	}
	if self.mutateErr != nil {
		return nil, self.mutateErr
	}
	self.mutex.Lock()
	self.transactions = append(self.transactions, transaction)
	self.mutex.Unlock()

	results := []*MutateResultItem{}
	for _, mutation := range transaction.Mutations {
		if mutation.Patch != nil {
			results = append(results, &MutateResultItem{
				Id:        mutation.Patch.Id,
				Operation: "update",
			})
		}
	}
	return &MutateResult{
		TransactionId: transaction.TransactionId,
		Results:       results,
	}, nil
}

func (self *fakeClient) Query(ctx context.Context, queryExpression string) (*QueryResult, error) {
	return &QueryResult{
		Query:  queryExpression,
		Result: json.RawMessage(`[]`),
	}, nil
}

func (self *fakeClient) requestCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.requests)
}

func (self *fakeClient) request(i int) *fakeRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.requests[i]
}

func (self *fakeClient) transactionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.transactions)
}

func (self *fakeClient) transaction(i int) *Transaction {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.transactions[i]
}

// presence wire helpers

func presenceMessageData(identity string, innerType PresenceMessageType, clientId Id, state string, timestamp time.Time) string {
	inner := map[string]any{
		"type":     innerType,
		"clientId": clientId.String(),
	}
	if state != "" {
		inner["state"] = json.RawMessage(state)
	}
	if !timestamp.IsZero() {
		inner["timestamp"] = timestamp
	}
	innerBytes, _ := json.Marshal(inner)
	return fmt.Sprintf(`{"i":%q,"m":%s}`, identity, innerBytes)
}
