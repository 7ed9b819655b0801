package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type ListenerState string

// listener state machine:
// ListenerStateUnopened
//
//	-> ListenerStateConnecting
//	  -> ListenerStateSnapshotReceived
//	    -> ListenerStateStreaming
//	      -> ListenerStateConnecting (transport reconnect)
//	-> ListenerStateClosed (terminal)
const (
	ListenerStateUnopened         ListenerState = "unopened"
	ListenerStateConnecting       ListenerState = "connecting"
	ListenerStateSnapshotReceived ListenerState = "snapshotReceived"
	ListenerStateStreaming        ListenerState = "streaming"
	ListenerStateClosed           ListenerState = "closed"
)

// one confirmed (or locally pending) mutation against one document.
// `ResultRev` strictly increases per document after each applied envelope;
// `PreviousRev` of envelope N+1 chains to `ResultRev` of envelope N for a
// sequential source. The client assumes monotonic revisions rather than
// enforcing them.
type MutationEnvelope struct {
	TransactionId string          `json:"transactionId"`
	DocumentId    string          `json:"documentId"`
	Mutations     []*Mutation     `json:"mutations,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	PreviousRev   string          `json:"previousRev,omitempty"`
	ResultRev     string          `json:"resultRev,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`

	// true for a synthetic local envelope that the server has not
	// confirmed yet
	Pending bool `json:"-"`
}

type DocumentEventType string

const (
	DocumentEventSnapshot  DocumentEventType = "snapshot"
	DocumentEventMutation  DocumentEventType = "mutation"
	DocumentEventReconnect DocumentEventType = "reconnect"
	// the server signaled a snapshot-only result. the subscription is
	// complete and will deliver nothing further.
	DocumentEventComplete DocumentEventType = "complete"
)

type DocumentEvent struct {
	Type DocumentEventType
	// snapshot
	Documents []json.RawMessage
	// mutation
	Envelope *MutationEnvelope
}

// a non-nil err is terminal for this subscription
type DocumentEventFunction func(event *DocumentEvent, err error)

type snapshotPayload struct {
	Document   json.RawMessage   `json:"document,omitempty"`
	Documents  []json.RawMessage `json:"documents,omitempty"`
	Listenable *bool             `json:"listenable,omitempty"`
}

type DocumentStoreSettings struct {
	// backoff for resubscribing after a connection failure
	ResubscribeInitialTimeout time.Duration
	ResubscribeMaxTimeout     time.Duration
	EventSourceSettings       *EventSourceSettings
}

func DefaultDocumentStoreSettings() *DocumentStoreSettings {
	return &DocumentStoreSettings{
		ResubscribeInitialTimeout: 500 * time.Millisecond,
		ResubscribeMaxTimeout:     30 * time.Second,
		EventSourceSettings:       DefaultEventSourceSettings(),
	}
}

// DocumentStore multiplexes many read subscriptions over per-id-set
// listen connections. Subscribers to the same id set share one underlying
// connection, opened on the first subscriber and closed when the last one
// unsubscribes. A connection failure is recovered internally with
// exponential backoff while subscribers remain; every other terminal
// error propagates to subscribers and evicts the listener.
type DocumentStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   Client
	settings *DocumentStoreSettings

	stateLock sync.Mutex
	listeners map[string]*documentListener
	checkouts map[string]*Checkout

	// tests may replace the listen connection factory
	sourceFactory func(listenQuery url.Values) EventSourceFactory
}

func NewDocumentStoreWithDefaults(ctx context.Context, client Client) *DocumentStore {
	return NewDocumentStore(ctx, client, DefaultDocumentStoreSettings())
}

func NewDocumentStore(ctx context.Context, client Client, settings *DocumentStoreSettings) *DocumentStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &DocumentStore{
		ctx:       cancelCtx,
		cancel:    cancel,
		client:    client,
		settings:  settings,
		listeners: map[string]*documentListener{},
		checkouts: map[string]*Checkout{},
	}
	store.sourceFactory = store.defaultSourceFactory
	return store
}

func (self *DocumentStore) defaultSourceFactory(listenQuery url.Values) EventSourceFactory {
	config := self.client.Config()
	listenUrl := fmt.Sprintf(
		"%s/projects/%s/datasets/%s/listen?%s",
		config.ApiUrl,
		config.ProjectId,
		config.Dataset,
		listenQuery.Encode(),
	)
	header := http.Header{}
	if config.Token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", config.Token))
	}
	return func(factoryCtx context.Context) EventStream {
		return NewEventSource(factoryCtx, listenUrl, header, self.settings.EventSourceSettings)
	}
}

func (self *DocumentStore) Close() {
	self.cancel()
}

// ById subscribes to one document. Returns the remove function.
func (self *DocumentStore) ById(documentId string, callback DocumentEventFunction) func() {
	return self.ByIds([]string{documentId}, callback)
}

// ByIds subscribes to a set of documents over one shared listen
// connection per distinct id set.
func (self *DocumentStore) ByIds(documentIds []string, callback DocumentEventFunction) func() {
	ids := slices.Clone(documentIds)
	slices.Sort(ids)
	key := strings.Join(ids, ",")
	listenQuery := url.Values{}
	listenQuery.Set("ids", strings.Join(ids, ","))
	return self.subscribe(key, listenQuery, callback)
}

// Query runs a one-shot query.
func (self *DocumentStore) Query(ctx context.Context, queryExpression string) (*QueryResult, error) {
	return self.client.Query(ctx, queryExpression)
}

// ListenQuery subscribes to a live query result set. When the server
// signals that the query is snapshot-only, the subscriber receives the
// snapshot followed by a `complete` event and nothing further.
func (self *DocumentStore) ListenQuery(queryExpression string, callback DocumentEventFunction) func() {
	key := fmt.Sprintf("query:%s", queryExpression)
	listenQuery := url.Values{}
	listenQuery.Set("query", queryExpression)
	return self.subscribe(key, listenQuery, callback)
}

func (self *DocumentStore) subscribe(key string, listenQuery url.Values, callback DocumentEventFunction) func() {
	self.stateLock.Lock()
	listener, ok := self.listeners[key]
	if !ok || listener.State() == ListenerStateClosed {
		listener = newDocumentListener(self, key, listenQuery)
		self.listeners[key] = listener
	}
	self.stateLock.Unlock()

	return listener.addSubscriber(callback)
}

func (self *DocumentStore) evict(key string, listener *documentListener) {
	self.stateLock.Lock()
	if self.listeners[key] == listener {
		delete(self.listeners, key)
	}
	self.stateLock.Unlock()
}

type documentListener struct {
	store *DocumentStore
	key   string

	transport *EventTransport

	stateLock            sync.Mutex
	state                ListenerState
	subscribers          *CallbackList[DocumentEventFunction]
	transportUnsubscribe func()
	retryBackoff         *backoff.ExponentialBackOff
	retrying             bool
}

func newDocumentListener(store *DocumentStore, key string, listenQuery url.Values) *documentListener {
	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = store.settings.ResubscribeInitialTimeout
	retryBackoff.MaxInterval = store.settings.ResubscribeMaxTimeout
	// retry as long as subscribers remain
	retryBackoff.MaxElapsedTime = 0

	return &documentListener{
		store: store,
		key:   key,
		transport: NewEventTransport(
			store.ctx,
			store.sourceFactory(listenQuery),
			DefaultEventTransportSettings("snapshot", "mutation"),
		),
		state:        ListenerStateUnopened,
		subscribers:  NewCallbackList[DocumentEventFunction](),
		retryBackoff: retryBackoff,
	}
}

func (self *documentListener) State() ListenerState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *documentListener) addSubscriber(callback DocumentEventFunction) func() {
	callbackId := self.subscribers.Add(callback)

	self.stateLock.Lock()
	if self.transportUnsubscribe == nil && self.state != ListenerStateClosed {
		self.state = ListenerStateConnecting
		self.transportUnsubscribe = self.transport.Subscribe(self.handleEvent)
	}
	self.stateLock.Unlock()

	return func() {
		self.removeSubscriber(callbackId)
	}
}

func (self *documentListener) removeSubscriber(callbackId int) {
	self.subscribers.Remove(callbackId)
	if 0 < self.subscribers.Count() {
		return
	}

	self.stateLock.Lock()
	transportUnsubscribe := self.transportUnsubscribe
	self.transportUnsubscribe = nil
	self.state = ListenerStateClosed
	self.stateLock.Unlock()

	if transportUnsubscribe != nil {
		transportUnsubscribe()
	}
	self.store.evict(self.key, self)
}

func (self *documentListener) handleEvent(event *Event, err error) {
	if err != nil {
		self.handleTerminal(err)
		return
	}

	switch event.Type {
	case EventTypeOpen:
		// connecting until the snapshot arrives
	case EventTypeReconnect:
		self.stateLock.Lock()
		self.state = ListenerStateConnecting
		self.stateLock.Unlock()
		self.deliver(&DocumentEvent{Type: DocumentEventReconnect})
	case "snapshot":
		payload := &snapshotPayload{}
		if err := json.Unmarshal(event.Data, payload); err != nil {
			self.handleTerminal(&MessageParseError{Err: err})
			return
		}
		documents := payload.Documents
		if documents == nil && payload.Document != nil {
			documents = []json.RawMessage{payload.Document}
		}

		self.stateLock.Lock()
		self.state = ListenerStateSnapshotReceived
		self.retryBackoff.Reset()
		self.stateLock.Unlock()

		self.deliver(&DocumentEvent{
			Type:      DocumentEventSnapshot,
			Documents: documents,
		})

		if payload.Listenable != nil && !*payload.Listenable {
			// snapshot-only query. complete the subscription.
			self.deliver(&DocumentEvent{Type: DocumentEventComplete})
			self.close()
		}
	case "mutation":
		envelope := &MutationEnvelope{}
		if err := json.Unmarshal(event.Data, envelope); err != nil {
			self.handleTerminal(&MessageParseError{Err: err})
			return
		}

		self.stateLock.Lock()
		self.state = ListenerStateStreaming
		self.stateLock.Unlock()

		self.deliver(&DocumentEvent{
			Type:     DocumentEventMutation,
			Envelope: envelope,
		})
	}
}

func (self *documentListener) handleTerminal(err error) {
	if _, ok := err.(*ConnectionFailedError); ok && 0 < self.subscribers.Count() {
		// the one recoverable terminal error. resubscribe with backoff
		// while subscribers remain.
		self.stateLock.Lock()
		self.state = ListenerStateConnecting
		self.transportUnsubscribe = nil
		alreadyRetrying := self.retrying
		self.retrying = true
		self.stateLock.Unlock()

		if !alreadyRetrying {
			go self.retry()
		}
		return
	}

	self.stateLock.Lock()
	self.state = ListenerStateClosed
	self.transportUnsubscribe = nil
	self.stateLock.Unlock()

	for _, callback := range self.subscribers.Get() {
		callback := callback
		HandleError(func() {
			callback(nil, err)
		})
	}
	self.store.evict(self.key, self)
}

func (self *documentListener) retry() {
	defer func() {
		self.stateLock.Lock()
		self.retrying = false
		self.stateLock.Unlock()
	}()

	timeout := self.retryBackoff.NextBackOff()
	if timeout == backoff.Stop {
		timeout = self.store.settings.ResubscribeMaxTimeout
	}
	glog.Infof("[ds]resubscribe %s in %s\n", self.key, timeout)

	select {
	case <-self.store.ctx.Done():
		return
	case <-time.After(timeout):
	}

	self.stateLock.Lock()
	if self.state == ListenerStateClosed || self.subscribers.Count() == 0 {
		self.stateLock.Unlock()
		return
	}
	self.transportUnsubscribe = self.transport.Subscribe(self.handleEvent)
	self.stateLock.Unlock()
}

func (self *documentListener) close() {
	self.stateLock.Lock()
	transportUnsubscribe := self.transportUnsubscribe
	self.transportUnsubscribe = nil
	self.state = ListenerStateClosed
	self.stateLock.Unlock()

	if transportUnsubscribe != nil {
		transportUnsubscribe()
	}
	self.store.evict(self.key, self)
}

func (self *documentListener) deliver(event *DocumentEvent) {
	for _, callback := range self.subscribers.Get() {
		callback := callback
		HandleError(func() {
			callback(event, nil)
		})
	}
}
