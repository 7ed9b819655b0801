package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"golang.org/x/exp/slices"
)

// one buffered edit against a document. `Set` and `Unset` are applied as
// an RFC 7386 merge patch (unset attributes become JSON nulls, which the
// merge removes); `Ops` carries RFC 6902 operations applied as-is.
type Patch struct {
	Id    string          `json:"id"`
	Set   map[string]any  `json:"set,omitempty"`
	Unset []string        `json:"unset,omitempty"`
	Ops   json.RawMessage `json:"ops,omitempty"`
}

type Mutation struct {
	Patch             *Patch          `json:"patch,omitempty"`
	Create            json.RawMessage `json:"create,omitempty"`
	CreateIfNotExists json.RawMessage `json:"createIfNotExists,omitempty"`
	Delete            *DeleteMutation `json:"delete,omitempty"`
}

type DeleteMutation struct {
	Id string `json:"id"`
}

// Apply computes the result of the patch against a document without any
// network effect. Used for the optimistic local view.
func (self *Patch) Apply(document json.RawMessage) (json.RawMessage, error) {
	out := document
	if len(out) == 0 {
		out = json.RawMessage(`{}`)
	}

	if 0 < len(self.Ops) {
		decoded, err := jsonpatch.DecodePatch(self.Ops)
		if err != nil {
			return nil, err
		}
		applied, err := decoded.Apply(out)
		if err != nil {
			return nil, err
		}
		out = applied
	}

	if 0 < len(self.Set) || 0 < len(self.Unset) {
		merge := map[string]any{}
		for attribute, value := range self.Set {
			merge[attribute] = value
		}
		for _, attribute := range self.Unset {
			merge[attribute] = nil
		}
		mergeBytes, err := json.Marshal(merge)
		if err != nil {
			return nil, err
		}
		applied, err := jsonpatch.MergePatch(out, mergeBytes)
		if err != nil {
			return nil, err
		}
		out = applied
	}

	return out, nil
}

// a non-nil err is terminal for this subscription
type EnvelopeFunction func(envelope *MutationEnvelope, err error)

// Checkout is a local handle to one document permitting buffered local
// edits prior to commit. Handles for the same document are shared and
// reference counted; the underlying listen connection closes when the
// last holder calls Close.
//
// The envelope stream merges (a) server-confirmed mutations for the
// document and (b) synthetic local envelopes for not-yet-confirmed
// patches, so a consumer sees its own edits immediately and sees them
// superseded, not duplicated, once the server confirms the same
// transaction.
type Checkout struct {
	store      *DocumentStore
	documentId string

	// serializes Commit calls. never held together with stateLock across
	// the mutate request.
	commitLock sync.Mutex

	stateLock sync.Mutex
	refCount  int
	closed    bool

	pending []*Patch
	// fixed when the first pending patch is added, so the server's
	// confirmation carries the same transaction id
	pendingTransactionId string
	// sent transactions awaiting confirmation. confirmed envelopes for
	// these ids are suppressed.
	submitted map[string]bool

	// last server-confirmed content and revision
	document          json.RawMessage
	lastKnownRevision string
	// confirmed content plus pending patches
	localDocument json.RawMessage

	envelopeCallbacks *CallbackList[EnvelopeFunction]

	unsubscribe func()
}

// Checkout returns the shared replica handle for the document, creating
// it and its listen subscription on first use. The replica is constructed
// and subscribed outside the store lock, since subscribing re-enters the
// store.
func (self *DocumentStore) Checkout(documentId string) *Checkout {
	for {
		self.stateLock.Lock()
		checkout, ok := self.checkouts[documentId]
		self.stateLock.Unlock()
		if ok && checkout.retainIfOpen() {
			return checkout
		}

		candidate := newCheckout(self, documentId)
		candidate.retain()
		self.stateLock.Lock()
		current, currentOk := self.checkouts[documentId]
		if !currentOk || current == checkout {
			self.checkouts[documentId] = candidate
			self.stateLock.Unlock()
			return candidate
		}
		self.stateLock.Unlock()

		// another goroutine installed a replica first. drop the candidate
		// and retry against theirs.
		candidate.Close()
	}
}

func (self *DocumentStore) evictCheckout(documentId string, checkout *Checkout) {
	self.stateLock.Lock()
	if self.checkouts[documentId] == checkout {
		delete(self.checkouts, documentId)
	}
	self.stateLock.Unlock()
}

func newCheckout(store *DocumentStore, documentId string) *Checkout {
	checkout := &Checkout{
		store:             store,
		documentId:        documentId,
		submitted:         map[string]bool{},
		envelopeCallbacks: NewCallbackList[EnvelopeFunction](),
	}
	checkout.unsubscribe = store.ById(documentId, checkout.handleDocumentEvent)
	return checkout
}

func (self *Checkout) DocumentId() string {
	return self.documentId
}

func (self *Checkout) retain() {
	self.stateLock.Lock()
	self.refCount += 1
	self.stateLock.Unlock()
}

func (self *Checkout) retainIfOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return false
	}
	self.refCount += 1
	return true
}

// Close releases this holder's reference. The replica and its listen
// subscription are destroyed when no other holder remains.
func (self *Checkout) Close() {
	self.stateLock.Lock()
	self.refCount -= 1
	if 0 < self.refCount || self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	self.stateLock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	self.store.evictCheckout(self.documentId, self)
}

// Patch appends to the pending buffer and emits a synthetic local
// envelope. No network effect until Commit.
func (self *Checkout) Patch(patches ...*Patch) {
	envelopes := []*MutationEnvelope{}

	self.stateLock.Lock()
	for _, patch := range patches {
		if patch.Id == "" {
			// default the id on a copy, the caller's value stays untouched
			defaulted := *patch
			defaulted.Id = self.documentId
			patch = &defaulted
		}
		if self.pendingTransactionId == "" {
			self.pendingTransactionId = uuid.NewString()
		}
		self.pending = append(self.pending, patch)

		result, err := patch.Apply(self.localDocument)
		if err != nil {
			// the optimistic view cannot be computed. the patch stays
			// buffered and the server remains the authority on commit.
			glog.Infof("[co]optimistic apply error %s = %s\n", self.documentId, err)
			result = self.localDocument
		}
		self.localDocument = result

		envelopes = append(envelopes, &MutationEnvelope{
			TransactionId: self.pendingTransactionId,
			DocumentId:    self.documentId,
			Mutations:     []*Mutation{{Patch: patch}},
			Result:        result,
			PreviousRev:   self.lastKnownRevision,
			Timestamp:     time.Now(),
			Pending:       true,
		})
	}
	self.stateLock.Unlock()

	for _, envelope := range envelopes {
		self.deliver(envelope)
	}
}

// Pending returns a snapshot of the buffered, uncommitted patches.
func (self *Checkout) Pending() []*Patch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.pending)
}

// Document returns the local optimistic view: the last confirmed content
// with pending patches applied.
func (self *Checkout) Document() json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.localDocument
}

func (self *Checkout) LastKnownRevision() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastKnownRevision
}

// Commit sends the buffered patches as one transaction. On success the
// committed subset is cleared from the buffer; on failure the buffer is
// left unchanged so the caller may retry or inspect it. Commits are
// serialized per checkout, so concurrent callers cannot double-send one
// transaction.
func (self *Checkout) Commit(ctx context.Context) (*MutateResult, error) {
	self.commitLock.Lock()
	defer self.commitLock.Unlock()

	self.stateLock.Lock()
	if len(self.pending) == 0 {
		self.stateLock.Unlock()
		return &MutateResult{}, nil
	}
	patches := slices.Clone(self.pending)
	transactionId := self.pendingTransactionId
	// suppression must be registered before the request is in flight. a
	// confirmation can arrive on the listen stream before the mutate
	// response does, and must supersede, not duplicate.
	self.submitted[transactionId] = true
	self.stateLock.Unlock()

	mutations := make([]*Mutation, 0, len(patches))
	for _, patch := range patches {
		mutations = append(mutations, &Mutation{Patch: patch})
	}
	transaction := &Transaction{
		TransactionId: transactionId,
		Mutations:     mutations,
	}

	result, err := self.store.client.Mutate(ctx, transaction)
	if err != nil {
		self.stateLock.Lock()
		delete(self.submitted, transactionId)
		self.stateLock.Unlock()
		return nil, err
	}

	self.stateLock.Lock()
	// clear the committed patches by identity. patches buffered while the
	// commit was in flight stay, under a new transaction.
	committed := map[*Patch]bool{}
	for _, patch := range patches {
		committed[patch] = true
	}
	remaining := make([]*Patch, 0, len(self.pending))
	for _, patch := range self.pending {
		if !committed[patch] {
			remaining = append(remaining, patch)
		}
	}
	self.pending = remaining
	if 0 < len(self.pending) {
		self.pendingTransactionId = uuid.NewString()
	} else {
		self.pendingTransactionId = ""
	}
	self.stateLock.Unlock()

	return result, nil
}

// AddEnvelopeCallback registers a subscriber on the merged envelope
// stream. Returns the remove function.
func (self *Checkout) AddEnvelopeCallback(callback EnvelopeFunction) func() {
	callbackId := self.envelopeCallbacks.Add(callback)
	return func() {
		self.envelopeCallbacks.Remove(callbackId)
	}
}

func (self *Checkout) handleDocumentEvent(event *DocumentEvent, err error) {
	if err != nil {
		// the pending buffer stays intact. resubscription policy belongs
		// to the hosting application.
		for _, callback := range self.envelopeCallbacks.Get() {
			callback := callback
			HandleError(func() {
				callback(nil, err)
			})
		}
		return
	}

	switch event.Type {
	case DocumentEventSnapshot:
		var document json.RawMessage
		if 0 < len(event.Documents) {
			document = event.Documents[0]
		}
		self.stateLock.Lock()
		self.document = document
		self.lastKnownRevision = documentRevision(document)
		self.localDocument = self.applyPending(document)
		self.stateLock.Unlock()
	case DocumentEventMutation:
		envelope := event.Envelope
		if envelope.DocumentId != self.documentId {
			// another document on the shared connection
			return
		}

		self.stateLock.Lock()
		own := self.submitted[envelope.TransactionId]
		if own {
			delete(self.submitted, envelope.TransactionId)
		}
		self.applyEnvelope(envelope)
		self.stateLock.Unlock()

		if !own {
			// own transactions were already seen as synthetic local
			// envelopes. delivering the confirmation would duplicate them.
			self.deliver(envelope)
		}
	}
}

// must be called with `stateLock`
func (self *Checkout) applyEnvelope(envelope *MutationEnvelope) {
	if 0 < len(envelope.Result) {
		self.document = envelope.Result
	} else {
		document := self.document
		for _, mutation := range envelope.Mutations {
			if mutation.Patch == nil {
				continue
			}
			applied, err := mutation.Patch.Apply(document)
			if err != nil {
				glog.Infof("[co]confirmed apply error %s = %s\n", self.documentId, err)
				continue
			}
			document = applied
		}
		self.document = document
	}
	if envelope.ResultRev != "" {
		self.lastKnownRevision = envelope.ResultRev
	}
	self.localDocument = self.applyPending(self.document)
}

// must be called with `stateLock`. reconciles the pending buffer on top
// of newly confirmed content.
func (self *Checkout) applyPending(document json.RawMessage) json.RawMessage {
	out := document
	for _, patch := range self.pending {
		applied, err := patch.Apply(out)
		if err != nil {
			continue
		}
		out = applied
	}
	return out
}

func (self *Checkout) deliver(envelope *MutationEnvelope) {
	for _, callback := range self.envelopeCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(envelope, nil)
		})
	}
}

func documentRevision(document json.RawMessage) string {
	if len(document) == 0 {
		return ""
	}
	var fields struct {
		Rev string `json:"_rev"`
	}
	if err := json.Unmarshal(document, &fields); err != nil {
		return ""
	}
	return fields.Rev
}
