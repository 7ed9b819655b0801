package realtime

import (
	"context"

	"github.com/golang/glog"
)

type RealtimeSettings struct {
	PresenceChannelName string
	// bound on concurrent outbound requests against the backend.
	// 0 or negative disables the bound.
	MaxConcurrentRequests int

	ChannelSettings    *PresenceChannelSettings
	AggregatorSettings *PresenceAggregatorSettings
	StoreSettings      *DocumentStoreSettings
}

func DefaultRealtimeSettings() *RealtimeSettings {
	return &RealtimeSettings{
		PresenceChannelName:   "presence",
		MaxConcurrentRequests: 4,
		ChannelSettings:       DefaultPresenceChannelSettings(),
		AggregatorSettings:    DefaultPresenceAggregatorSettings(),
		StoreSettings:         DefaultDocumentStoreSettings(),
	}
}

// Realtime is the per-process handle tying the facets together: one api
// client (concurrency limited), one presence channel and aggregator, and
// one document store. Constructed once and passed to the components that
// need it; there are no ambient globals.
type Realtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id
	identity string

	client   Client
	channel  *PresenceChannel
	presence *PresenceAggregator
	store    *DocumentStore
}

func NewRealtimeWithDefaults(ctx context.Context, config *ClientConfig) *Realtime {
	return NewRealtime(ctx, config, DefaultRealtimeSettings())
}

func NewRealtime(ctx context.Context, config *ClientConfig, settings *RealtimeSettings) *Realtime {
	cancelCtx, cancel := context.WithCancel(ctx)

	client := NewClient(config)
	if 0 < settings.MaxConcurrentRequests {
		client = NewClientConcurrencyLimiter(settings.MaxConcurrentRequests)(client)
	}

	clientId := NewId()
	identity := ""
	if claims, err := ParseTokenClaimsUnverified(config.Token); err == nil {
		identity = claims.Identity
	} else {
		glog.V(2).Infof("[rt]token claims unavailable = %s\n", err)
	}

	channel := NewPresenceChannel(
		cancelCtx,
		client,
		clientId,
		settings.PresenceChannelName,
		settings.ChannelSettings,
	)
	return &Realtime{
		ctx:      cancelCtx,
		cancel:   cancel,
		clientId: clientId,
		identity: identity,
		client:   client,
		channel:  channel,
		presence: NewPresenceAggregator(cancelCtx, channel, settings.AggregatorSettings),
		store:    NewDocumentStore(cancelCtx, client, settings.StoreSettings),
	}
}

func (self *Realtime) Client() Client {
	return self.client
}

func (self *Realtime) ClientId() Id {
	return self.clientId
}

// the identity claimed by the configured token, used to label this
// process's presence sessions on the server side
func (self *Realtime) Identity() string {
	return self.identity
}

func (self *Realtime) SetPrivacy(privacy PrivacyLevel) {
	self.presence.SetPrivacy(privacy)
}

func (self *Realtime) SetLocation(path []string) {
	self.presence.SetLocation(path)
}

func (self *Realtime) Peers() []*PeerGroup {
	return self.presence.Peers()
}

func (self *Realtime) AddPeerCallback(callback PeerFunction) func() {
	return self.presence.AddPeerCallback(callback)
}

func (self *Realtime) Checkout(documentId string) *Checkout {
	return self.store.Checkout(documentId)
}

func (self *Realtime) ById(documentId string, callback DocumentEventFunction) func() {
	return self.store.ById(documentId, callback)
}

func (self *Realtime) ByIds(documentIds []string, callback DocumentEventFunction) func() {
	return self.store.ByIds(documentIds, callback)
}

func (self *Realtime) Query(ctx context.Context, queryExpression string) (*QueryResult, error) {
	return self.store.Query(ctx, queryExpression)
}

func (self *Realtime) ListenQuery(queryExpression string, callback DocumentEventFunction) func() {
	return self.store.ListenQuery(queryExpression, callback)
}

func (self *Realtime) Close() {
	self.presence.Close()
	self.store.Close()
	self.cancel()
}
