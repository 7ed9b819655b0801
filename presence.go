package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type PrivacyLevel string

const (
	PrivacyAnonymous PrivacyLevel = "anonymous"
	PrivacyPrivate   PrivacyLevel = "private"
	PrivacyDataset   PrivacyLevel = "dataset"
	PrivacyVisible   PrivacyLevel = "visible"
)

// one connected client instance, grouped under a stable identity.
// unique by clientId. replaced, not merged, on each sync.
type PeerSession struct {
	Identity  string
	ClientId  Id
	State     json.RawMessage
	Timestamp time.Time
}

type PeerGroup struct {
	Identity string
	Sessions []*PeerSession
}

// a non-nil err is terminal for the aggregated view
type PeerFunction func(peers []*PeerGroup, err error)

type PresenceAggregatorSettings struct {
	BroadcastTimeout     time.Duration
	PurgeTimeout         time.Duration
	SessionExpireTimeout time.Duration
}

func DefaultPresenceAggregatorSettings() *PresenceAggregatorSettings {
	return &PresenceAggregatorSettings{
		BroadcastTimeout:     10 * time.Second,
		PurgeTimeout:         10 * time.Second,
		SessionExpireTimeout: 60 * time.Second,
	}
}

// PresenceAggregator folds the presence protocol stream into a peer
// session table:
//   - welcome starts a fresh session: the table resets, a roll-call is
//     broadcast, and the local location is announced when visible
//   - a roll-call from any peer triggers an immediate local sync when
//     visible
//   - sync replaces the session for its clientId, disconnect removes it
//   - sessions without a heartbeat inside the expire window are purged on
//     a recurring tick
//
// Transport errors propagate to peer callbacks. There is no retry here:
// reconnection belongs to the event transport, and stale entries from
// before a reconnect cannot be trusted without a new roll-call.
type PresenceAggregator struct {
	ctx    context.Context
	cancel context.CancelFunc

	channel  *PresenceChannel
	settings *PresenceAggregatorSettings

	stateLock sync.Mutex
	sessions  map[Id]*PeerSession
	privacy   PrivacyLevel
	location  []string
	failed    bool

	peerCallbacks *CallbackList[PeerFunction]

	unsubscribe func()
}

func NewPresenceAggregatorWithDefaults(ctx context.Context, channel *PresenceChannel) *PresenceAggregator {
	return NewPresenceAggregator(ctx, channel, DefaultPresenceAggregatorSettings())
}

func NewPresenceAggregator(ctx context.Context, channel *PresenceChannel, settings *PresenceAggregatorSettings) *PresenceAggregator {
	cancelCtx, cancel := context.WithCancel(ctx)
	aggregator := &PresenceAggregator{
		ctx:           cancelCtx,
		cancel:        cancel,
		channel:       channel,
		settings:      settings,
		sessions:      map[Id]*PeerSession{},
		privacy:       PrivacyVisible,
		location:      []string{},
		peerCallbacks: NewCallbackList[PeerFunction](),
	}
	aggregator.unsubscribe = channel.Subscribe(aggregator.handleMessage)
	go aggregator.run()
	return aggregator
}

func (self *PresenceAggregator) run() {
	broadcast := time.NewTicker(self.settings.BroadcastTimeout)
	defer broadcast.Stop()
	purge := time.NewTicker(self.settings.PurgeTimeout)
	defer purge.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-broadcast.C:
			self.broadcastSync()
		case <-purge.C:
			self.purge()
		}
	}
}

func (self *PresenceAggregator) SetPrivacy(privacy PrivacyLevel) {
	self.stateLock.Lock()
	self.privacy = privacy
	self.stateLock.Unlock()
}

func (self *PresenceAggregator) Privacy() PrivacyLevel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.privacy
}

// SetLocation updates the local "where am I" value. While visible the new
// location is announced immediately rather than on the next broadcast
// tick.
func (self *PresenceAggregator) SetLocation(path []string) {
	self.stateLock.Lock()
	self.location = slices.Clone(path)
	self.stateLock.Unlock()

	self.broadcastSync()
}

func (self *PresenceAggregator) Location() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.location)
}

// Peers returns the current sessions grouped by identity, identities and
// sessions in stable order.
func (self *PresenceAggregator) Peers() []*PeerGroup {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.peerGroups()
}

// must be called with `stateLock`
func (self *PresenceAggregator) peerGroups() []*PeerGroup {
	sessionsByIdentity := map[string][]*PeerSession{}
	for _, clientId := range maps.Keys(self.sessions) {
		session := self.sessions[clientId]
		sessionsByIdentity[session.Identity] = append(sessionsByIdentity[session.Identity], session)
	}

	identities := maps.Keys(sessionsByIdentity)
	slices.Sort(identities)

	groups := make([]*PeerGroup, 0, len(identities))
	for _, identity := range identities {
		sessions := sessionsByIdentity[identity]
		slices.SortFunc(sessions, func(a *PeerSession, b *PeerSession) int {
			return slices.Compare(a.ClientId.Bytes(), b.ClientId.Bytes())
		})
		groups = append(groups, &PeerGroup{
			Identity: identity,
			Sessions: sessions,
		})
	}
	return groups
}

// AddPeerCallback registers a callback for the aggregated view and calls
// it once with the current state. Returns the remove function.
func (self *PresenceAggregator) AddPeerCallback(callback PeerFunction) func() {
	callbackId := self.peerCallbacks.Add(callback)

	self.stateLock.Lock()
	groups := self.peerGroups()
	self.stateLock.Unlock()
	HandleError(func() {
		callback(groups, nil)
	})

	return func() {
		self.peerCallbacks.Remove(callbackId)
	}
}

func (self *PresenceAggregator) handleMessage(message *PresenceMessage, err error) {
	if err != nil {
		self.fail(err)
		return
	}

	switch message.Type {
	case PresenceWelcome:
		// fresh session. peers from before the reconnect cannot be
		// trusted without a new roll-call.
		self.stateLock.Lock()
		changed := 0 < len(self.sessions)
		self.sessions = map[Id]*PeerSession{}
		self.stateLock.Unlock()
		if changed {
			self.notify()
		}
		self.send(&PresenceOutMessage{Type: PresenceRollCall})
		self.broadcastSync()
	case PresenceRollCall:
		if message.ClientId == self.channel.ClientId() {
			return
		}
		self.broadcastSync()
	case PresenceSync:
		if message.ClientId == self.channel.ClientId() {
			return
		}
		self.stateLock.Lock()
		self.sessions[message.ClientId] = &PeerSession{
			Identity:  message.Identity,
			ClientId:  message.ClientId,
			State:     message.State,
			Timestamp: message.Timestamp,
		}
		self.stateLock.Unlock()
		self.notify()
	case PresenceDisconnect:
		self.stateLock.Lock()
		_, ok := self.sessions[message.ClientId]
		delete(self.sessions, message.ClientId)
		self.stateLock.Unlock()
		if ok {
			self.notify()
		}
	}
}

func (self *PresenceAggregator) purge() {
	expireTime := time.Now().Add(-self.settings.SessionExpireTimeout)

	self.stateLock.Lock()
	changed := false
	for clientId, session := range self.sessions {
		if session.Timestamp.Before(expireTime) {
			delete(self.sessions, clientId)
			changed = true
		}
	}
	self.stateLock.Unlock()

	if changed {
		self.notify()
	}
}

// announces the local location as a sync, gated by privacy
func (self *PresenceAggregator) broadcastSync() {
	self.stateLock.Lock()
	visible := self.privacy == PrivacyVisible
	location := slices.Clone(self.location)
	self.stateLock.Unlock()

	if !visible {
		return
	}

	state, err := json.Marshal(location)
	if err != nil {
		return
	}
	self.send(&PresenceOutMessage{
		Type:  PresenceSync,
		State: state,
	})
}

func (self *PresenceAggregator) send(messages ...*PresenceOutMessage) {
	go HandleError(func() {
		if err := self.channel.Send(self.ctx, messages...); err != nil {
			if self.ctx.Err() == nil {
				glog.Infof("[pa]send error = %s\n", err)
			}
		}
	})
}

func (self *PresenceAggregator) notify() {
	self.stateLock.Lock()
	if self.failed {
		self.stateLock.Unlock()
		return
	}
	groups := self.peerGroups()
	self.stateLock.Unlock()

	for _, callback := range self.peerCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(groups, nil)
		})
	}
}

func (self *PresenceAggregator) fail(err error) {
	self.stateLock.Lock()
	if self.failed {
		self.stateLock.Unlock()
		return
	}
	self.failed = true
	self.stateLock.Unlock()

	for _, callback := range self.peerCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(nil, err)
		})
	}
	self.cancel()
}

// Close announces the local disconnect on the fire-and-forget path and
// stops the timers and subscription.
func (self *PresenceAggregator) Close() {
	self.channel.SendBeacon(&PresenceOutMessage{Type: PresenceDisconnect})
	self.unsubscribe()
	self.cancel()
}
