package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PresenceMessageType string

const (
	PresenceWelcome    PresenceMessageType = "welcome"
	PresenceSync       PresenceMessageType = "sync"
	PresenceDisconnect PresenceMessageType = "disconnect"
	PresenceRollCall   PresenceMessageType = "rollCall"
)

// one decoded item on the presence channel
type PresenceMessage struct {
	Type PresenceMessageType

	// welcome only
	Channel string
	Project string

	// sender
	Identity  string
	ClientId  Id
	Timestamp time.Time

	// application payload, e.g. the sender's location path
	State json.RawMessage
}

// a non-nil err is terminal for this subscription
type PresenceMessageFunction func(message *PresenceMessage, err error)

type presenceWelcomePayload struct {
	Channel  string `json:"channel"`
	Project  string `json:"project"`
	Identity string `json:"identity"`
}

type presenceMessagePayload struct {
	Identity string                `json:"i"`
	Message  *presenceInnerMessage `json:"m"`
}

type presenceInnerMessage struct {
	Type      PresenceMessageType `json:"type"`
	ClientId  Id                  `json:"clientId"`
	State     json.RawMessage     `json:"state,omitempty"`
	Timestamp time.Time           `json:"timestamp,omitempty"`
}

// outgoing message. the channel stamps the local clientId on send.
type PresenceOutMessage struct {
	Type  PresenceMessageType `json:"type"`
	State json.RawMessage     `json:"state,omitempty"`
}

type presenceSendBody struct {
	Type     PresenceMessageType `json:"type"`
	ClientId Id                  `json:"clientId"`
	State    json.RawMessage     `json:"state,omitempty"`
}

type PresenceChannelSettings struct {
	// timeout for the fire-and-forget teardown send
	BeaconTimeout     time.Duration
	TransportSettings *EventTransportSettings
	// when set, the channel listens over a websocket instead of
	// server-sent events
	WebSocketSettings *WebSocketEventSourceSettings
}

func DefaultPresenceChannelSettings() *PresenceChannelSettings {
	return &PresenceChannelSettings{
		BeaconTimeout:     3 * time.Second,
		TransportSettings: DefaultEventTransportSettings("welcome", "message"),
	}
}

// PresenceChannel decodes the transport's `welcome` and `message` events
// into the presence protocol and sends outgoing messages as one request
// each. Delivery of sends is at-most-once and unordered relative to other
// sends; callers needing ordering must serialize their own Send calls.
type PresenceChannel struct {
	ctx context.Context

	client      Client
	clientId    Id
	channelName string

	transport *EventTransport
	settings  *PresenceChannelSettings

	beaconClient *http.Client
}

func NewPresenceChannelWithDefaults(ctx context.Context, client Client, clientId Id, channelName string) *PresenceChannel {
	return NewPresenceChannel(ctx, client, clientId, channelName, DefaultPresenceChannelSettings())
}

func NewPresenceChannel(ctx context.Context, client Client, clientId Id, channelName string, settings *PresenceChannelSettings) *PresenceChannel {
	config := client.Config()
	listenUrl := fmt.Sprintf(
		"%s/projects/%s/presence/listen/%s",
		config.ApiUrl,
		config.ProjectId,
		channelName,
	)
	header := http.Header{}
	if config.Token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", config.Token))
	}
	var factory EventSourceFactory
	if settings.WebSocketSettings != nil {
		wsUrl := WebSocketUrl(listenUrl)
		factory = func(factoryCtx context.Context) EventStream {
			return NewWebSocketEventSource(factoryCtx, wsUrl, header, settings.WebSocketSettings)
		}
	} else {
		factory = func(factoryCtx context.Context) EventStream {
			return NewEventSourceWithDefaults(factoryCtx, listenUrl, header)
		}
	}
	return NewPresenceChannelWithFactory(ctx, client, clientId, channelName, factory, settings)
}

// used directly by tests and by callers that listen over a websocket
func NewPresenceChannelWithFactory(ctx context.Context, client Client, clientId Id, channelName string, factory EventSourceFactory, settings *PresenceChannelSettings) *PresenceChannel {
	return &PresenceChannel{
		ctx:          ctx,
		client:       client,
		clientId:     clientId,
		channelName:  channelName,
		transport:    NewEventTransport(ctx, factory, settings.TransportSettings),
		settings:     settings,
		beaconClient: &http.Client{Timeout: settings.BeaconTimeout},
	}
}

func (self *PresenceChannel) ClientId() Id {
	return self.clientId
}

func (self *PresenceChannel) Subscribe(callback PresenceMessageFunction) func() {
	var mutex sync.Mutex
	failed := false
	var unsubscribe func()

	// a decode failure is a protocol contract violation and ends this
	// subscription, mirroring the transport's terminal error handling
	failWith := func(err error) {
		mutex.Lock()
		if failed {
			mutex.Unlock()
			return
		}
		failed = true
		remove := unsubscribe
		mutex.Unlock()
		callback(nil, err)
		if remove != nil {
			remove()
		}
	}

	transportUnsubscribe := self.transport.Subscribe(func(event *Event, err error) {
		mutex.Lock()
		if failed {
			mutex.Unlock()
			return
		}
		mutex.Unlock()

		if err != nil {
			mutex.Lock()
			failed = true
			mutex.Unlock()
			callback(nil, err)
			return
		}

		message, decodeErr := self.decode(event)
		if decodeErr != nil {
			failWith(decodeErr)
			return
		}
		if message != nil {
			callback(message, nil)
		}
	})

	mutex.Lock()
	unsubscribe = transportUnsubscribe
	mutex.Unlock()

	return transportUnsubscribe
}

func (self *PresenceChannel) decode(event *Event) (*PresenceMessage, error) {
	switch event.Type {
	case EventTypeOpen, EventTypeReconnect:
		// the presence protocol resynchronizes on welcome
		return nil, nil
	case "welcome":
		payload := &presenceWelcomePayload{}
		if err := json.Unmarshal(event.Data, payload); err != nil {
			return nil, &MessageParseError{Err: err}
		}
		return &PresenceMessage{
			Type:      PresenceWelcome,
			Channel:   payload.Channel,
			Project:   payload.Project,
			Identity:  payload.Identity,
			Timestamp: time.Now(),
		}, nil
	case "message":
		payload := &presenceMessagePayload{}
		if err := json.Unmarshal(event.Data, payload); err != nil {
			return nil, &MessageParseError{Err: err}
		}
		if payload.Message == nil {
			return nil, &MessageParseError{Err: fmt.Errorf("presence message without inner message")}
		}
		switch payload.Message.Type {
		case PresenceSync, PresenceDisconnect, PresenceRollCall:
		default:
			// the protocol has no forward-compatible unknown variant
			return nil, &MessageParseError{
				Err: fmt.Errorf("unknown presence message type %q", payload.Message.Type),
			}
		}
		timestamp := payload.Message.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now()
		}
		return &PresenceMessage{
			Type:      payload.Message.Type,
			Identity:  payload.Identity,
			ClientId:  payload.Message.ClientId,
			Timestamp: timestamp,
			State:     payload.Message.State,
		}, nil
	default:
		return nil, nil
	}
}

func (self *PresenceChannel) sendPath() string {
	return fmt.Sprintf(
		"/projects/%s/presence/send/%s",
		self.client.Config().ProjectId,
		self.channelName,
	)
}

// Send issues one request per message with the local clientId attached.
func (self *PresenceChannel) Send(ctx context.Context, messages ...*PresenceOutMessage) error {
	path := self.sendPath()
	for _, message := range messages {
		body := &presenceSendBody{
			Type:     message.Type,
			ClientId: self.clientId,
			State:    message.State,
		}
		if err := self.client.Request(ctx, "POST", path, nil, body, nil); err != nil {
			return err
		}
	}
	return nil
}

// SendBeacon is the non-blocking fire-and-forget delivery used on
// teardown. Success is not verified.
func (self *PresenceChannel) SendBeacon(messages ...*PresenceOutMessage) {
	config := self.client.Config()
	sendUrl := fmt.Sprintf("%s%s", config.ApiUrl, self.sendPath())
	token := config.Token
	clientId := self.clientId

	go func() {
		for _, message := range messages {
			body := &presenceSendBody{
				Type:     message.Type,
				ClientId: clientId,
				State:    message.State,
			}
			bodyBytes, err := json.Marshal(body)
			if err != nil {
				continue
			}
			req, err := http.NewRequest("POST", sendUrl, bytes.NewReader(bodyBytes))
			if err != nil {
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			if token != "" {
				req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
			}
			if r, err := self.beaconClient.Do(req); err == nil {
				r.Body.Close()
			} else {
				glog.V(2).Infof("[pc]beacon error = %s\n", err)
			}
		}
	}()
}
