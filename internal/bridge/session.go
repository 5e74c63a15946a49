package bridge

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the connection state of one broker session.
type SessionState int32

// Session states. Disconnected → Connecting → Connected → Disconnected → ...
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// BrokerClient is one channel's broker connection.
// The client runs its own network loop once Connect succeeds and until
// Disconnect is called.
type BrokerClient interface {
	// Connect establishes the connection and starts the network loop.
	Connect(ctx context.Context) error

	// Publish queues a message. It must not block on broker acknowledgement.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe requests messages on topic; they are delivered to OnMessage.
	Subscribe(topic string, qos byte) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect stops the network loop and closes the connection.
	Disconnect(quiesce uint)
}

// SessionHandlers receives one session's transport events.
type SessionHandlers interface {
	OnConnect()
	OnConnectionLost(err error)
	OnReconnecting()
	OnMessage(topic string, payload []byte)
}

// ClientFactory creates the broker client for a profile. The handlers are
// bound to that channel and must be registered on the client.
type ClientFactory func(profile ChannelProfile, handlers SessionHandlers) (BrokerClient, error)

// session binds a profile to a live broker client.
// Owned by the Bridge; never handed out.
type session struct {
	channelID int
	profile   ChannelProfile
	client    BrokerClient
	createdAt time.Time

	state atomic.Int32

	// closeOnce guards the teardown path so shutdown and reconcile do not
	// both disconnect the client.
	closeOnce sync.Once
}

func newSession(profile ChannelProfile) *session {
	s := &session{
		channelID: profile.ChannelID,
		profile:   profile,
		createdAt: time.Now(),
	}
	s.setState(StateConnecting)
	return s
}

func (s *session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *session) setState(state SessionState) {
	s.state.Store(int32(state))
}

func (s *session) connected() bool {
	return s.State() == StateConnected
}

// sessionHandlers is the per-session handler object registered on a client.
// It carries the channel and profile it was created for, so events from a
// replaced client only ever touch their own session.
type sessionHandlers struct {
	bridge  *Bridge
	session *session
}

func (h *sessionHandlers) OnConnect() {
	b, s := h.bridge, h.session
	p := s.profile

	s.setState(StateConnected)
	b.logInfo("broker session connected",
		"channel", s.channelID,
		"broker", p.Broker.Address())
	b.record(EventSessionConnected, &s.channelID, map[string]any{"broker": p.Broker.Address()})

	if w := p.LastWill; w != nil {
		if err := s.client.Publish(w.Topic, []byte(w.OnlinePayload), w.QoS, w.Retain); err != nil {
			b.logWarn("could not publish online status",
				"channel", s.channelID,
				"topic", w.Topic,
				"error", err)
		} else {
			b.logInfo("published online status",
				"channel", s.channelID,
				"topic", w.Topic,
				"payload", w.OnlinePayload)
		}
	}

	if r := p.ReverseRule; r != nil {
		if err := s.client.Subscribe(r.SubscribeTopic, p.QoS); err != nil {
			b.logError("failed to subscribe for broker-to-mesh forwarding", err,
				"channel", s.channelID,
				"topic", r.SubscribeTopic)
			return
		}
		b.logInfo("subscribed for broker-to-mesh forwarding",
			"channel", s.channelID,
			"topic", r.SubscribeTopic,
			"qos", p.QoS)
	}
}

func (h *sessionHandlers) OnConnectionLost(err error) {
	b, s := h.bridge, h.session
	s.setState(StateDisconnected)
	b.logWarn("broker session lost unexpectedly, transport will reconnect",
		"channel", s.channelID,
		"broker", s.profile.Broker.Address(),
		"error", err)
	b.record(EventSessionLost, &s.channelID, map[string]any{"error": errString(err)})
}

func (h *sessionHandlers) OnReconnecting() {
	s := h.session
	s.setState(StateConnecting)
	h.bridge.logDebug("broker session reconnecting", "channel", s.channelID)
}

func (h *sessionHandlers) OnMessage(topic string, payload []byte) {
	h.bridge.onBrokerMessage(h.session.channelID, topic, payload)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
