package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// SessionHandlers receives a session's transport events. Every callback
// runs on a paho goroutine.
type SessionHandlers interface {
	OnConnect()
	OnConnectionLost(err error)
	OnReconnecting()
	OnMessage(topic string, payload []byte)
}

// Will is a last-will message registered with the broker at connect time.
type Will struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

// SessionOptions configures one channel's broker connection.
type SessionOptions struct {
	// ChannelID is used in the client ID and in logs.
	ChannelID int

	Host string
	Port int

	// Username and Password are applied only when both are set.
	Username string
	Password string

	// TLS enables ssl:// when non-nil.
	TLS *TLSFiles

	// Will is optional.
	Will *Will

	// KeepAlive defaults to 60s.
	KeepAlive time.Duration

	// ConnectTimeout defaults to 10s.
	ConnectTimeout time.Duration

	// ClientIDPrefix defaults to "meshbridge".
	ClientIDPrefix string

	// Logger is optional.
	Logger Logger
}

// clientID returns a unique client ID so two bridges on the same broker
// do not kick each other off.
func (so SessionOptions) clientID() string {
	prefix := so.ClientIDPrefix
	if prefix == "" {
		prefix = "meshbridge"
	}
	return fmt.Sprintf("%s-%d-%s", prefix, so.ChannelID, uuid.NewString()[:8])
}

// Session is one channel's broker connection.
//
// Unlike Client, a Session never blocks on broker acknowledgement when
// publishing, and it leaves subscription bookkeeping to its handlers:
// OnConnect runs on every (re)connect and is expected to subscribe again.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Session struct {
	client    pahomqtt.Client
	channelID int
	handlers  SessionHandlers

	logger Logger

	// inflight tracks publish watchers so Disconnect can wait for them.
	// No watcher is added once closed is set.
	inflight sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// NewSession builds a session without connecting it.
//
// Returns ErrTLSSetup if TLS material cannot be loaded.
func NewSession(so SessionOptions, handlers SessionHandlers) (*Session, error) {
	if handlers == nil {
		return nil, fmt.Errorf("%w: handlers are required", ErrConnectionFailed)
	}

	opts, err := buildSessionOptions(so)
	if err != nil {
		return nil, err
	}

	s := &Session{
		channelID: so.ChannelID,
		handlers:  handlers,
		logger:    so.Logger,
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		s.handlers.OnConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.handlers.OnConnectionLost(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		s.handlers.OnReconnecting()
	})

	s.client = pahomqtt.NewClient(opts)
	return s, nil
}

// Connect establishes the connection. paho's network loop runs from here
// until Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// Publish queues a message and returns without waiting for the broker.
// Errors known immediately are returned; later ones are logged.
func (s *Session) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !s.client.IsConnectionOpen() || !s.track() {
		return ErrNotConnected
	}

	token := s.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		s.inflight.Done()
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
		return nil
	default:
	}

	go func() {
		defer s.inflight.Done()
		if !token.WaitTimeout(defaultPublishTimeout) {
			s.logWarn("publish not acknowledged in time", "topic", topic, "timeout", defaultPublishTimeout)
			return
		}
		if err := token.Error(); err != nil {
			s.logWarn("publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

// track reserves an inflight slot, or reports false once Disconnect has begun.
func (s *Session) track() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Subscribe requests messages on a filter; they are delivered to OnMessage.
func (s *Session) Subscribe(topic string, qos byte) error {
	if err := ValidateFilter(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	token := s.client.Subscribe(topic, qos, s.wrapHandler())
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// IsConnected returns true while the connection is up.
func (s *Session) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

// Disconnect stops the network loop and closes the connection, waiting up
// to quiesce milliseconds for queued work.
func (s *Session) Disconnect(quiesce uint) {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	s.client.Disconnect(quiesce)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(quiesce) * time.Millisecond):
	}
}

// wrapHandler adapts OnMessage to paho with panic recovery.
func (s *Session) wrapHandler() pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if s.logger != nil {
					s.logger.Error("MQTT handler panic recovered",
						"channel", s.channelID,
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()
		s.handlers.OnMessage(msg.Topic(), msg.Payload())
	}
}

func (s *Session) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, append([]any{"channel", s.channelID}, args...)...)
	}
}
