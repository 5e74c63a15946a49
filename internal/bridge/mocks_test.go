package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

// brokerCall is one recorded call on a mockBrokerClient.
type brokerCall struct {
	op      string // connect, publish, subscribe, disconnect
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// mockBrokerClient implements BrokerClient and records every call in order.
type mockBrokerClient struct {
	mu       sync.Mutex
	profile  ChannelProfile
	handlers SessionHandlers
	calls    []brokerCall

	connectErr    error
	publishErr    error
	subscribeErr  error
	autoConnect   bool
	connected     bool
	disconnectHit chan struct{}
}

func (m *mockBrokerClient) Connect(_ context.Context) error {
	m.mu.Lock()
	m.calls = append(m.calls, brokerCall{op: "connect"})
	err := m.connectErr
	auto := m.autoConnect && err == nil
	if auto {
		m.connected = true
	}
	m.mu.Unlock()

	if auto {
		m.handlers.OnConnect()
	}
	return err
}

func (m *mockBrokerClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, brokerCall{op: "publish", topic: topic, payload: payload, qos: qos, retain: retained})
	return m.publishErr
}

func (m *mockBrokerClient) Subscribe(topic string, qos byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, brokerCall{op: "subscribe", topic: topic, qos: qos})
	return m.subscribeErr
}

func (m *mockBrokerClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockBrokerClient) Disconnect(_ uint) {
	m.mu.Lock()
	m.calls = append(m.calls, brokerCall{op: "disconnect"})
	m.connected = false
	ch := m.disconnectHit
	m.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (m *mockBrokerClient) getCalls() []brokerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]brokerCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockBrokerClient) callsOf(op string) []brokerCall {
	var out []brokerCall
	for _, c := range m.getCalls() {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockBrokerClient) resetCalls() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// mockFactory creates mockBrokerClients and keeps them per channel.
type mockFactory struct {
	mu      sync.Mutex
	clients map[int][]*mockBrokerClient
	failFor map[int]error

	// configure is applied to every new client.
	configure func(c *mockBrokerClient)
}

func newMockFactory() *mockFactory {
	return &mockFactory{
		clients: make(map[int][]*mockBrokerClient),
		failFor: make(map[int]error),
	}
}

func (f *mockFactory) create(profile ChannelProfile, handlers SessionHandlers) (BrokerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[profile.ChannelID]; err != nil {
		return nil, err
	}
	c := &mockBrokerClient{profile: profile, handlers: handlers, autoConnect: true}
	if f.configure != nil {
		f.configure(c)
	}
	f.clients[profile.ChannelID] = append(f.clients[profile.ChannelID], c)
	return c, nil
}

// last returns the most recent client for a channel, or nil.
func (f *mockFactory) last(channelID int) *mockBrokerClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.clients[channelID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *mockFactory) count(channelID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[channelID])
}

// sentText is one recorded SendText call.
type sentText struct {
	text    string
	dest    uint32
	channel int
}

// mockEndpoint implements mesh.Endpoint and mesh.LoRaReporter.
type mockEndpoint struct {
	mu   sync.Mutex
	sent []sentText
	err  error
}

func (e *mockEndpoint) SendText(ctx context.Context, text string, dest uint32, channel int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	e.sent = append(e.sent, sentText{text: text, dest: dest, channel: channel})
	return e.err
}

func (e *mockEndpoint) LoRaConfig() (mesh.LoRaConfig, bool) {
	return mesh.LoRaConfig{Region: "EU_868", ModemPreset: "LONG_FAST"}, true
}

func (e *mockEndpoint) getSent() []sentText {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]sentText, len(e.sent))
	copy(out, e.sent)
	return out
}

// mockRecorder implements EventRecorder.
type mockRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *mockRecorder) RecordEvent(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *mockRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

func (r *mockRecorder) ofAction(action string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// staticLoader returns a loader that always yields cfg.
func staticLoader(cfg *Config) func() (*Config, error) {
	return func() (*Config, error) { return cfg, nil }
}

// mustParse parses a bridge document or fails the test.
func mustParse(t *testing.T, doc string) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	return cfg
}

// newTestBridge creates a bridge backed by a mockFactory.
func newTestBridge(t *testing.T, doc string) (*Bridge, *mockFactory, *mockRecorder) {
	t.Helper()
	f := newMockFactory()
	rec := &mockRecorder{}
	b, err := New(Options{
		ClientFactory:   f.create,
		ConfigLoader:    staticLoader(mustParse(t, doc)),
		Events:          rec,
		FlushDelay:      time.Millisecond,
		ShutdownTimeout: time.Second,
		SendTimeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b, f, rec
}

func intPtr(i int) *int { return &i }
