//go:build integration

package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/meshbridge/internal/infrastructure/config"
)

// Integration tests against a real broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "meshbridge-integration-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestIntegration_ClientSubscriptionTracking(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "meshbridge-int-sub-track"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	topics := []string{
		"meshbridge/int/msh/2/json/#",
		"meshbridge/int/msh/2/json/mqtt/+",
	}
	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, func(string, []byte) error { return nil }); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}
	for _, topic := range topics {
		if !client.HasSubscription(topic) {
			t.Errorf("HasSubscription(%s) = false", topic)
		}
	}
}

func TestIntegration_ClientRoundtrip(t *testing.T) {
	cfg := integrationConfig()

	cfg.Broker.ClientID = "meshbridge-int-pub"
	pub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	cfg.Broker.ClientID = "meshbridge-int-sub"
	sub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	topic := "meshbridge/int/roundtrip"
	received := make(chan string, 1)
	var once sync.Once

	if err := sub.Subscribe(topic, 1, func(_ string, p []byte) error {
		once.Do(func() { received <- string(p) })
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(topic, []byte("hello mesh"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != "hello mesh" {
			t.Errorf("received %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for message")
	}
}

// sessionProbe resubscribes on every connect, the way the bridge does.
type sessionProbe struct {
	sess      *Session
	filter    string
	connects  atomic.Int32
	lost      atomic.Int32
	received  chan string
	connected chan struct{}
	once      sync.Once
}

func (p *sessionProbe) OnConnect() {
	p.connects.Add(1)
	if p.filter != "" {
		_ = p.sess.Subscribe(p.filter, 1)
	}
	p.once.Do(func() { close(p.connected) })
}
func (p *sessionProbe) OnConnectionLost(error) { p.lost.Add(1) }
func (p *sessionProbe) OnReconnecting()        {}
func (p *sessionProbe) OnMessage(_ string, payload []byte) {
	select {
	case p.received <- string(payload):
	default:
	}
}

func TestIntegration_SessionRoundtrip(t *testing.T) {
	probe := &sessionProbe{
		filter:    "meshbridge/int/session/in",
		received:  make(chan string, 1),
		connected: make(chan struct{}),
	}
	sess, err := NewSession(SessionOptions{
		ChannelID: 7,
		Host:      "127.0.0.1",
		Port:      1883,
		Will:      &Will{Topic: "meshbridge/int/session/will", Payload: "gone"},
	}, probe)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	probe.sess = sess

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Disconnect(250)

	select {
	case <-probe.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect not called")
	}

	time.Sleep(100 * time.Millisecond)
	if err := sess.Publish("meshbridge/int/session/in", []byte("from broker"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-probe.received:
		if msg != "from broker" {
			t.Errorf("received %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for message")
	}

	if probe.connects.Load() != 1 {
		t.Errorf("connects = %d, want 1", probe.connects.Load())
	}
}

func TestIntegration_SessionConnectCancelled(t *testing.T) {
	sess, err := NewSession(SessionOptions{ChannelID: 1, Host: "10.255.255.1", Port: 1883}, &recordingHandlers{})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := sess.Connect(ctx); err == nil {
		t.Fatal("Connect() to unroutable host should fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Connect() ignored context deadline")
	}
	sess.Disconnect(0)
}
