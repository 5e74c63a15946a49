package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/meshbridge/internal/bridge"
	"github.com/nerrad567/meshbridge/internal/infrastructure/config"
	"github.com/nerrad567/meshbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshbridge/internal/mesh"
)

// =============================================================================
// Flags and Config Path
// =============================================================================

func TestParseFlags(t *testing.T) {
	var out bytes.Buffer

	f, err := parseFlags([]string{"--config", "a.yaml", "--bridge-config", "b.json"}, &out)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if f.configPath != "a.yaml" || f.bridgeConfig != "b.json" || f.showVersion {
		t.Errorf("parseFlags() = %+v", f)
	}

	f, err = parseFlags([]string{"-c", "short.yaml"}, &out)
	if err != nil || f.configPath != "short.yaml" {
		t.Errorf("parseFlags(-c) = %+v, %v", f, err)
	}

	if _, err := parseFlags([]string{"--nope"}, &out); err == nil {
		t.Error("parseFlags() should reject unknown flags")
	}
	if _, err := parseFlags([]string{"extra"}, &out); err == nil {
		t.Error("parseFlags() should reject positional arguments")
	}

	f, err = parseFlags([]string{"--help"}, &out)
	if err != nil || f != nil {
		t.Errorf("parseFlags(--help) = %+v, %v; want nil, nil", f, err)
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out); err != nil {
		t.Fatalf("run(--version) error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "meshbridge "+version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("MESHBRIDGE_CONFIG", "")
	if got := getConfigPath(""); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("MESHBRIDGE_CONFIG", "/etc/meshbridge/config.yaml")
	if got := getConfigPath(""); got != "/etc/meshbridge/config.yaml" {
		t.Errorf("getConfigPath() env = %q", got)
	}
	if got := getConfigPath("flag.yaml"); got != "flag.yaml" {
		t.Errorf("getConfigPath() flag = %q", got)
	}
}

func TestLoadConfigDefaultFallback(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("MESHBRIDGE_GATEWAY_NODE_ID", "!a1b2c3d4")

	cfg, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Gateway.NodeID != "!a1b2c3d4" {
		t.Errorf("NodeID = %q", cfg.Gateway.NodeID)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, []string{"--config", "/nonexistent/path/config.yaml"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRunMissingNodeID(t *testing.T) {
	t.Setenv("MESHBRIDGE_GATEWAY_NODE_ID", "")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
gateway:
  mqtt:
    broker:
      host: "127.0.0.1"
      port: 1883
      client_id: "meshbridge-test"
  root_topic: "msh/EU_868"
logging:
  level: error
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	err := run(context.Background(), []string{"--config", configPath}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "gateway.node_id") {
		t.Errorf("run() error = %v, want node_id validation error", err)
	}
}

func TestLoRaConfig(t *testing.T) {
	if loraConfig(config.GatewayConfig{}) != nil {
		t.Error("loraConfig() should be nil when nothing is set")
	}
	got := loraConfig(config.GatewayConfig{Region: "EU_868", ModemPreset: "LONG_FAST"})
	if got == nil || got.Region != "EU_868" || got.ModemPreset != "LONG_FAST" {
		t.Errorf("loraConfig() = %+v", got)
	}
}

// =============================================================================
// Session Factory
// =============================================================================

func TestSessionOptions(t *testing.T) {
	p := bridge.ChannelProfile{
		ChannelID: 2,
		Broker:    bridge.BrokerEndpoint{Host: "broker.example.com", Port: 8883, Username: "u", Password: "p"},
		TLS:       &bridge.TLSSettings{CACerts: "/etc/ssl/ca.pem"},
		LastWill:  &bridge.LastWill{Topic: "mesh/2/status", Payload: "offline", OnlinePayload: "online", QoS: 1, Retain: true},
	}

	so := sessionOptions(p, nil)
	if so.ChannelID != 2 || so.Host != "broker.example.com" || so.Port != 8883 {
		t.Errorf("endpoint = %d %s:%d", so.ChannelID, so.Host, so.Port)
	}
	if so.Username != "u" || so.Password != "p" {
		t.Errorf("credentials = %q/%q", so.Username, so.Password)
	}
	if so.TLS == nil || so.TLS.CACerts != "/etc/ssl/ca.pem" {
		t.Errorf("TLS = %+v", so.TLS)
	}
	if so.Will == nil || so.Will.Payload != "offline" || so.Will.QoS != 1 || !so.Will.Retain {
		t.Errorf("Will = %+v", so.Will)
	}

	plain := sessionOptions(bridge.ChannelProfile{ChannelID: 0, Broker: bridge.BrokerEndpoint{Host: "h", Port: 1883}}, nil)
	if plain.TLS != nil || plain.Will != nil {
		t.Error("absent sections should map to nil")
	}

	emptyTLS := sessionOptions(bridge.ChannelProfile{
		ChannelID: 3,
		Broker:    bridge.BrokerEndpoint{Host: "h", Port: 1883},
		TLS:       &bridge.TLSSettings{},
	}, nil)
	if emptyTLS.TLS != nil {
		t.Errorf("TLS = %+v, want nil for a tls section without paths", emptyTLS.TLS)
	}
}

type nopHandlers struct{}

func (nopHandlers) OnConnect()               {}
func (nopHandlers) OnConnectionLost(error)   {}
func (nopHandlers) OnReconnecting()          {}
func (nopHandlers) OnMessage(string, []byte) {}

func TestSessionFactory(t *testing.T) {
	factory := newSessionFactory(nil)

	client, err := factory(bridge.ChannelProfile{ChannelID: 1, Broker: bridge.BrokerEndpoint{Host: "127.0.0.1", Port: 1883}}, nopHandlers{})
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("new session should not be connected")
	}

	client, err = factory(bridge.ChannelProfile{
		ChannelID: 1,
		Broker:    bridge.BrokerEndpoint{Host: "127.0.0.1", Port: 8883},
		TLS:       &bridge.TLSSettings{CACerts: filepath.Join(t.TempDir(), "missing.pem")},
	}, nopHandlers{})
	if !errors.Is(err, mqtt.ErrTLSSetup) {
		t.Errorf("factory() error = %v, want ErrTLSSetup", err)
	}
	if client != nil {
		t.Error("factory() should return a nil interface on error")
	}
}

// =============================================================================
// Gateway Link
// =============================================================================

func TestLinkAdapterBeforeConnect(t *testing.T) {
	a := &linkAdapter{}
	if a.IsConnected() {
		t.Error("IsConnected() = true without a client")
	}
	if err := a.Publish("msh/EU_868/2/json/mqtt/", []byte("{}"), 0, false); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Publish() error = %v", err)
	}
	if err := a.Subscribe("msh/#", 0, func(string, []byte) {}); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Subscribe() error = %v", err)
	}
}

type fakeStarter struct {
	mu     sync.Mutex
	starts int
	err    error
}

func (f *fakeStarter) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.err
}

type connChange struct {
	connected bool
	endpoint  mesh.Endpoint
}

type fakeListener struct {
	mu      sync.Mutex
	changes []connChange
	seen    chan struct{}
}

func (f *fakeListener) OnMeshConnectionChange(_ context.Context, connected bool, endpoint mesh.Endpoint) {
	f.mu.Lock()
	f.changes = append(f.changes, connChange{connected, endpoint})
	f.mu.Unlock()
	f.seen <- struct{}{}
}

type fakeEndpoint struct{}

func (fakeEndpoint) SendText(context.Context, string, uint32, int) error { return nil }

type quietLog struct{}

func (quietLog) Warn(string, ...any)  {}
func (quietLog) Error(string, ...any) {}

func TestWatchLinkAppliesTransitionsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan linkEvent, linkEventBuffer)
	starter := &fakeStarter{err: errors.New("subscribe refused")}
	listener := &fakeListener{seen: make(chan struct{}, 8)}
	ep := fakeEndpoint{}

	done := make(chan struct{})
	go func() {
		watchLink(ctx, events, starter, ep, listener, quietLog{})
		close(done)
	}()

	queueLinkEvent(ctx, events, linkEvent{up: true})
	queueLinkEvent(ctx, events, linkEvent{err: errors.New("eof")})
	queueLinkEvent(ctx, events, linkEvent{up: true})

	for i := 0; i < 3; i++ {
		select {
		case <-listener.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d transitions applied", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchLink did not stop on cancel")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	want := []bool{true, false, true}
	for i, c := range listener.changes {
		if c.connected != want[i] {
			t.Errorf("change %d connected = %v, want %v", i, c.connected, want[i])
		}
		if c.connected && c.endpoint != ep {
			t.Errorf("change %d endpoint = %v", i, c.endpoint)
		}
		if !c.connected && c.endpoint != nil {
			t.Errorf("change %d endpoint should be nil on disconnect", i)
		}
	}
	if starter.starts != 2 {
		t.Errorf("gateway started %d times, want 2 (a failed subscribe still reports the link)", starter.starts)
	}
}

func TestQueueLinkEventStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan linkEvent) // unbuffered and never read
	finished := make(chan struct{})
	go func() {
		queueLinkEvent(ctx, events, linkEvent{up: true})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("queueLinkEvent blocked after cancel")
	}
}
