package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// HealthStatus is the overall state reported by the heartbeat.
type HealthStatus string

const (
	// HealthHealthy means the mesh is connected, every channel has a live
	// session and every dependency check passes.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded means the mesh, a channel, the downlink or a
	// dependency is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthStopping is published once when the reporter stops.
	HealthStopping HealthStatus = "stopping"
)

const (
	// defaultHealthInterval is used when no interval is configured.
	defaultHealthInterval = 30 * time.Second

	// healthCheckTimeout bounds each dependency check.
	healthCheckTimeout = 2 * time.Second

	// downlinkOpen is the breaker state in which mesh sends are refused.
	downlinkOpen = "open"
)

// HealthMessage is the heartbeat document.
type HealthMessage struct {
	Status        HealthStatus      `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Version       string            `json:"version,omitempty"`
	MeshConnected bool              `json:"mesh_connected"`
	Downlink      string            `json:"downlink,omitempty"`
	Channels      []ChannelStatus   `json:"channels"`
	Components    map[string]string `json:"components,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Timestamp     time.Time         `json:"timestamp"`
}

// HealthCheck is a named dependency probe, such as the gateway link or
// the event log database. A nil error means healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// DownlinkState reports the mesh downlink circuit state.
type DownlinkState interface {
	State() string
}

// HealthPublisher publishes heartbeat messages.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Topic is where heartbeats are published, retained.
	Topic string

	// Version is the bridge software version.
	Version string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	// Publisher is the link heartbeats go out on.
	Publisher HealthPublisher

	// Checks are run on every heartbeat. Optional.
	Checks []HealthCheck

	// Downlink reports the mesh send breaker. Optional.
	Downlink DownlinkState
}

// HealthReporter periodically publishes the bridge status.
type HealthReporter struct {
	bridge    *Bridge
	topic     string
	version   string
	interval  time.Duration
	publisher HealthPublisher
	checks    []HealthCheck
	downlink  DownlinkState

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a reporter for b. Call Start to begin reporting.
func NewHealthReporter(b *Bridge, cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthReporter{
		bridge:    b,
		topic:     cfg.Topic,
		version:   cfg.Version,
		interval:  interval,
		publisher: cfg.Publisher,
		checks:    cfg.Checks,
		downlink:  cfg.Downlink,
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		msg := h.snapshot()
		msg.Status, msg.Reason = HealthStopping, "bridge stopping"
		//nolint:errcheck // Best-effort during shutdown
		h.publish(msg)
	})
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.snapshot())
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.bridge.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.bridge.logError("failed to publish health", err)
			}
		}
	}
}

// snapshot builds one heartbeat from a single bridge status read, so the
// overall status always agrees with the channel list it is sent with.
func (h *HealthReporter) snapshot() HealthMessage {
	st := h.bridge.Status()
	msg := HealthMessage{
		Version:       h.version,
		MeshConnected: st.MeshConnected,
		Channels:      st.Channels,
		UptimeSeconds: int64(st.Uptime.Seconds()),
		Timestamp:     time.Now().UTC(),
	}
	if h.downlink != nil {
		msg.Downlink = h.downlink.State()
	}

	var failed string
	if len(h.checks) > 0 {
		msg.Components = make(map[string]string, len(h.checks))
		for _, c := range h.checks {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			err := c.Check(ctx)
			cancel()
			if err != nil {
				msg.Components[c.Name] = err.Error()
				if failed == "" {
					failed = c.Name
				}
				continue
			}
			msg.Components[c.Name] = "ok"
		}
	}

	switch {
	case st.Stopped:
		msg.Status, msg.Reason = HealthStopping, "bridge stopped"
	case !st.MeshConnected:
		msg.Status, msg.Reason = HealthDegraded, "mesh disconnected"
	case st.Connected() < len(st.Channels):
		msg.Status, msg.Reason = HealthDegraded, "broker session down"
	case msg.Downlink == downlinkOpen:
		msg.Status, msg.Reason = HealthDegraded, "mesh downlink circuit open"
	case failed != "":
		msg.Status, msg.Reason = HealthDegraded, failed+" unhealthy"
	default:
		msg.Status = HealthHealthy
	}
	return msg
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, 1, true)
}
