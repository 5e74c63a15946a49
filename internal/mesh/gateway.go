package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Gateway topic layout constants.
const (
	// jsonSegment is the path element between the root topic and the channel name.
	jsonSegment = "2/json"

	// downlinkChannel is the pseudo channel the node reads sendtext envelopes from.
	downlinkChannel = "mqtt"

	// downlinkType is the envelope type that makes the node transmit text.
	downlinkType = "sendtext"
)

// uplinkTypes maps the node's JSON envelope "type" to a port number.
var uplinkTypes = map[string]PortNum{
	"text":         PortTextMessage,
	"position":     PortPosition,
	"nodeinfo":     PortNodeInfo,
	"telemetry":    PortTelemetry,
	"neighborinfo": PortNeighborInfo,
	"traceroute":   PortTraceroute,
	"waypoint":     PortWaypoint,
	"mapreport":    PortMapReport,
	"rangetest":    PortRangeTest,
	"routing":      PortRouting,
}

// Link is the broker connection the gateway node publishes on.
type Link interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// GatewayConfig describes how to reach the gateway node.
type GatewayConfig struct {
	// RootTopic is the node's MQTT root, e.g. "msh/EU_868".
	RootTopic string

	// NodeNum is the gateway node's own number, sent as "from" on downlink.
	NodeNum uint32

	// QoS is used for both the uplink subscription and downlink publishes.
	QoS byte

	// LoRa is the radio configuration, if known. Reported, never acted on.
	LoRa *LoRaConfig
}

// Gateway is an Endpoint backed by a Meshtastic node's MQTT JSON interface.
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	cfg  GatewayConfig
	link Link

	onPacket  PacketHandler
	handlerMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// uplinkEnvelope is the JSON document the node publishes for each packet.
type uplinkEnvelope struct {
	ID        uint32          `json:"id"`
	Channel   *int            `json:"channel"`
	From      uint32          `json:"from"`
	To        uint32          `json:"to"`
	Sender    string          `json:"sender"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	RSSI      int             `json:"rssi"`
	SNR       float64         `json:"snr"`
	HopStart  int             `json:"hop_start"`
	HopsAway  int             `json:"hops_away"`
	Payload   json.RawMessage `json:"payload"`
}

// downlinkEnvelope is the JSON document that asks the node to transmit text.
type downlinkEnvelope struct {
	From    uint32 `json:"from"`
	To      uint32 `json:"to"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// NewGateway creates a gateway endpoint. Call Start to subscribe to uplink.
func NewGateway(cfg GatewayConfig, link Link) (*Gateway, error) {
	if link == nil {
		return nil, fmt.Errorf("link is required")
	}
	cfg.RootTopic = strings.TrimSuffix(strings.TrimSpace(cfg.RootTopic), "/")
	if cfg.RootTopic == "" {
		return nil, fmt.Errorf("root topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("qos must be 0, 1, or 2")
	}
	return &Gateway{cfg: cfg, link: link}, nil
}

// UplinkTopic is the wildcard subscription covering every channel and gateway.
func (g *Gateway) UplinkTopic() string {
	return fmt.Sprintf("%s/%s/+/+", g.cfg.RootTopic, jsonSegment)
}

// DownlinkTopic is where sendtext envelopes are published.
func (g *Gateway) DownlinkTopic() string {
	return fmt.Sprintf("%s/%s/%s/", g.cfg.RootTopic, jsonSegment, downlinkChannel)
}

// Start subscribes to the node's uplink. It must be called again after the
// link reconnects with a clean session.
func (g *Gateway) Start() error {
	topic := g.UplinkTopic()
	if err := g.link.Subscribe(topic, g.cfg.QoS, g.handleUplink); err != nil {
		return fmt.Errorf("subscribe to uplink: %w", err)
	}
	g.logInfo("gateway uplink subscribed", "topic", topic)
	return nil
}

// SetOnPacket sets the handler for packets heard on the mesh.
func (g *Gateway) SetOnPacket(handler PacketHandler) {
	g.handlerMu.Lock()
	g.onPacket = handler
	g.handlerMu.Unlock()
}

// SetLogger sets the logger for this gateway.
func (g *Gateway) SetLogger(logger Logger) {
	g.loggerMu.Lock()
	g.logger = logger
	g.loggerMu.Unlock()
}

// IsConnected reports whether the broker link to the node is up.
func (g *Gateway) IsConnected() bool {
	return g.link.IsConnected()
}

// LoRaConfig returns the configured radio settings, if any.
func (g *Gateway) LoRaConfig() (LoRaConfig, bool) {
	if g.cfg.LoRa == nil {
		return LoRaConfig{}, false
	}
	return *g.cfg.LoRa, true
}

// SendText publishes a sendtext envelope for the gateway node to transmit.
func (g *Gateway) SendText(ctx context.Context, text string, dest uint32, channel int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if text == "" {
		return ErrEmptyText
	}
	if !g.link.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(downlinkEnvelope{
		From:    g.cfg.NodeNum,
		To:      dest,
		Channel: channel,
		Type:    downlinkType,
		Payload: text,
	})
	if err != nil {
		return fmt.Errorf("marshal downlink: %w", err)
	}

	if err := g.link.Publish(g.DownlinkTopic(), payload, g.cfg.QoS, false); err != nil {
		return fmt.Errorf("publish downlink: %w", err)
	}
	return nil
}

// handleUplink decodes one uplink message and dispatches it.
func (g *Gateway) handleUplink(topic string, payload []byte) {
	if g.isDownlinkTopic(topic) {
		return
	}

	packet, err := DecodeUplink(payload)
	if err != nil {
		g.logDebug("ignoring uplink message", "topic", topic, "error", err)
		return
	}

	g.handlerMu.RLock()
	handler := g.onPacket
	g.handlerMu.RUnlock()

	if handler != nil {
		handler(packet)
	}
}

// isDownlinkTopic reports whether topic is our own downlink channel.
func (g *Gateway) isDownlinkTopic(topic string) bool {
	rest := strings.TrimPrefix(topic, g.cfg.RootTopic+"/"+jsonSegment+"/")
	return rest == topic || strings.HasPrefix(rest, downlinkChannel+"/")
}

// DecodeUplink converts a node JSON envelope into a Packet.
func DecodeUplink(data []byte) (Packet, error) {
	var env uplinkEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Packet{}, fmt.Errorf("%w: %w", ErrInvalidUplink, err)
	}
	if env.Type == downlinkType {
		return Packet{}, fmt.Errorf("%w: downlink echo", ErrInvalidUplink)
	}

	port, ok := uplinkTypes[env.Type]
	if !ok {
		port = PortUnknown
	}

	decoded := &Decoded{PortNum: port}
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		fields, err := decodePayloadFields(env.Payload)
		if err != nil {
			return Packet{}, err
		}
		if text, ok := fields["text"].(string); ok && port == PortTextMessage {
			decoded.Text = &text
			delete(fields, "text")
		}
		if len(fields) > 0 {
			decoded.Fields = fields
		}
	}

	p := Packet{
		ID:           env.ID,
		From:         env.From,
		To:           env.To,
		FromID:       FormatNodeID(env.From),
		ToID:         FormatNodeID(env.To),
		ChannelIndex: env.Channel,
		RxTime:       env.Timestamp,
		RxSNR:        env.SNR,
		RxRSSI:       env.RSSI,
		HopLimit:     env.HopStart - env.HopsAway,
		Decoded:      decoded,
	}
	if env.Sender != "" {
		p.Extra = map[string]any{"gatewayId": env.Sender}
	}
	return p, nil
}

// decodePayloadFields decodes the envelope payload into a field map.
// Non-object payloads (older firmware sends bare strings for text) are
// stored under "text".
func decodePayloadFields(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrInvalidUplink, err)
	}

	switch t := v.(type) {
	case map[string]any:
		return t, nil
	default:
		return map[string]any{"text": t}, nil
	}
}

func (g *Gateway) logInfo(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (g *Gateway) logDebug(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
