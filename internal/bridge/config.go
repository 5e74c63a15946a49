package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

// DefaultConfigFile is the bridge document name looked up when none is configured.
const DefaultConfigFile = "mqtt_config.json"

// commentPrefix marks top-level keys that are comments, not channels.
const commentPrefix = "//"

// Will payload defaults.
const (
	defaultOfflinePayload = "offline"
	defaultOnlinePayload  = "online"
)

// PayloadPolicy selects what part of a mesh packet is published.
type PayloadPolicy string

// Payload policies, as spelled in the bridge document.
const (
	PayloadFullPacket  PayloadPolicy = "full_packet"
	PayloadDecodedOnly PayloadPolicy = "decoded_only"
	PayloadTextOnly    PayloadPolicy = "text_payload_only"
)

// Valid reports whether p is one of the recognised policies.
func (p PayloadPolicy) Valid() bool {
	switch p {
	case PayloadFullPacket, PayloadDecodedOnly, PayloadTextOnly:
		return true
	default:
		return false
	}
}

// BrokerEndpoint is the broker a channel publishes to.
type BrokerEndpoint struct {
	Host string
	Port int

	Username string

	// Password is the broker password.
	// WARNING: Never log this value. Use ChannelProfile.String() for safe logging.
	Password string
}

// HasCredentials reports whether both username and password were configured.
func (b BrokerEndpoint) HasCredentials() bool {
	return b.Username != "" && b.Password != ""
}

// Address returns host:port.
func (b BrokerEndpoint) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// TLSSettings holds paths to TLS material for a channel's broker.
type TLSSettings struct {
	CACerts  string `json:"ca_certs,omitempty"`
	CertFile string `json:"certfile,omitempty"`
	KeyFile  string `json:"keyfile,omitempty"`
}

// Enabled reports whether any TLS path is set.
func (t *TLSSettings) Enabled() bool {
	return t != nil && (t.CACerts != "" || t.CertFile != "" || t.KeyFile != "")
}

// VerifyServer reports whether the broker certificate must be verified.
// Verification is required exactly when a CA bundle is given.
func (t *TLSSettings) VerifyServer() bool {
	return t != nil && t.CACerts != ""
}

// LastWill is the status topic convention for a channel.
type LastWill struct {
	Topic         string `json:"topic"`
	Payload       string `json:"payload"`
	OnlinePayload string `json:"online_payload"`
	QoS           byte   `json:"qos"`
	Retain        bool   `json:"retain"`
}

// ReverseRule enables broker-to-mesh forwarding for a channel.
type ReverseRule struct {
	SubscribeTopic     string `json:"subscribe_topic"`
	TargetChannelIndex int    `json:"target_channel_index"`
	TargetNodeID       uint32 `json:"target_node_id"`
}

// ChannelProfile is the validated bridging configuration of one channel.
type ChannelProfile struct {
	ChannelID     int
	Broker        BrokerEndpoint
	Topic         string
	QoS           byte
	Retain        bool
	PayloadPolicy PayloadPolicy

	// Optional sections. nil means absent.
	TLS         *TLSSettings
	LastWill    *LastWill
	ReverseRule *ReverseRule
}

// String returns a representation with the password masked.
func (p ChannelProfile) String() string {
	password := ""
	if p.Broker.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("ChannelProfile{Channel:%d, Broker:%q, Username:%q, Password:%s, Topic:%q, QoS:%d, Retain:%t, Payload:%s, TLS:%t, Will:%t, Reverse:%t}",
		p.ChannelID, p.Broker.Address(), p.Broker.Username, password, p.Topic, p.QoS, p.Retain,
		p.PayloadPolicy, p.TLS.Enabled(), p.LastWill != nil, p.ReverseRule != nil)
}

// MarshalJSON implements json.Marshaler with the password redacted.
func (p ChannelProfile) MarshalJSON() ([]byte, error) {
	password := ""
	if p.Broker.Password != "" {
		password = "[REDACTED]"
	}
	return json.Marshal(struct {
		ChannelID     int           `json:"channel_id"`
		Host          string        `json:"host"`
		Port          int           `json:"port"`
		Username      string        `json:"username,omitempty"`
		Password      string        `json:"password,omitempty"`
		Topic         string        `json:"topic"`
		QoS           byte          `json:"qos"`
		Retain        bool          `json:"retain"`
		PayloadPolicy PayloadPolicy `json:"payload_type"`
		TLS           *TLSSettings  `json:"tls,omitempty"`
		LastWill      *LastWill     `json:"will,omitempty"`
		ReverseRule   *ReverseRule  `json:"mqtt_to_meshtastic,omitempty"`
	}{
		p.ChannelID, p.Broker.Host, p.Broker.Port, p.Broker.Username, password,
		p.Topic, p.QoS, p.Retain, p.PayloadPolicy, p.TLS, p.LastWill, p.ReverseRule,
	})
}

// ConfigWarning is an entry-level problem. The entry was skipped or a
// field was defaulted; the load itself went ahead.
type ConfigWarning struct {
	Key     string
	Message string
}

func (w ConfigWarning) String() string {
	return fmt.Sprintf("channel %q: %s", w.Key, w.Message)
}

// Config is one loaded bridge document. It is replaced wholesale on reload.
type Config struct {
	Profiles map[int]ChannelProfile
	Warnings []ConfigWarning
}

// ChannelIDs returns the configured channel identifiers in ascending order.
func (c *Config) ChannelIDs() []int {
	ids := make([]int, 0, len(c.Profiles))
	for id := range c.Profiles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LoadConfigFile reads and parses a bridge document.
//
// A relative path that does not exist is retried as the same file name in
// the working directory.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}

	resolved := resolveConfigPath(path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return emptyConfig(), fmt.Errorf("%w: %w", ErrConfigRead, err)
	}

	return ParseConfig(data)
}

// resolveConfigPath applies the working-directory fallback.
func resolveConfigPath(path string) string {
	if _, err := os.Stat(path); err == nil || filepath.IsAbs(path) {
		return path
	}
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	fallback := filepath.Join(wd, filepath.Base(path))
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return path
}

func emptyConfig() *Config {
	return &Config{Profiles: make(map[int]ChannelProfile)}
}

// ParseConfig parses a bridge document.
//
// Comments (// and /* */) and trailing commas are tolerated. Top-level keys
// starting with "//" are skipped. Entry problems produce warnings; only a
// malformed document or a non-object root returns an error, and then the
// result is empty.
func ParseConfig(raw []byte) (*Config, error) {
	cfg := emptyConfig()

	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrConfigSyntax, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: unexpected data after the document", ErrConfigSyntax)
	}
	entries, ok := root.(map[string]any)
	if !ok {
		return cfg, ErrConfigRoot
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if strings.HasPrefix(key, commentPrefix) {
			continue
		}
		p := &entryParser{key: key}
		profile, ok := p.parse(entries[key])
		cfg.Warnings = append(cfg.Warnings, p.warnings...)
		if !ok {
			continue
		}
		if _, dup := cfg.Profiles[profile.ChannelID]; dup {
			cfg.Warnings = append(cfg.Warnings, ConfigWarning{key, "duplicate channel id, entry skipped"})
			continue
		}
		cfg.Profiles[profile.ChannelID] = profile
	}

	return cfg, nil
}

// entryParser validates a single channel entry and collects its warnings.
type entryParser struct {
	key      string
	warnings []ConfigWarning
}

func (p *entryParser) warn(format string, args ...any) {
	p.warnings = append(p.warnings, ConfigWarning{Key: p.key, Message: fmt.Sprintf(format, args...)})
}

func (p *entryParser) parse(value any) (ChannelProfile, bool) {
	settings, ok := value.(map[string]any)
	if !ok {
		p.warn("entry must be an object, skipped")
		return ChannelProfile{}, false
	}

	for _, required := range []string{"host", "port", "topic"} {
		if _, ok := settings[required]; !ok {
			p.warn("missing host, port, or topic, skipped")
			return ChannelProfile{}, false
		}
	}

	channelID, err := strconv.Atoi(strings.TrimSpace(p.key))
	if err != nil || channelID < 0 {
		p.warn("channel id must be a non-negative integer, skipped")
		return ChannelProfile{}, false
	}

	profile := ChannelProfile{ChannelID: channelID}

	host, ok := settings["host"].(string)
	if !ok || strings.TrimSpace(host) == "" {
		p.warn("host must be a non-empty string, skipped")
		return ChannelProfile{}, false
	}
	profile.Broker.Host = strings.TrimSpace(host)

	port, ok := asInt(settings["port"])
	if !ok || port < 1 || port > 65535 {
		p.warn("port must be an integer between 1 and 65535, skipped")
		return ChannelProfile{}, false
	}
	profile.Broker.Port = port

	topic, ok := settings["topic"].(string)
	if !ok || topic == "" {
		p.warn("topic must be a non-empty string, skipped")
		return ChannelProfile{}, false
	}
	profile.Topic = topic

	profile.QoS = p.qos(settings, "qos", "qos")
	profile.Retain = p.flag(settings, "retain", "retain")
	profile.Broker.Username, profile.Broker.Password = p.credentials(settings)
	profile.PayloadPolicy = p.payloadPolicy(settings)
	profile.TLS = p.tls(settings)
	profile.LastWill = p.will(settings)
	profile.ReverseRule = p.reverseRule(settings, channelID)

	return profile, true
}

func (p *entryParser) qos(m map[string]any, field, label string) byte {
	v, present := m[field]
	if !present {
		return 0
	}
	n, ok := asInt(v)
	if !ok || n < 0 || n > 2 {
		p.warn("%s must be 0, 1, or 2, using 0", label)
		return 0
	}
	return byte(n)
}

func (p *entryParser) flag(m map[string]any, field, label string) bool {
	v, present := m[field]
	if !present {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		p.warn("%s must be a boolean, using false", label)
	}
	return b
}

func (p *entryParser) credentials(settings map[string]any) (string, string) {
	username, hasUser := settings["username"].(string)
	password, hasPass := settings["password"].(string)
	if hasUser && hasPass {
		return username, password
	}
	if hasUser || hasPass {
		p.warn("username and password must both be set, credentials ignored")
	}
	return "", ""
}

func (p *entryParser) payloadPolicy(settings map[string]any) PayloadPolicy {
	v, present := settings["payload_type"]
	if !present {
		return PayloadFullPacket
	}
	s, _ := v.(string)
	policy := PayloadPolicy(s)
	if !policy.Valid() {
		p.warn("invalid payload_type %v, using %s", v, PayloadFullPacket)
		return PayloadFullPacket
	}
	return policy
}

func (p *entryParser) tls(settings map[string]any) *TLSSettings {
	v, present := settings["tls"]
	if !present {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		p.warn("tls must be an object, TLS disabled")
		return nil
	}
	t := &TLSSettings{}
	t.CACerts = p.path(m, "tls.ca_certs", "ca_certs")
	t.CertFile = p.path(m, "tls.certfile", "certfile")
	t.KeyFile = p.path(m, "tls.keyfile", "keyfile")
	return t
}

func (p *entryParser) path(m map[string]any, label, field string) string {
	v, present := m[field]
	if !present || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		p.warn("%s must be a string, ignored", label)
	}
	return s
}

func (p *entryParser) will(settings map[string]any) *LastWill {
	v, present := settings["will"]
	if !present {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		p.warn("will must be an object, will disabled")
		return nil
	}
	topic, ok := m["topic"].(string)
	if !ok || topic == "" {
		p.warn("will has no topic, will disabled")
		return nil
	}

	w := &LastWill{
		Topic:         topic,
		Payload:       defaultOfflinePayload,
		OnlinePayload: defaultOnlinePayload,
		QoS:           p.qos(m, "qos", "will.qos"),
		Retain:        p.flag(m, "retain", "will.retain"),
	}
	if s, ok := m["payload"].(string); ok {
		w.Payload = s
	}
	if s, ok := m["online_payload"].(string); ok {
		w.OnlinePayload = s
	}
	return w
}

func (p *entryParser) reverseRule(settings map[string]any, channelID int) *ReverseRule {
	v, present := settings["mqtt_to_meshtastic"]
	if !present {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		p.warn("mqtt_to_meshtastic must be an object, reverse forwarding disabled")
		return nil
	}
	topic, ok := m["subscribe_topic"].(string)
	if !ok || topic == "" {
		p.warn("mqtt_to_meshtastic has no subscribe_topic, reverse forwarding disabled")
		return nil
	}

	rule := &ReverseRule{
		SubscribeTopic:     topic,
		TargetChannelIndex: channelID,
		TargetNodeID:       mesh.BroadcastAddr,
	}

	if raw, present := m["target_channel_index"]; present {
		idx, ok := asInt(raw)
		if ok && idx >= 0 {
			rule.TargetChannelIndex = idx
		} else {
			p.warn("target_channel_index must be a non-negative integer, using %d", channelID)
		}
	}

	if raw, present := m["target_node_id"]; present {
		rule.TargetNodeID = p.nodeID(raw)
	}

	return rule
}

// nodeID resolves target_node_id. Empty, null and zero mean broadcast.
func (p *entryParser) nodeID(raw any) uint32 {
	switch v := raw.(type) {
	case nil:
		return mesh.BroadcastAddr
	case string:
		if strings.TrimSpace(v) == "" {
			return mesh.BroadcastAddr
		}
		id, err := mesh.ParseNodeID(v)
		if err != nil {
			p.warn("target_node_id %q is invalid, using broadcast", v)
			return mesh.BroadcastAddr
		}
		return id
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 32)
		if err != nil {
			p.warn("target_node_id %s is out of range, using broadcast", v)
			return mesh.BroadcastAddr
		}
		if n == 0 {
			return mesh.BroadcastAddr
		}
		return uint32(n)
	default:
		p.warn("target_node_id must be a string or number, using broadcast")
		return mesh.BroadcastAddr
	}
}

// asInt converts a decoded JSON number to int. Fractional values are rejected.
func asInt(v any) (int, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return int(i), true
}
