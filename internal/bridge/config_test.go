package bridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

// ===== Minimal and defaults =====

func TestParseConfig_MinimalEntry(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"0":{"host":"h","port":1883,"topic":"t/0"}}`))
	require.NoError(t, err)
	require.Len(t, cfg.Profiles, 1)

	p := cfg.Profiles[0]
	assert.Equal(t, 0, p.ChannelID)
	assert.Equal(t, "h", p.Broker.Host)
	assert.Equal(t, 1883, p.Broker.Port)
	assert.Equal(t, "t/0", p.Topic)
	assert.Equal(t, PayloadFullPacket, p.PayloadPolicy)
	assert.Equal(t, byte(0), p.QoS)
	assert.False(t, p.Retain)
	assert.Nil(t, p.TLS)
	assert.Nil(t, p.LastWill)
	assert.Nil(t, p.ReverseRule)
	assert.False(t, p.Broker.HasCredentials())
	assert.Empty(t, cfg.Warnings)
}

func TestParseConfig_FullEntry(t *testing.T) {
	doc := `{
		// primary channel
		"1": {
			"host": "broker.example.com",
			"port": 8883,
			"topic": "mesh/primary",
			"username": "bridge",
			"password": "secret",
			"qos": 1,
			"retain": true,
			"payload_type": "decoded_only",
			"tls": {"ca_certs": "/etc/ca.pem", "certfile": "/etc/c.pem", "keyfile": "/etc/k.pem"},
			"will": {"topic": "mesh/status", "payload": "down", "online_payload": "up", "qos": 1, "retain": true},
			"mqtt_to_meshtastic": {"subscribe_topic": "mesh/in", "target_channel_index": 2, "target_node_id": "!a1b2c3d4"},
		},
	}`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	require.Contains(t, cfg.Profiles, 1)

	p := cfg.Profiles[1]
	assert.Equal(t, "bridge", p.Broker.Username)
	assert.Equal(t, "secret", p.Broker.Password)
	assert.Equal(t, byte(1), p.QoS)
	assert.True(t, p.Retain)
	assert.Equal(t, PayloadDecodedOnly, p.PayloadPolicy)

	require.NotNil(t, p.TLS)
	assert.True(t, p.TLS.Enabled())
	assert.True(t, p.TLS.VerifyServer())
	assert.Equal(t, "/etc/k.pem", p.TLS.KeyFile)

	require.NotNil(t, p.LastWill)
	assert.Equal(t, LastWill{Topic: "mesh/status", Payload: "down", OnlinePayload: "up", QoS: 1, Retain: true}, *p.LastWill)

	require.NotNil(t, p.ReverseRule)
	assert.Equal(t, ReverseRule{SubscribeTopic: "mesh/in", TargetChannelIndex: 2, TargetNodeID: 0xa1b2c3d4}, *p.ReverseRule)
}

// ===== Entry rejection =====

func TestParseConfig_EntryProblemsNeverAbortLoad(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{"missing host", `"1": {"port": 1883, "topic": "t"}`},
		{"missing port", `"1": {"host": "h", "topic": "t"}`},
		{"missing topic", `"1": {"host": "h", "port": 1883}`},
		{"non-integer key", `"primary": {"host": "h", "port": 1883, "topic": "t"}`},
		{"negative key", `"-1": {"host": "h", "port": 1883, "topic": "t"}`},
		{"not an object", `"1": "h:1883"`},
		{"port out of range", `"1": {"host": "h", "port": 70000, "topic": "t"}`},
		{"port not a number", `"1": {"host": "h", "port": "1883", "topic": "t"}`},
		{"empty host", `"1": {"host": " ", "port": 1883, "topic": "t"}`},
		{"empty topic", `"1": {"host": "h", "port": 1883, "topic": ""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `{` + tt.entry + `, "0": {"host": "good", "port": 1883, "topic": "t/0"}}`
			cfg, err := ParseConfig([]byte(doc))
			require.NoError(t, err)

			assert.Equal(t, []int{0}, cfg.ChannelIDs())
			assert.NotEmpty(t, cfg.Warnings)
		})
	}
}

func TestParseConfig_CommentKeysSkipped(t *testing.T) {
	doc := `{"// note": "ignored", "//1": {"host": "h", "port": 1, "topic": "t"}, "2": {"host": "h", "port": 1883, "topic": "t/2"}}`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, cfg.ChannelIDs())
	assert.Empty(t, cfg.Warnings)
}

// ===== Field normalisation =====

func TestParseConfig_PayloadPolicy(t *testing.T) {
	tests := []struct {
		value    string
		want     PayloadPolicy
		warnings int
	}{
		{`"full_packet"`, PayloadFullPacket, 0},
		{`"decoded_only"`, PayloadDecodedOnly, 0},
		{`"text_payload_only"`, PayloadTextOnly, 0},
		{`"raw"`, PayloadFullPacket, 1},
		{`42`, PayloadFullPacket, 1},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := mustParse(t, `{"0": {"host": "h", "port": 1883, "topic": "t", "payload_type": `+tt.value+`}}`)
			assert.Equal(t, tt.want, cfg.Profiles[0].PayloadPolicy)
			assert.Len(t, cfg.Warnings, tt.warnings)
		})
	}
}

func TestParseConfig_OptionalSectionsDropped(t *testing.T) {
	doc := `{"0": {
		"host": "h", "port": 1883, "topic": "t",
		"tls": "yes",
		"will": {"payload": "gone"},
		"mqtt_to_meshtastic": {"target_channel_index": 1}
	}}`
	cfg := mustParse(t, doc)
	p := cfg.Profiles[0]

	assert.Nil(t, p.TLS)
	assert.Nil(t, p.LastWill)
	assert.Nil(t, p.ReverseRule)
	assert.Len(t, cfg.Warnings, 3)
}

func TestParseConfig_WillDefaults(t *testing.T) {
	cfg := mustParse(t, `{"0": {"host": "h", "port": 1883, "topic": "t", "will": {"topic": "s"}}}`)
	require.NotNil(t, cfg.Profiles[0].LastWill)
	assert.Equal(t, "offline", cfg.Profiles[0].LastWill.Payload)
	assert.Equal(t, "online", cfg.Profiles[0].LastWill.OnlinePayload)
}

func TestParseConfig_TLSWithoutCA(t *testing.T) {
	cfg := mustParse(t, `{"0": {"host": "h", "port": 8883, "topic": "t", "tls": {"certfile": "c.pem", "keyfile": "k.pem"}}}`)
	require.NotNil(t, cfg.Profiles[0].TLS)
	assert.True(t, cfg.Profiles[0].TLS.Enabled())
	assert.False(t, cfg.Profiles[0].TLS.VerifyServer())
}

func TestParseConfig_CredentialsRequireBoth(t *testing.T) {
	cfg := mustParse(t, `{"0": {"host": "h", "port": 1883, "topic": "t", "username": "u"}}`)
	assert.False(t, cfg.Profiles[0].Broker.HasCredentials())
	assert.Empty(t, cfg.Profiles[0].Broker.Username)
	assert.Len(t, cfg.Warnings, 1)
}

func TestParseConfig_InvalidQoS(t *testing.T) {
	cfg := mustParse(t, `{"0": {"host": "h", "port": 1883, "topic": "t", "qos": 3}}`)
	assert.Equal(t, byte(0), cfg.Profiles[0].QoS)
	assert.Len(t, cfg.Warnings, 1)
}

func TestParseConfig_ReverseRuleDefaults(t *testing.T) {
	for _, id := range []string{"0", "3", "7"} {
		t.Run(id, func(t *testing.T) {
			cfg := mustParse(t, `{"`+id+`": {"host": "h", "port": 1883, "topic": "t", "mqtt_to_meshtastic": {"subscribe_topic": "in"}}}`)
			require.Len(t, cfg.Profiles, 1)
			for chID, p := range cfg.Profiles {
				require.NotNil(t, p.ReverseRule)
				assert.Equal(t, chID, p.ReverseRule.TargetChannelIndex)
				assert.Equal(t, mesh.BroadcastAddr, p.ReverseRule.TargetNodeID)
			}
		})
	}
}

func TestParseConfig_TargetNodeID(t *testing.T) {
	tests := []struct {
		value string
		want  uint32
	}{
		{`null`, mesh.BroadcastAddr},
		{`""`, mesh.BroadcastAddr},
		{`0`, mesh.BroadcastAddr},
		{`"^all"`, mesh.BroadcastAddr},
		{`"!0000abcd"`, 0xabcd},
		{`305419896`, 0x12345678},
		{`"garbage"`, mesh.BroadcastAddr},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := mustParse(t, `{"0": {"host": "h", "port": 1883, "topic": "t", "mqtt_to_meshtastic": {"subscribe_topic": "in", "target_node_id": `+tt.value+`}}}`)
			require.NotNil(t, cfg.Profiles[0].ReverseRule)
			assert.Equal(t, tt.want, cfg.Profiles[0].ReverseRule.TargetNodeID)
		})
	}
}

func TestParseConfig_DuplicateChannel(t *testing.T) {
	cfg := mustParse(t, `{"1": {"host": "a", "port": 1883, "topic": "t"}, "01": {"host": "b", "port": 1883, "topic": "t"}}`)
	require.Len(t, cfg.Profiles, 1)
	assert.Len(t, cfg.Warnings, 1)
}

// ===== Root-level errors =====

func TestParseConfig_RootErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"array root", `[{"host": "h"}]`, ErrConfigRoot},
		{"string root", `"hello"`, ErrConfigRoot},
		{"malformed", `{"0": {"host": `, ErrConfigSyntax},
		{"empty", ``, ErrConfigSyntax},
		{"trailing garbage", `{"0": {"host": "h", "port": 1883, "topic": "t/0"}} this is not json`, ErrConfigSyntax},
		{"two documents", `{"0": {"host": "h", "port": 1883, "topic": "t/0"}} {}`, ErrConfigSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
			require.NotNil(t, cfg)
			assert.Empty(t, cfg.Profiles)
		})
	}
}

// ===== File loading =====

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"5": {"host": "h", "port": 1883, "topic": "t/5"}}`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, cfg.ChannelIDs())
}

func TestLoadConfigFile_Missing(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, ErrConfigRead)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.Profiles)
}

// ===== Redaction =====

func TestChannelProfile_RedactsPassword(t *testing.T) {
	cfg := mustParse(t, `{"0": {"host": "h", "port": 1883, "topic": "t", "username": "u", "password": "hunter2"}}`)
	p := cfg.Profiles[0]

	assert.NotContains(t, p.String(), "hunter2")
	assert.Contains(t, p.String(), "[REDACTED]")

	data, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "hunter2"))
}
