package bridge

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

type nodeTag struct{}

func (t nodeTag) String() string { return "node-tag" }

type unmodelled struct {
	A int
}

func TestValueOf_Kinds(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Kind
	}{
		{"nil", nil, KindNull},
		{"bool", true, KindBool},
		{"int", 3, KindInt},
		{"uint32", uint32(3), KindUint},
		{"float", 1.5, KindFloat},
		{"json number", json.Number("12"), KindNumber},
		{"string", "hi", KindString},
		{"bytes", []byte{1}, KindBytes},
		{"list", []any{1, "a"}, KindList},
		{"typed list", []int{1, 2}, KindList},
		{"object", map[string]any{"a": 1}, KindObject},
		{"typed object", map[string]int{"a": 1}, KindObject},
		{"stringer", nodeTag{}, KindOpaque},
		{"error", errors.New("boom"), KindOpaque},
		{"struct", unmodelled{A: 1}, KindOpaque},
		{"nil pointer", (*int)(nil), KindNull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValueOf(tt.in).Kind())
		})
	}
}

func TestValue_Encode(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string is raw utf-8", "héllo", "héllo"},
		{"bytes are hex", map[string]any{"p": []byte{0xde, 0xad}}, `{"p":"dead"}`},
		{"keys sorted", map[string]any{"b": 1, "a": true}, `{"a":true,"b":1}`},
		{"nested", map[string]any{"x": []any{nil, "s", uint8(7)}}, `{"x":[null,"s",7]}`},
		{"opaque fallback", map[string]any{"t": nodeTag{}}, `{"t":"node-tag"}`},
		{"struct fallback", map[string]any{"u": unmodelled{A: 2}}, `{"u":"{2}"}`},
		{"duration is stringer", map[string]any{"d": time.Second}, `{"d":"1s"}`},
		{"empty list", []any{}, `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValueOf(tt.in).Encode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestValue_EncodeNonFinite(t *testing.T) {
	_, err := ValueOf(map[string]any{"snr": math.NaN()}).Encode()
	assert.ErrorIs(t, err, ErrSerialize)
}

func TestShapePayload(t *testing.T) {
	text := "hi"
	textPacket := mesh.Packet{
		ID:           7,
		To:           mesh.BroadcastAddr,
		ChannelIndex: intPtr(0),
		Decoded:      &mesh.Decoded{PortNum: mesh.PortTextMessage, Text: &text},
	}
	posPacket := mesh.Packet{
		ID:           8,
		ChannelIndex: intPtr(0),
		Decoded: &mesh.Decoded{
			PortNum: mesh.PortPosition,
			Payload: []byte{0x01, 0x02},
			Fields:  map[string]any{"latitude_i": 515000000},
		},
	}

	t.Run("text only with text", func(t *testing.T) {
		got, err := shapePayload(PayloadTextOnly, textPacket)
		require.NoError(t, err)
		assert.Equal(t, "hi", string(got))
	})

	t.Run("text only falls back to decoded", func(t *testing.T) {
		got, err := shapePayload(PayloadTextOnly, posPacket)
		require.NoError(t, err)
		want, err := shapePayload(PayloadDecodedOnly, posPacket)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
		assert.JSONEq(t, `{"portnum":"POSITION_APP","payload":"0102","latitude_i":515000000}`, string(got))
	})

	t.Run("text only with nil decoded", func(t *testing.T) {
		got, err := shapePayload(PayloadTextOnly, mesh.Packet{})
		require.NoError(t, err)
		assert.Equal(t, "{}", string(got))
	})

	t.Run("decoded only", func(t *testing.T) {
		got, err := shapePayload(PayloadDecodedOnly, textPacket)
		require.NoError(t, err)
		assert.JSONEq(t, `{"portnum":"TEXT_MESSAGE_APP","text":"hi"}`, string(got))
	})

	t.Run("full packet", func(t *testing.T) {
		got, err := shapePayload(PayloadFullPacket, textPacket)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"id": 7, "from": 0, "to": 4294967295, "channel_index": 0,
			"decoded": {"portnum": "TEXT_MESSAGE_APP", "text": "hi"}
		}`, string(got))
	})
}
