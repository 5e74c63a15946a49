package mesh

import (
	"fmt"
	"strconv"
	"strings"
)

// BroadcastAddr is the destination node number meaning "every node".
const BroadcastAddr uint32 = 0xFFFFFFFF

// broadcastID is the textual form used for broadcast destinations.
const broadcastID = "^all"

// PortNum identifies the application a decoded payload belongs to.
type PortNum string

// Application port numbers seen on the mesh.
const (
	PortUnknown      PortNum = "UNKNOWN_APP"
	PortTextMessage  PortNum = "TEXT_MESSAGE_APP"
	PortPosition     PortNum = "POSITION_APP"
	PortNodeInfo     PortNum = "NODEINFO_APP"
	PortRouting      PortNum = "ROUTING_APP"
	PortTelemetry    PortNum = "TELEMETRY_APP"
	PortNeighborInfo PortNum = "NEIGHBORINFO_APP"
	PortTraceroute   PortNum = "TRACEROUTE_APP"
	PortWaypoint     PortNum = "WAYPOINT_APP"
	PortMapReport    PortNum = "MAP_REPORT_APP"
	PortRangeTest    PortNum = "RANGE_TEST_APP"
)

// Recognized reports whether the port carries a known application payload.
// Empty, UNKNOWN_APP and the numeric zero form are not recognized.
func (p PortNum) Recognized() bool {
	switch p {
	case "", PortUnknown, "0":
		return false
	default:
		return true
	}
}

// Decoded is the application-level content of a packet.
type Decoded struct {
	PortNum PortNum

	// Text is set for text messages. nil means the field is absent.
	Text *string

	// Payload is the raw application payload, if the endpoint exposes it.
	Payload []byte

	// Fields holds any further decoded fields (position, telemetry, ...).
	Fields map[string]any
}

// IsText reports whether the decoded content is a text message with a text field.
func (d *Decoded) IsText() bool {
	return d != nil && d.PortNum == PortTextMessage && d.Text != nil
}

// Map returns the decoded content as a generic document.
// Byte slices are kept as-is; the caller chooses their encoding.
func (d *Decoded) Map() map[string]any {
	if d == nil {
		return map[string]any{}
	}
	m := make(map[string]any, len(d.Fields)+3)
	for k, v := range d.Fields {
		m[k] = v
	}
	if d.PortNum != "" {
		m["portnum"] = string(d.PortNum)
	}
	if d.Text != nil {
		m["text"] = *d.Text
	}
	if d.Payload != nil {
		m["payload"] = d.Payload
	}
	return m
}

// Packet is a mesh packet as delivered by an endpoint.
type Packet struct {
	ID   uint32
	From uint32
	To   uint32

	FromID string
	ToID   string

	// ChannelIndex is the channel the packet was heard on. nil when the
	// endpoint could not tell.
	ChannelIndex *int

	RxTime   int64
	RxSNR    float64
	RxRSSI   int
	HopLimit int

	Decoded *Decoded

	// Extra carries endpoint-specific top-level fields.
	Extra map[string]any
}

// IsBroadcast reports whether the packet is addressed to every node.
func (p *Packet) IsBroadcast() bool {
	return p.To == BroadcastAddr
}

// Map returns the whole packet as a generic document.
func (p *Packet) Map() map[string]any {
	m := make(map[string]any, len(p.Extra)+12)
	for k, v := range p.Extra {
		m[k] = v
	}
	m["id"] = p.ID
	m["from"] = p.From
	m["to"] = p.To
	if p.FromID != "" {
		m["fromId"] = p.FromID
	}
	if p.ToID != "" {
		m["toId"] = p.ToID
	}
	if p.ChannelIndex != nil {
		m["channel_index"] = *p.ChannelIndex
	}
	if p.RxTime != 0 {
		m["rxTime"] = p.RxTime
	}
	if p.RxSNR != 0 {
		m["rxSnr"] = p.RxSNR
	}
	if p.RxRSSI != 0 {
		m["rxRssi"] = p.RxRSSI
	}
	if p.HopLimit != 0 {
		m["hopLimit"] = p.HopLimit
	}
	if p.Decoded != nil {
		m["decoded"] = p.Decoded.Map()
	}
	return m
}

// NewTextPacket builds a text message packet heard on a channel.
func NewTextPacket(channel int, from, to uint32, text string) Packet {
	ch := channel
	return Packet{
		From:         from,
		To:           to,
		FromID:       FormatNodeID(from),
		ToID:         FormatNodeID(to),
		ChannelIndex: &ch,
		Decoded: &Decoded{
			PortNum: PortTextMessage,
			Text:    &text,
		},
	}
}

// FormatNodeID renders a node number in the "!deadbeef" form.
// The broadcast address renders as "^all".
func FormatNodeID(num uint32) string {
	if num == BroadcastAddr {
		return broadcastID
	}
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID parses "!deadbeef", "^all", "0x..." or decimal node numbers.
func ParseNodeID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, fmt.Errorf("%w: empty", ErrInvalidNodeID)
	case s == broadcastID:
		return BroadcastAddr, nil
	case strings.HasPrefix(s, "!"):
		n, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
		}
		return uint32(n), nil
	default:
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
		}
		return uint32(n), nil
	}
}
