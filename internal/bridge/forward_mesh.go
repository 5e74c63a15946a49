package bridge

import (
	"errors"
	"fmt"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

// OnMeshPacket forwards a packet received from the mesh to the broker
// configured for its channel. It never blocks on the broker and never
// returns an error; every failure is logged and the packet is dropped.
//
// from is the endpoint the packet arrived on. It is captured if no endpoint
// is known yet, so the reverse path works even when the connection
// notification was missed.
func (b *Bridge) OnMeshPacket(packet mesh.Packet, from mesh.Endpoint) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if b.endpoint == nil && from != nil {
		b.endpoint = from
	}
	b.mu.Unlock()

	err := b.forwardMeshPacket(packet)
	switch {
	case err == nil:
	case errors.Is(err, ErrChannelUndetermined), errors.Is(err, ErrNoProfile):
		b.logDebug("mesh packet not forwarded",
			"packet_id", packet.ID,
			"from", packet.FromID,
			"reason", err.Error())
	case errors.Is(err, ErrSessionNotReady):
		b.logWarn("broker session not connected, dropping mesh packet",
			"packet_id", packet.ID,
			"error", err)
	default:
		b.logError("failed to forward mesh packet", err,
			"packet_id", packet.ID)
	}
}

// forwardMeshPacket is the body of OnMeshPacket. It returns the reason a
// packet was dropped.
func (b *Bridge) forwardMeshPacket(packet mesh.Packet) error {
	channel, err := resolveChannel(packet)
	if err != nil {
		return err
	}

	b.mu.RLock()
	profile, hasProfile := b.profiles[channel]
	sess := b.sessions[channel]
	b.mu.RUnlock()

	if !hasProfile {
		return fmt.Errorf("%w %d", ErrNoProfile, channel)
	}
	if sess == nil || !sess.connected() {
		return fmt.Errorf("%w: channel %d", ErrSessionNotReady, channel)
	}

	payload, err := shapePayload(profile.PayloadPolicy, packet)
	if err != nil {
		return fmt.Errorf("channel %d: %w", channel, err)
	}

	if err := sess.client.Publish(profile.Topic, payload, profile.QoS, profile.Retain); err != nil {
		return fmt.Errorf("%w: channel %d topic %s: %w", ErrPublish, channel, profile.Topic, err)
	}

	b.logDebug("forwarded mesh packet to broker",
		"channel", channel,
		"topic", profile.Topic,
		"policy", string(profile.PayloadPolicy),
		"bytes", len(payload))
	return nil
}

// resolveChannel picks the channel a packet belongs to. An explicit index
// wins; a broadcast with a recognised port type falls back to channel 0.
func resolveChannel(packet mesh.Packet) (int, error) {
	if packet.ChannelIndex != nil {
		return *packet.ChannelIndex, nil
	}
	// Channel 0 for untagged broadcasts is a compatibility heuristic, not
	// something the radio guarantees.
	if packet.IsBroadcast() && packet.Decoded != nil && packet.Decoded.PortNum.Recognized() {
		return 0, nil
	}
	return 0, ErrChannelUndetermined
}
