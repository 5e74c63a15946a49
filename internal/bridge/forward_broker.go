package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

// MaxTextLength is the longest text, in characters, forwarded to the mesh.
const MaxTextLength = 200

// previewSuffix marks a truncated preview in the logs.
const previewSuffix = "..."

// Truncate returns the first limit characters of text and whether anything
// was cut. It never splits a multi-byte character.
func Truncate(text string, limit int) (string, bool) {
	if limit < 0 {
		limit = 0
	}
	if utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i], true
		}
		n++
	}
	return text, false
}

// onBrokerMessage forwards a broker message to the mesh using the channel's
// reverse rule. Failures are logged and the message is dropped.
func (b *Bridge) onBrokerMessage(channelID int, topic string, payload []byte) {
	err := b.forwardBrokerMessage(channelID, topic, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyMessage):
		b.logDebug("ignoring empty broker message",
			"channel", channelID,
			"topic", topic)
	case errors.Is(err, ErrNoMeshEndpoint):
		b.logWarn("mesh endpoint not available, dropping broker message",
			"channel", channelID,
			"topic", topic)
	default:
		b.logError("failed to forward broker message to mesh", err,
			"channel", channelID,
			"topic", topic)
	}
}

func (b *Bridge) forwardBrokerMessage(channelID int, topic string, payload []byte) error {
	text := strings.TrimSpace(strings.ToValidUTF8(string(payload), "\uFFFD"))
	if text == "" {
		return ErrEmptyMessage
	}

	b.mu.RLock()
	ep := b.endpoint
	profile, ok := b.profiles[channelID]
	b.mu.RUnlock()

	if ep == nil {
		return ErrNoMeshEndpoint
	}
	if !ok || profile.ReverseRule == nil {
		return fmt.Errorf("%w %d", ErrNoReverseRule, channelID)
	}
	rule := profile.ReverseRule

	out, cut := Truncate(text, MaxTextLength)
	if cut {
		preview, _ := Truncate(text, 50)
		b.logWarn("broker message too long, truncating",
			"channel", channelID,
			"length", utf8.RuneCountInString(text),
			"max", MaxTextLength,
			"preview", preview+previewSuffix)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
	defer cancel()

	if err := ep.SendText(ctx, out, rule.TargetNodeID, rule.TargetChannelIndex); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	b.logInfo("forwarded broker message to mesh",
		"channel", channelID,
		"topic", topic,
		"target_channel", rule.TargetChannelIndex,
		"destination", mesh.FormatNodeID(rule.TargetNodeID),
		"chars", utf8.RuneCountInString(out))
	return nil
}
