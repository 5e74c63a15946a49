package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the base for the bridge's own topics on the gateway broker.
const TopicPrefix = "meshbridge"

// Topics provides builders for the bridge's own MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Health("meshbridge")  // "meshbridge/meshbridge/health"
type Topics struct{}

// Status returns the online/offline status topic of a bridge instance.
// The gateway link's last will is published here.
//
// Example: meshbridge/meshbridge-01/status
func (Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, clientID)
}

// Health returns the heartbeat topic of a bridge instance.
//
// Example: meshbridge/meshbridge-01/health
func (Topics) Health(clientID string) string {
	return fmt.Sprintf("%s/%s/health", TopicPrefix, clientID)
}

// ValidateTopic checks a publish topic: non-empty, no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter: non-empty, and '#' only as
// the last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}
