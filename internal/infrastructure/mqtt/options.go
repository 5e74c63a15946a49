package mqtt

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/meshbridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for every connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// brokerURL builds a paho broker URL.
func brokerURL(host string, port int, secure bool) string {
	scheme := "tcp"
	if secure {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// buildClientOptions creates paho options for the gateway link.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect with exponential backoff
//   - TLS configuration (if enabled)
//   - Clean session mode
func buildClientOptions(cfg config.MQTTConfig) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.TLS))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)

	// The gateway link is the process's lifeline; keep retrying the first connect.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		tlsConfig := &tls.Config{MinVersion: tlsMinVersion}
		if cfg.Broker.CACert != "" {
			loaded, err := LoadTLSConfig(TLSFiles{CACerts: cfg.Broker.CACert})
			if err != nil {
				return nil, err
			}
			tlsConfig = loaded
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// buildSessionOptions creates paho options for one channel session.
//
// Sessions reconnect automatically once they have connected, but the first
// connect is attempted once; the bridge retries it on its next reconcile.
func buildSessionOptions(so SessionOptions) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(so.Host, so.Port, so.TLS != nil))
	opts.SetClientID(so.clientID())

	if so.Username != "" && so.Password != "" {
		opts.SetUsername(so.Username)
		opts.SetPassword(so.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(orDuration(so.ConnectTimeout, defaultConnectTimeout))
	opts.SetKeepAlive(orDuration(so.KeepAlive, defaultKeepAlive))

	if so.TLS != nil {
		tlsConfig, err := LoadTLSConfig(*so.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if w := so.Will; w != nil {
		opts.SetWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}

	return opts, nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// configureLWT sets the gateway link's Last Will and Testament.
//
// Topic: meshbridge/{client_id}/status
// QoS: 1
// Retained: true (new subscribers see last status)
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetWill(Topics{}.Status(clientID), buildStatusPayload(clientID, "offline", "unexpected_disconnect"), 1, true)
}

// buildStatusPayload creates the JSON payload for status messages.
func buildStatusPayload(clientID, status, reason string) string {
	host, _ := os.Hostname()
	if reason == "" {
		return fmt.Sprintf(
			`{"status":%q,"client_id":%q,"host":%q,"timestamp":%q}`,
			status, clientID, host, time.Now().UTC().Format(time.RFC3339),
		)
	}
	return fmt.Sprintf(
		`{"status":%q,"client_id":%q,"host":%q,"reason":%q,"timestamp":%q}`,
		status, clientID, host, reason, time.Now().UTC().Format(time.RFC3339),
	)
}
