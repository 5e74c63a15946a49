// Package mqtt provides MQTT connectivity for the mesh bridge.
//
// Two kinds of connection live here:
//
//   - Client: the gateway link. It reaches the broker that carries the
//     radio's JSON uplink/downlink topics, reports the bridge's
//     online/offline status with a last will, and restores its
//     subscriptions after a reconnect.
//   - Session: one connection per channel profile, to whatever broker the
//     profile names. It reports connect, loss and reconnect to a
//     SessionHandlers value and never blocks on publish acknowledgement.
//
// # Architecture
//
//	mesh radio ↔ gateway broker ↔ Client ↔ bridge ↔ Session ↔ channel broker
//
// # Security Considerations
//
//   - A session with TLS and no CA bundle does not verify the broker
//   - Credentials are sent only when both username and password are set
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.Gateway.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sess, err := mqtt.NewSession(mqtt.SessionOptions{
//	    ChannelID: 1,
//	    Host:      "broker.example.com",
//	    Port:      1883,
//	}, handlers)
//	if err != nil {
//	    return err
//	}
//	if err := sess.Connect(ctx); err != nil {
//	    return err
//	}
//	sess.Publish("mesh/1", []byte("hello"), 0, false)
package mqtt
