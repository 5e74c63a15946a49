// Package mesh models the radio mesh side of the bridge.
//
// The bridge never speaks the radio protocol itself. It sees the mesh as:
//   - Packet values delivered by whatever endpoint is attached
//   - an Endpoint that can send a text message to a node on a channel
//   - connection-state notifications from that endpoint
//
// # Gateway endpoint
//
// Gateway reaches the mesh through a Meshtastic node that has its MQTT
// module enabled with JSON output. Packets the node hears are published as
// JSON on <root>/2/json/<channel>/<gateway-id>; text is injected by
// publishing a "sendtext" envelope to <root>/2/json/mqtt/.
//
//	node ⇄ gateway broker ⇄ Gateway ⇄ bridge ⇄ channel brokers
//
// # Guard
//
// Guard wraps any Endpoint with an airtime rate limit and a circuit breaker
// so a slow or dead radio link fails fast instead of stalling broker
// callbacks.
package mesh
