// Package bridge forwards messages between the mesh and per-channel MQTT
// brokers.
//
// # Architecture
//
// Each configured mesh channel gets its own broker session:
//
//	┌──────────┐   packets   ┌──────────┐  channel 0  ┌──────────┐
//	│   Mesh   │────────────►│  Bridge  │────────────►│ Broker A │
//	│ endpoint │◄────────────│ (this    │◄────────────│          │
//	└──────────┘  sendText   │  pkg)    │  channel 1  ├──────────┤
//	                         │          │────────────►│ Broker B │
//	                         └──────────┘             └──────────┘
//
// # Key Responsibilities
//
//   - Parse the channel bridge document into ChannelProfile values
//   - Open, track and replace one broker session per profile
//   - Shape mesh packets per payload policy and publish them
//   - Forward broker messages on a reverse rule's topic to the mesh
//   - Publish online/offline status on the will topic
//
// # Locking
//
// Profiles and sessions live in two maps guarded by one mutex. The mutex
// is never held across broker or mesh I/O.
//
// # Reconnection
//
// The bridge has no retry loop of its own. The broker client reconnects
// dropped sessions itself; Reconcile replaces sessions that are not
// connected when it next runs (on every mesh connection).
//
// # Failure policy
//
// Forwarding failures are logged and the message is dropped. Nothing is
// queued and nothing is returned to the mesh or broker callback.
package bridge
