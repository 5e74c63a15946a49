package mesh

import "errors"

// Domain-specific errors for mesh operations.
var (
	// ErrNotConnected is returned when the endpoint has no live link to the mesh.
	ErrNotConnected = errors.New("mesh: endpoint not connected")

	// ErrEmptyText is returned when asked to send an empty message.
	ErrEmptyText = errors.New("mesh: text cannot be empty")

	// ErrInvalidNodeID is returned when a node identifier cannot be parsed.
	ErrInvalidNodeID = errors.New("mesh: invalid node id")

	// ErrInvalidUplink is returned when a gateway uplink message cannot be decoded.
	ErrInvalidUplink = errors.New("mesh: invalid uplink message")

	// ErrRateLimited is returned when a send is dropped by the airtime limiter.
	ErrRateLimited = errors.New("mesh: send rate limit exceeded")

	// ErrCircuitOpen is returned while the send circuit breaker is open.
	ErrCircuitOpen = errors.New("mesh: send circuit open")
)
