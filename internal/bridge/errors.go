package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrConfigRead is returned when the bridge document cannot be read.
	ErrConfigRead = errors.New("bridge: cannot read config")

	// ErrConfigSyntax is returned when the bridge document is not well-formed.
	ErrConfigSyntax = errors.New("bridge: malformed config")

	// ErrConfigRoot is returned when the bridge document is not a JSON object.
	ErrConfigRoot = errors.New("bridge: config root must be a JSON object")

	// ErrChannelUndetermined is returned when a packet's channel cannot be inferred.
	ErrChannelUndetermined = errors.New("bridge: packet channel undetermined")

	// ErrNoProfile is returned when no profile is configured for a channel.
	ErrNoProfile = errors.New("bridge: no profile for channel")

	// ErrSessionNotReady is returned when a channel's session is absent or not connected.
	ErrSessionNotReady = errors.New("bridge: session not connected")

	// ErrSerialize is returned when a payload cannot be serialised.
	ErrSerialize = errors.New("bridge: payload serialisation failed")

	// ErrPublish is returned when publishing to the broker fails.
	ErrPublish = errors.New("bridge: publish failed")

	// ErrEmptyMessage is returned when a broker message is empty after trimming.
	ErrEmptyMessage = errors.New("bridge: empty message")

	// ErrNoMeshEndpoint is returned when no mesh endpoint is known yet.
	ErrNoMeshEndpoint = errors.New("bridge: mesh endpoint not available")

	// ErrNoReverseRule is returned when a channel has no broker-to-mesh rule.
	ErrNoReverseRule = errors.New("bridge: no reverse rule for channel")

	// ErrSendFailed is returned when the mesh endpoint rejects a message.
	ErrSendFailed = errors.New("bridge: mesh send failed")

	// ErrSessionSetup is returned when a broker client cannot be created or connected.
	ErrSessionSetup = errors.New("bridge: session setup failed")

	// ErrStopped is returned by operations attempted after Shutdown.
	ErrStopped = errors.New("bridge: stopped")
)
