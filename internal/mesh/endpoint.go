package mesh

import "context"

// Endpoint is the mesh capability the bridge sends through.
type Endpoint interface {
	// SendText queues a text message for dest on the given channel index.
	SendText(ctx context.Context, text string, dest uint32, channel int) error
}

// PacketHandler receives packets heard on the mesh.
type PacketHandler func(packet Packet)

// ConnectionHandler receives mesh link transitions.
type ConnectionHandler func(connected bool, endpoint Endpoint)

// LoRaConfig is the radio configuration of the attached node.
type LoRaConfig struct {
	Region      string `json:"region"`
	ModemPreset string `json:"modem_preset"`
}

// LoRaReporter is implemented by endpoints that know their radio settings.
type LoRaReporter interface {
	LoRaConfig() (LoRaConfig, bool)
}

// Logger is the logging interface used by this package.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
