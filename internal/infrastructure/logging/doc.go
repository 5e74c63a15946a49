// Package logging builds the process logger for meshbridge.
//
// Logger is a thin layer over log/slog. Every entry carries service and
// version attributes; Component adds a component attribute so gateway link,
// session, bridge and audit output can be told apart:
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("bridge").Info("bridge config loaded", "channels", 3)
//
// Format is json (default) or text, output is stdout (default) or stderr,
// and level is one of debug, info, warn, error.
//
// Broker passwords must never reach a log line. Channel profiles redact
// theirs in String and MarshalJSON.
package logging
