package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

// Bridge operation constants.
const (
	// defaultConnectTimeout bounds one session's initial connect.
	defaultConnectTimeout = 10 * time.Second

	// defaultSendTimeout bounds one mesh send.
	defaultSendTimeout = 10 * time.Second

	// defaultFlushDelay lets the final offline publish leave before disconnect.
	defaultFlushDelay = 100 * time.Millisecond

	// defaultShutdownTimeout caps how long Shutdown waits for all sessions.
	defaultShutdownTimeout = 5 * time.Second

	// disconnectQuiesce is the paho quiesce period in milliseconds.
	disconnectQuiesce = 250

	// eventTimeout bounds one event recorder call.
	eventTimeout = 2 * time.Second
)

// Logger is the logging interface used by the bridge.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Bridge owns the channel configuration and the broker session registry.
// It is the single context object every callback is bound to.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	factory    ClientFactory
	loadConfig func() (*Config, error)
	events     EventRecorder

	connectTimeout  time.Duration
	sendTimeout     time.Duration
	flushDelay      time.Duration
	shutdownTimeout time.Duration

	// mu guards every field below it. It is never held across I/O.
	mu            sync.RWMutex
	profiles      map[int]ChannelProfile
	sessions      map[int]*session
	endpoint      mesh.Endpoint
	meshConnected bool
	stopped       bool

	// reconcileMu serialises Reconcile runs.
	reconcileMu sync.Mutex

	startTime time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// Options holds configuration for creating a bridge.
type Options struct {
	// ClientFactory creates broker clients. Required.
	ClientFactory ClientFactory

	// ConfigFile is the bridge document path. Ignored if ConfigLoader is set.
	ConfigFile string

	// ConfigLoader overrides how the bridge document is loaded.
	ConfigLoader func() (*Config, error)

	// Events is an optional lifecycle event sink.
	Events EventRecorder

	// Logger is optional structured logger.
	Logger Logger

	// ConnectTimeout bounds each session's initial connect. Default 10s.
	ConnectTimeout time.Duration

	// SendTimeout bounds each mesh send. Default 10s.
	SendTimeout time.Duration

	// FlushDelay is the pause after the final offline publish. Default 100ms.
	FlushDelay time.Duration

	// ShutdownTimeout caps the wait for all sessions to close. Default 5s.
	ShutdownTimeout time.Duration
}

// New creates a bridge. Sessions are opened when the mesh connects.
func New(opts Options) (*Bridge, error) {
	if opts.ClientFactory == nil {
		return nil, fmt.Errorf("client factory is required")
	}

	loader := opts.ConfigLoader
	if loader == nil {
		path := opts.ConfigFile
		loader = func() (*Config, error) { return LoadConfigFile(path) }
	}

	b := &Bridge{
		factory:         opts.ClientFactory,
		loadConfig:      loader,
		events:          opts.Events,
		connectTimeout:  orDefault(opts.ConnectTimeout, defaultConnectTimeout),
		sendTimeout:     orDefault(opts.SendTimeout, defaultSendTimeout),
		flushDelay:      orDefault(opts.FlushDelay, defaultFlushDelay),
		shutdownTimeout: orDefault(opts.ShutdownTimeout, defaultShutdownTimeout),
		profiles:        make(map[int]ChannelProfile),
		sessions:        make(map[int]*session),
		startTime:       time.Now(),
		logger:          opts.Logger,
	}
	return b, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// SetLogger sets the logger for this bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

// Profiles returns a copy of the current channel profiles.
func (b *Bridge) Profiles() map[int]ChannelProfile {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[int]ChannelProfile, len(b.profiles))
	for id, p := range b.profiles {
		out[id] = p
	}
	return out
}

// SessionState returns the state of a channel's session and whether one exists.
func (b *Bridge) SessionState(channelID int) (SessionState, bool) {
	b.mu.RLock()
	s, ok := b.sessions[channelID]
	b.mu.RUnlock()

	if !ok {
		return StateDisconnected, false
	}
	return s.State(), true
}

// ChannelStatus is the status of one configured channel.
type ChannelStatus struct {
	ChannelID int    `json:"channel_id"`
	Broker    string `json:"broker"`
	Topic     string `json:"topic"`
	State     string `json:"state"`
	Reverse   bool   `json:"reverse"`
}

// Status is a point-in-time view of the bridge.
type Status struct {
	MeshConnected bool            `json:"mesh_connected"`
	Stopped       bool            `json:"stopped"`
	Channels      []ChannelStatus `json:"channels"`
	Uptime        time.Duration   `json:"-"`
}

// Connected returns the number of channels with a connected session.
func (s Status) Connected() int {
	n := 0
	for _, c := range s.Channels {
		if c.State == StateConnected.String() {
			n++
		}
	}
	return n
}

// Status returns a snapshot of the bridge.
func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Status{
		MeshConnected: b.meshConnected,
		Stopped:       b.stopped,
		Channels:      make([]ChannelStatus, 0, len(b.profiles)),
		Uptime:        time.Since(b.startTime),
	}
	for id, p := range b.profiles {
		state := StateDisconnected
		if s, ok := b.sessions[id]; ok {
			state = s.State()
		}
		st.Channels = append(st.Channels, ChannelStatus{
			ChannelID: id,
			Broker:    p.Broker.Address(),
			Topic:     p.Topic,
			State:     state.String(),
			Reverse:   p.ReverseRule != nil,
		})
	}
	sort.Slice(st.Channels, func(i, j int) bool {
		return st.Channels[i].ChannelID < st.Channels[j].ChannelID
	})
	return st
}

// record forwards a lifecycle event to the recorder, if any.
func (b *Bridge) record(action string, channelID *int, detail map[string]any) {
	if b.events == nil {
		return
	}
	var ch *int
	if channelID != nil {
		id := *channelID
		ch = &id
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	b.events.RecordEvent(ctx, Event{Action: action, ChannelID: ch, Detail: detail})
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, append(keysAndValues, "error", err)...)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}
