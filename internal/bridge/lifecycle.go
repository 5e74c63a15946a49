package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

// OnMeshConnectionChange reacts to the mesh endpoint coming up or going down.
//
// On connect the endpoint is captured, the bridge document is reloaded and
// sessions are reconciled. A document that fails to load leaves the bridge
// with no profiles and does not touch existing sessions.
//
// On disconnect nothing is torn down; broker sessions keep running and
// messages towards the mesh are dropped until the endpoint returns.
func (b *Bridge) OnMeshConnectionChange(ctx context.Context, connected bool, endpoint mesh.Endpoint) {
	if !connected {
		b.mu.Lock()
		b.meshConnected = false
		b.mu.Unlock()
		b.logWarn("mesh connection lost, broker sessions keep running")
		return
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if endpoint != nil {
		b.endpoint = endpoint
	}
	b.meshConnected = true
	b.mu.Unlock()

	b.logInfo("mesh connected")
	if r, ok := endpoint.(mesh.LoRaReporter); ok {
		if lora, ok := r.LoRaConfig(); ok {
			b.logInfo("mesh radio configuration",
				"region", lora.Region,
				"modem_preset", lora.ModemPreset)
		}
	}

	if err := b.Reload(ctx); err != nil {
		return
	}
	b.Reconcile(ctx)
}

// Reload replaces the profiles with a fresh read of the bridge document.
// On failure the profile set is emptied and the error is returned.
func (b *Bridge) Reload(_ context.Context) error {
	cfg, err := b.loadConfig()
	if cfg == nil {
		cfg = emptyConfig()
	}
	for _, w := range cfg.Warnings {
		b.logWarn("bridge config entry problem", "key", w.Key, "problem", w.Message)
	}

	profiles := cfg.Profiles
	if err != nil || profiles == nil {
		profiles = make(map[int]ChannelProfile)
	}

	b.mu.Lock()
	b.profiles = profiles
	b.mu.Unlock()

	if err != nil {
		b.logError("failed to load bridge config", err)
		b.record(EventConfigFailed, nil, map[string]any{"error": err.Error()})
		return err
	}

	b.logInfo("bridge config loaded",
		"channels", len(profiles),
		"warnings", len(cfg.Warnings))
	b.record(EventConfigLoaded, nil, map[string]any{
		"channels": cfg.ChannelIDs(),
		"warnings": len(cfg.Warnings),
	})
	return nil
}

// Shutdown closes every broker session. Sessions with a last-will publish
// their offline payload first. Each session is torn down on its own so one
// hanging client cannot hold up the rest; the whole call is bounded by the
// shutdown timeout.
//
// Shutdown is idempotent. After it returns, the bridge ignores mesh packets
// and Reconcile does nothing.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[int]*session)
	b.mu.Unlock()

	b.logInfo("shutting down bridge", "sessions", len(sessions))

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			b.teardown(s)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(b.shutdownTimeout):
		b.logWarn("timed out waiting for broker sessions to close",
			"timeout", b.shutdownTimeout)
	}

	b.record(EventShutdown, nil, map[string]any{"sessions": len(sessions)})
	b.logInfo("bridge stopped")
}

// teardown publishes the offline status if possible, then disconnects.
func (b *Bridge) teardown(s *session) {
	defer func() {
		if r := recover(); r != nil {
			b.logWarn("panic during session teardown",
				"channel", s.channelID,
				"panic", r)
		}
	}()

	if w := s.profile.LastWill; w != nil && s.connected() && s.client != nil {
		if err := s.client.Publish(w.Topic, []byte(w.Payload), w.QoS, w.Retain); err != nil {
			b.logWarn("could not publish offline status",
				"channel", s.channelID,
				"topic", w.Topic,
				"error", err)
		} else {
			b.logDebug("published offline status",
				"channel", s.channelID,
				"topic", w.Topic)
		}
		time.Sleep(b.flushDelay)
	}

	b.closeSession(s, disconnectQuiesce, closeShutdown)
	b.logDebug("broker session closed", "channel", s.channelID)
}
