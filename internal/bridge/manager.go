package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Reconcile brings the session registry in line with the loaded profiles.
//
// Connected sessions are left alone. Sessions that are not connected are
// discarded and replaced. Sessions whose profile no longer exists are closed.
// A failure on one channel never stops the others.
//
// There is no retry loop here: once a session has connected, the broker
// client reconnects by itself. A session that never connected is retried
// the next time Reconcile runs.
func (b *Bridge) Reconcile(ctx context.Context) {
	b.reconcileMu.Lock()
	defer b.reconcileMu.Unlock()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}

	type staleSession struct {
		s      *session
		reason string
	}
	var stale []staleSession
	for id, s := range b.sessions {
		if _, ok := b.profiles[id]; !ok {
			stale = append(stale, staleSession{s, closeProfileRemoved})
			delete(b.sessions, id)
		}
	}

	var pending []ChannelProfile
	for id, p := range b.profiles {
		if s, ok := b.sessions[id]; ok {
			if s.connected() {
				continue
			}
			stale = append(stale, staleSession{s, closeReplaced})
			delete(b.sessions, id)
		}
		pending = append(pending, p)
	}
	b.mu.Unlock()

	for _, st := range stale {
		b.logInfo("discarding broker session",
			"channel", st.s.channelID,
			"state", st.s.State().String(),
			"reason", st.reason)
		b.closeSession(st.s, 0, st.reason)
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ChannelID < pending[j].ChannelID
	})

	var wg sync.WaitGroup
	for _, p := range pending {
		wg.Add(1)
		go func(p ChannelProfile) {
			defer wg.Done()
			if err := b.openSession(ctx, p); err != nil {
				b.logError("failed to start broker session", err,
					"channel", p.ChannelID,
					"broker", p.Broker.Address())
				b.record(EventSessionFailed, &p.ChannelID, map[string]any{
					"broker": p.Broker.Address(),
					"error":  err.Error(),
				})
			}
		}(p)
	}
	wg.Wait()
}

// openSession creates, registers and connects one channel's session.
// The session is registered before the connect call so that the connect
// callback, which may fire first, finds it.
func (b *Bridge) openSession(ctx context.Context, p ChannelProfile) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrSessionSetup, r)
		}
	}()

	s := newSession(p)
	client, err := b.factory(p, &sessionHandlers{bridge: b, session: s})
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrSessionSetup, err)
	}
	if client == nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: factory returned no client", ErrSessionSetup)
	}
	s.client = client

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		s.setState(StateDisconnected)
		return ErrStopped
	}
	b.sessions[p.ChannelID] = s
	b.mu.Unlock()

	b.logDebug("connecting broker session",
		"channel", p.ChannelID,
		"broker", p.Broker.Address(),
		"topic", p.Topic,
		"tls", p.TLS.Enabled(),
		"reverse", p.ReverseRule != nil)

	connectCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		b.mu.Lock()
		if cur, ok := b.sessions[p.ChannelID]; ok && cur == s {
			delete(b.sessions, p.ChannelID)
		}
		b.mu.Unlock()
		b.closeSession(s, 0, "")
		return fmt.Errorf("%w: %w", ErrSessionSetup, err)
	}
	return nil
}

// Reasons recorded with EventSessionClosed.
const (
	closeProfileRemoved = "profile_removed"
	closeReplaced       = "replaced"
	closeShutdown       = "shutdown"
)

// closeSession disconnects a session once. Errors and panics from the
// client are swallowed. A non-empty reason records EventSessionClosed.
func (b *Bridge) closeSession(s *session, quiesce uint, reason string) {
	s.closeOnce.Do(func() {
		if reason != "" {
			defer b.record(EventSessionClosed, &s.channelID, map[string]any{"reason": reason})
		}
		defer func() {
			if r := recover(); r != nil {
				b.logWarn("broker client panicked on disconnect",
					"channel", s.channelID,
					"panic", r)
			}
			s.setState(StateDisconnected)
		}()
		if s.client != nil {
			s.client.Disconnect(quiesce)
		}
	})
}
