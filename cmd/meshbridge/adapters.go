package main

import (
	"context"
	"sync"

	"github.com/nerrad567/meshbridge/internal/bridge"
	"github.com/nerrad567/meshbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshbridge/internal/mesh"
)

// linkEventBuffer is how many gateway link transitions can queue before
// the paho callback goroutine blocks.
const linkEventBuffer = 16

// linkEvent is one gateway link transition.
type linkEvent struct {
	up  bool
	err error
}

// queueLinkEvent hands ev to watchLink unless the process is stopping.
func queueLinkEvent(ctx context.Context, events chan<- linkEvent, ev linkEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// meshStarter is the part of the gateway watchLink needs.
type meshStarter interface {
	Start() error
}

// connectionListener is the part of the bridge watchLink drives.
type connectionListener interface {
	OnMeshConnectionChange(ctx context.Context, connected bool, endpoint mesh.Endpoint)
}

// watchLogger is satisfied by logging.Logger.
type watchLogger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// watchLink applies gateway link transitions to the bridge until ctx ends.
func watchLink(ctx context.Context, events <-chan linkEvent, gw meshStarter, endpoint mesh.Endpoint, b connectionListener, log watchLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if !ev.up {
				log.Warn("gateway link lost", "error", ev.err)
				b.OnMeshConnectionChange(ctx, false, nil)
				continue
			}
			if err := gw.Start(); err != nil {
				log.Error("gateway uplink subscribe failed", "error", err)
			}
			b.OnMeshConnectionChange(ctx, true, endpoint)
		}
	}
}

// linkAdapter adapts the gateway link client to mesh.Link. The only
// difference is the handler signature: mesh handlers return nothing.
//
// The client is attached after mqtt.Connect returns; until then the link
// reports itself disconnected.
type linkAdapter struct {
	mu     sync.RWMutex
	client *mqtt.Client
}

func (a *linkAdapter) setClient(c *mqtt.Client) {
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
}

func (a *linkAdapter) get() *mqtt.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// Publish implements mesh.Link.
func (a *linkAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c := a.get()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	return c.Publish(topic, payload, qos, retained)
}

// Subscribe implements mesh.Link.
func (a *linkAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	c := a.get()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	return c.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements mesh.Link.
func (a *linkAdapter) IsConnected() bool {
	c := a.get()
	return c != nil && c.IsConnected()
}

// sessionOptions maps a channel profile onto broker session options.
func sessionOptions(p bridge.ChannelProfile, logger mqtt.Logger) mqtt.SessionOptions {
	so := mqtt.SessionOptions{
		ChannelID: p.ChannelID,
		Host:      p.Broker.Host,
		Port:      p.Broker.Port,
		Username:  p.Broker.Username,
		Password:  p.Broker.Password,
		Logger:    logger,
	}
	// An empty tls object leaves the connection in plain TCP.
	if t := p.TLS; t.Enabled() {
		so.TLS = &mqtt.TLSFiles{
			CACerts:  t.CACerts,
			CertFile: t.CertFile,
			KeyFile:  t.KeyFile,
		}
	}
	if w := p.LastWill; w != nil {
		so.Will = &mqtt.Will{
			Topic:   w.Topic,
			Payload: w.Payload,
			QoS:     w.QoS,
			Retain:  w.Retain,
		}
	}
	return so
}

// newSessionFactory returns the bridge's client factory backed by paho.
func newSessionFactory(logger mqtt.Logger) bridge.ClientFactory {
	return func(p bridge.ChannelProfile, handlers bridge.SessionHandlers) (bridge.BrokerClient, error) {
		s, err := mqtt.NewSession(sessionOptions(p, logger), handlers)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
