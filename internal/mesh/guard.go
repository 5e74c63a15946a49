package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Guard defaults.
const (
	defaultSendTimeout     = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// RatePerSecond limits sends. Zero disables the limiter.
	RatePerSecond float64

	// Burst is the limiter burst allowance. Defaults to 1.
	Burst int

	// BreakerFailures is the consecutive failure count that opens the breaker.
	BreakerFailures uint32

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration

	// SendTimeout bounds each SendText call on the wrapped endpoint.
	SendTimeout time.Duration
}

// Guard wraps an Endpoint with an airtime limiter and a circuit breaker.
type Guard struct {
	next    Endpoint
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// NewGuard creates a Guard around next.
func NewGuard(next Endpoint, cfg GuardConfig) *Guard {
	g := &Guard{
		next:    next,
		timeout: cfg.SendTimeout,
	}
	if g.timeout <= 0 {
		g.timeout = defaultSendTimeout
	}

	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mesh-send",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// An empty message is the caller's fault, not the link's.
			return err == nil || errors.Is(err, ErrEmptyText)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logWarn("mesh send circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return g
}

// SetLogger sets the logger for this guard.
func (g *Guard) SetLogger(logger Logger) {
	g.loggerMu.Lock()
	g.logger = logger
	g.loggerMu.Unlock()
}

// SendText forwards to the wrapped endpoint unless the limiter or breaker
// refuses it.
func (g *Guard) SendText(ctx context.Context, text string, dest uint32, channel int) error {
	if g.limiter != nil && !g.limiter.Allow() {
		return ErrRateLimited
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return nil, g.next.SendText(sendCtx, text, dest, channel)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return err
}

// State returns the breaker state name.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

// LoRaConfig passes through to the wrapped endpoint when it reports one.
func (g *Guard) LoRaConfig() (LoRaConfig, bool) {
	if r, ok := g.next.(LoRaReporter); ok {
		return r.LoRaConfig()
	}
	return LoRaConfig{}, false
}

func (g *Guard) logWarn(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
