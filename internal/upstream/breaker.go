package upstream

import (
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/observability"
)

// Breaker isolates the upstream behind a circuit breaker. The circuit
// opens after a run of consecutive failures and probes again after the
// cooldown. A nil *Breaker is valid and passes everything through.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// NewBreaker creates a breaker from configuration. Returns nil when
// breaking is disabled.
func NewBreaker(
	cfg config.CircuitBreakerConfig,
	metrics *observability.Metrics,
	logger observability.Logger,
) *Breaker {
	if !cfg.Enabled {
		return nil
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = config.DefaultBreakerThreshold
	}
	cooldown := cfg.Cooldown.Duration()
	if cooldown <= 0 {
		cooldown = config.DefaultBreakerCooldown
	}

	b := &Breaker{logger: logger}

	settings := gobreaker.Settings{
		Name:    "upstream",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			metrics.SetUpstreamHealthy(to == gobreaker.StateClosed)
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn under breaker protection. When the breaker is nil or
// the circuit admits the call, fn's error is returned as-is; when the
// circuit is open, gobreaker.ErrOpenState is returned without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state. A nil breaker reads closed.
func (b *Breaker) State() gobreaker.State {
	if b == nil {
		return gobreaker.StateClosed
	}
	return b.cb.State()
}
