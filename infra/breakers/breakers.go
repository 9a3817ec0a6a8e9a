package breakers

import (
	"time"

	cb "github.com/sony/gobreaker"
	"github.com/rs/zerolog/log"
)

// Settings are the trip thresholds of a breaker
type Settings struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	MinRequests         uint32        `yaml:"min_requests"`
	FailureRatio        float64       `yaml:"failure_ratio"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
}

// DefaultSettings trips after 3 consecutive failures, or above 5% failures
// once 20 requests were seen in the interval
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: 3,
		MinRequests:         20,
		FailureRatio:        0.05,
		Interval:            60 * time.Second,
		Timeout:             60 * time.Second,
	}
}

type Breaker struct{ cb *cb.CircuitBreaker }

// New creates a breaker. Errors for which isSuccessful returns true are
// passed through without counting as failures; nil counts every error.
func New(name string, s Settings, isSuccessful func(error) bool) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = s.Interval
	st.Timeout = s.Timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= s.ConsecutiveFailures {
			return true
		}
		total := counts.Requests
		if total < s.MinRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > s.FailureRatio
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	if isSuccessful != nil {
		st.IsSuccessful = func(err error) bool { return err == nil || isSuccessful(err) }
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }

// State reports closed, half-open or open
func (b *Breaker) State() string { return b.cb.State().String() }

// IsOpen is true when calls are being rejected
func IsOpen(err error) bool {
	return err == cb.ErrOpenState || err == cb.ErrTooManyRequests
}
