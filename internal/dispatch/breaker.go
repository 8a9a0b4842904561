package dispatch

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"bettercal/internal/metrics"
	logx "bettercal/pkg/logx"
)

// ErrServiceUnavailable wraps rejections from an open breaker.
var ErrServiceUnavailable = errors.New("dispatch: service unavailable")

const (
	breakerFailures = 5
	breakerCooldown = time.Minute
)

func newBreaker(name string, log logx.Logger) *gobreaker.CircuitBreaker[struct{}] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("dispatch breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
			metrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	})
}

func guard(cb *gobreaker.CircuitBreaker[struct{}], fn func() error) error {
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrServiceUnavailable, err)
	}
	return err
}
