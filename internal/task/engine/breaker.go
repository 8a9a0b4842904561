package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	logx "bettercal/pkg/logx"
)

// breakers keeps one consecutive-failure breaker per task name.
type breakers struct {
	mu  sync.Mutex
	m   map[string]*gobreaker.CircuitBreaker[struct{}]
	log logx.Logger
}

func (b *breakers) get(name string, failures int, cooldown time.Duration) *gobreaker.CircuitBreaker[struct{}] {
	if failures < 0 {
		return nil
	}
	if failures == 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = map[string]*gobreaker.CircuitBreaker[struct{}]{}
	}
	if cb := b.m[name]; cb != nil {
		return cb
	}
	trip := uint32(failures)
	log := b.log
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("task breaker state changed",
				logx.String("task", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	})
	b.m[name] = cb
	return cb
}

// open reports whether name has a breaker that currently rejects runs.
func (b *breakers) open(name string) bool {
	b.mu.Lock()
	cb := b.m[name]
	b.mu.Unlock()
	return cb != nil && cb.State() == gobreaker.StateOpen
}

func (b *breakers) snapshot() []BreakerState {
	b.mu.Lock()
	out := make([]BreakerState, 0, len(b.m))
	for name, cb := range b.m {
		out = append(out, BreakerState{
			Name:                name,
			State:               cb.State().String(),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
