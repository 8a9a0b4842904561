// Package dispatch routes reminder messages to named delivery services.
//
// A service name is what a notification target refers to: "notify.family"
// and "family" both name the service "family". Services are either
// registered directly or contributed by a Source such as a Home Assistant
// instance.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logx "bettercal/pkg/logx"
)

var ErrNoService = errors.New("dispatch: no such service")

// Payload is what a service receives. Unset fields are omitted on the wire.
type Payload struct {
	Message  string         `json:"message"`
	Title    string         `json:"title,omitempty"`
	Target   string         `json:"target,omitempty"`
	EntityID string         `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Action is an interactive button attached to a push reminder.
type Action struct {
	Action  string `json:"action"`
	Title   string `json:"title"`
	EventID string `json:"event_id"`
}

// Actions returns the actions carried in p.Data, if any.
func (p Payload) Actions() []Action {
	if p.Data == nil {
		return nil
	}
	a, _ := p.Data["actions"].([]Action)
	return a
}

type Service interface {
	Call(ctx context.Context, p Payload) error
}

type ServiceFunc func(ctx context.Context, p Payload) error

func (f ServiceFunc) Call(ctx context.Context, p Payload) error { return f(ctx, p) }

// Source exposes a dynamic set of services.
type Source interface {
	Services(ctx context.Context) ([]string, error)
	Call(ctx context.Context, service string, p Payload) error
}

// Registry resolves service names. Directly registered services come first,
// in registration order, followed by each source's services.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	static  map[string]Service
	sources []Source
	log     logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{static: map[string]Service{}, log: log.With(logx.String("comp", "dispatch"))}
}

// Register adds or replaces a named service.
func (r *Registry) Register(name string, svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.static[name]; !ok {
		r.order = append(r.order, name)
	}
	r.static[name] = svc
}

func (r *Registry) AddSource(src Source) {
	r.mu.Lock()
	r.sources = append(r.sources, src)
	r.mu.Unlock()
}

// Names lists every known service once. A failing source is logged and
// skipped.
func (r *Registry) Names(ctx context.Context) []string {
	r.mu.RLock()
	out := append([]string(nil), r.order...)
	sources := append([]Source(nil), r.sources...)
	r.mu.RUnlock()

	seen := make(map[string]struct{}, len(out))
	for _, n := range out {
		seen[n] = struct{}{}
	}
	for _, src := range sources {
		names, err := src.Services(ctx)
		if err != nil {
			r.log.Warn("service source unavailable", logx.Err(err))
			continue
		}
		for _, n := range names {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// Has reports whether name resolves to a service.
func (r *Registry) Has(ctx context.Context, name string) bool {
	_, ok := r.lookup(ctx, name)
	return ok
}

// Call invokes the named service.
func (r *Registry) Call(ctx context.Context, name string, p Payload) error {
	svc, ok := r.lookup(ctx, name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoService, name)
	}
	return svc.Call(ctx, p)
}

func (r *Registry) lookup(ctx context.Context, name string) (Service, bool) {
	r.mu.RLock()
	svc, ok := r.static[name]
	sources := append([]Source(nil), r.sources...)
	r.mu.RUnlock()
	if ok {
		return svc, true
	}
	for _, src := range sources {
		names, err := src.Services(ctx)
		if err != nil {
			continue
		}
		for _, n := range names {
			if n == name {
				return ServiceFunc(func(ctx context.Context, p Payload) error {
					return src.Call(ctx, name, p)
				}), true
			}
		}
	}
	return nil, false
}
