package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bettercal/internal/calendar"
	"bettercal/internal/control"
	"bettercal/internal/ledger"
	"bettercal/internal/views"
	logx "bettercal/pkg/logx"
)

// Controller is the control surface the API exposes.
type Controller interface {
	ForceUpdateCalendars(ctx context.Context) error
	CreateEvent(ctx context.Context, p control.CreateEventParams) (string, error)
	UpdateEvent(ctx context.Context, uid string, p control.UpdateEventParams) error
	DeleteEvent(ctx context.Context, uid string) error

	AddNotification(ctx context.Context, p ledger.AddParams) (string, error)
	RemoveNotification(ctx context.Context, id string) bool
	ToggleNotification(ctx context.Context, id string) bool
	SnoozeEvent(ctx context.Context, eventID string, minutes int) (string, error)
	MarkEventDone(ctx context.Context, eventID string)
	HandleNotificationAction(ctx context.Context, action, eventID string) error

	Snapshot(ctx context.Context) (calendar.Snapshot, error)
	AllEvents(ctx context.Context) ([]calendar.Event, error)
	Views(ctx context.Context, now time.Time) (views.Views, error)
	Notifications(eventID string) []ledger.Record
}

// NewRouter builds the handler tree for cfg.
func NewRouter(ctrl Controller, cfg Config, log logx.Logger, opts ...RouterOption) http.Handler {
	h := &handlers{ctrl: ctrl, log: log, now: time.Now}
	for _, o := range opts {
		o(h)
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recoverer(log))
	r.Use(instrument(log))
	r.Use(rateLimit(cfg.RatePerMinute))

	r.Get("/healthz", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", h.snapshot)
		r.Get("/events/all", h.allEvents)
		r.Get("/views", h.views)
		r.Get("/notifications", h.notifications)
		r.Get("/status", h.statusReport)

		r.Group(func(r chi.Router) {
			r.Use(requireToken(cfg.Token))
			r.Use(middleware.AllowContentType("application/json"))

			r.Post("/calendars/refresh", h.refresh)
			r.Post("/events", h.createEvent)
			r.Patch("/events/{uid}", h.updateEvent)
			r.Delete("/events/{uid}", h.deleteEvent)
			r.Post("/events/{uid}/snooze", h.snooze)
			r.Post("/events/{uid}/done", h.markDone)

			r.Post("/notifications", h.addNotification)
			r.Delete("/notifications/{id}", h.removeNotification)
			r.Post("/notifications/{id}/toggle", h.toggleNotification)
			r.Post("/actions", h.action)
		})
	})

	if cfg.Metrics {
		r.With(requireToken(cfg.Token)).Handle("/metrics", promhttp.Handler())
	}
	if cfg.Pprof {
		r.With(requireToken(cfg.Token)).Mount("/debug", middleware.Profiler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}
