package api

import (
	"net/http"

	rtsup "bettercal/internal/runtime/supervisor"
	"bettercal/internal/task/engine"
	"bettercal/internal/task/scheduler"
)

// Status is the runtime state served at /api/status.
type Status struct {
	Scheduler  scheduler.Snapshot       `json:"scheduler"`
	Engine     engine.Snapshot          `json:"engine"`
	Supervisor rtsup.SupervisorSnapshot `json:"supervisor"`
}

// StatusFunc collects a Status on demand.
type StatusFunc func() Status

type RouterOption func(*handlers)

// WithStatus enables GET /api/status.
func WithStatus(fn StatusFunc) RouterOption {
	return func(h *handlers) { h.status = fn }
}

func (h *handlers) statusReport(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "status not available")
		return
	}
	writeData(w, http.StatusOK, h.status())
}
