package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"bettercal/internal/calendar"
	"bettercal/internal/control"
	"bettercal/internal/ledger"
	logx "bettercal/pkg/logx"
)

const maxBodyBytes = 1 << 20

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

type createEventRequest struct {
	Summary     string `json:"summary" validate:"required,max=1024"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Start       string `json:"start" validate:"required"`
	End         string `json:"end" validate:"required"`
	AllDay      bool   `json:"all_day"`
	CalendarID  string `json:"calendar_id"`
}

type updateEventRequest struct {
	Summary     *string `json:"summary" validate:"omitnil,max=1024"`
	Description *string `json:"description"`
	Location    *string `json:"location"`
	Start       *string `json:"start"`
	End         *string `json:"end"`
	AllDay      bool    `json:"all_day"`
}

type addNotificationRequest struct {
	EventID            string `json:"event_id" validate:"required"`
	EventSummary       string `json:"event_summary"`
	EventStart         string `json:"event_start" validate:"required"`
	Channel            string `json:"channel" validate:"required,oneof=push alexa"`
	OffsetMinutes      int    `json:"offset_minutes" validate:"gte=0"`
	Target             string `json:"target"`
	CustomMessagePush  string `json:"custom_message_push"`
	CustomMessageAlexa string `json:"custom_message_alexa"`
}

type snoozeRequest struct {
	Minutes int `json:"minutes" validate:"gte=1,lte=43200"`
}

type actionRequest struct {
	Action  string `json:"action" validate:"required"`
	EventID string `json:"event_id" validate:"required"`
}

type handlers struct {
	ctrl   Controller
	log    logx.Logger
	now    func() time.Time
	status StatusFunc
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctrl.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, snap)
}

func (h *handlers) allEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.ctrl.AllEvents(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, evs)
}

func (h *handlers) views(w http.ResponseWriter, r *http.Request) {
	v, err := h.ctrl.Views(r.Context(), h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, v)
}

func (h *handlers) notifications(w http.ResponseWriter, r *http.Request) {
	recs := h.ctrl.Notifications(r.URL.Query().Get("event_id"))
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeData(w, http.StatusOK, recs)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ForceUpdateCalendars(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"refreshed": true})
}

func (h *handlers) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	uid, err := h.ctrl.CreateEvent(r.Context(), control.CreateEventParams{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		Start:       req.Start,
		End:         req.End,
		AllDay:      req.AllDay,
		CalendarID:  req.CalendarID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"uid": uid})
}

func (h *handlers) updateEvent(w http.ResponseWriter, r *http.Request) {
	var req updateEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	uid := chi.URLParam(r, "uid")
	err := h.ctrl.UpdateEvent(r.Context(), uid, control.UpdateEventParams{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		Start:       req.Start,
		End:         req.End,
		AllDay:      req.AllDay,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"uid": uid})
}

func (h *handlers) deleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.DeleteEvent(r.Context(), chi.URLParam(r, "uid")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) snooze(w http.ResponseWriter, r *http.Request) {
	req := snoozeRequest{Minutes: control.DefaultSnoozeMinutes}
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	id, err := h.ctrl.SnoozeEvent(r.Context(), chi.URLParam(r, "uid"), req.Minutes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) markDone(w http.ResponseWriter, r *http.Request) {
	h.ctrl.MarkEventDone(r.Context(), chi.URLParam(r, "uid"))
	writeData(w, http.StatusOK, map[string]bool{"done": true})
}

func (h *handlers) addNotification(w http.ResponseWriter, r *http.Request) {
	var req addNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.ctrl.AddNotification(r.Context(), ledger.AddParams{
		EventID:            req.EventID,
		EventSummary:       req.EventSummary,
		EventStart:         req.EventStart,
		Channel:            ledger.Channel(req.Channel),
		OffsetMinutes:      req.OffsetMinutes,
		Target:             req.Target,
		CustomMessagePush:  req.CustomMessagePush,
		CustomMessageAlexa: req.CustomMessageAlexa,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) removeNotification(w http.ResponseWriter, r *http.Request) {
	if !h.ctrl.RemoveNotification(r.Context(), chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) toggleNotification(w http.ResponseWriter, r *http.Request) {
	if !h.ctrl.ToggleNotification(r.Context(), chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "notification not found")
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"toggled": true})
}

func (h *handlers) action(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ctrl.HandleNotificationAction(r.Context(), req.Action, req.EventID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"action": req.Action})
}

// decode reads a JSON body into dst and validates it. It writes the 400
// itself and reports false on failure.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid JSON body: "+err.Error())
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

// fail maps control errors onto HTTP statuses.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		h.log.Error("api request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
	}
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, calendar.ErrReadOnly), errors.Is(err, control.ErrNoWritableCalendar):
		return http.StatusConflict, "READ_ONLY"
	case errors.Is(err, calendar.ErrInvalidEvent),
		errors.Is(err, ledger.ErrInvalidChannel),
		errors.Is(err, ledger.ErrInvalidOffset),
		errors.Is(err, ledger.ErrMissingEvent),
		errors.Is(err, control.ErrUnknownAction):
		return http.StatusBadRequest, "INVALID"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

type envelope struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Status: "error", Error: &apiError{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
