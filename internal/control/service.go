// Package control implements the operations exposed to users: calendar
// mutations, reminder management and the actions behind interactive
// reminder buttons. Every completed operation is announced on the event
// bus as "{domain}_<name>".
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"bettercal/internal/calendar"
	"bettercal/internal/eventbus"
	"bettercal/internal/ledger"
	"bettercal/internal/views"
	logx "bettercal/pkg/logx"
)

const (
	SignalEventCreated        = "event_created"
	SignalEventUpdated        = "event_updated"
	SignalEventDeleted        = "event_deleted"
	SignalNotificationAdded   = "notification_added"
	SignalNotificationRemoved = "notification_removed"
	SignalNotificationToggled = "notification_toggled"
	SignalEventSnoozed        = "event_snoozed"
	SignalEventMarkedDone     = "event_marked_done"

	DefaultSnoozeMinutes = 15
	snoozeLookahead      = 30 * 24 * time.Hour
)

var (
	ErrNoWritableCalendar = errors.New("no writable calendar configured")
	ErrUnknownAction      = errors.New("unknown action")
)

// Signal is the payload of every published event.
type Signal struct {
	EventID        string    `json:"event_id,omitempty"`
	NotificationID string    `json:"notification_id,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Minutes        int       `json:"minutes,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type Options struct {
	Cache  *calendar.Cache
	Ledger *ledger.Ledger
	Bus    eventbus.Bus
	Domain string
	Log    logx.Logger
	// Location interprets date-times given without an offset.
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	cache  *calendar.Cache
	ledger *ledger.Ledger
	bus    eventbus.Bus
	domain string
	log    logx.Logger
	loc    atomic.Pointer[time.Location]
	now    func() time.Time
}

func New(opts Options) *Service {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Domain == "" {
		opts.Domain = "better_calendar"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		cache:  opts.Cache,
		ledger: opts.Ledger,
		bus:    opts.Bus,
		domain: opts.Domain,
		log:    opts.Log.With(logx.String("comp", "control")),
		now:    opts.Now,
	}
	s.loc.Store(opts.Location)
	return s
}

func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc.Store(loc)
	}
}

// EventName is the bus type for a signal name.
func (s *Service) EventName(name string) string { return s.domain + "_" + name }

func (s *Service) emit(name string, sig Signal) {
	if s.bus == nil {
		return
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = s.now().UTC()
	}
	s.bus.Publish(eventbus.Event{Type: s.EventName(name), Time: sig.Timestamp, Data: sig})
}

// ForceUpdateCalendars refreshes the event cache now.
func (s *Service) ForceUpdateCalendars(ctx context.Context) error {
	_, err := s.cache.Refresh(ctx)
	return err
}

// CreateEventParams carries user input. Start and End are ISO-8601; for
// all-day events only the date part is used.
type CreateEventParams struct {
	Summary     string
	Description string
	Location    string
	Start       string
	End         string
	AllDay      bool
	// CalendarID picks the calendar; empty means the first writable one.
	CalendarID string
}

// CreateEvent creates the event, refreshes the cache and returns the uid.
func (s *Service) CreateEvent(ctx context.Context, p CreateEventParams) (string, error) {
	if strings.TrimSpace(p.Summary) == "" {
		return "", fmt.Errorf("%w: summary required", calendar.ErrInvalidEvent)
	}
	start, err := s.parseInput(p.Start, p.AllDay)
	if err != nil {
		return "", fmt.Errorf("%w: start: %v", calendar.ErrInvalidEvent, err)
	}
	end, err := s.parseInput(p.End, p.AllDay)
	if err != nil {
		return "", fmt.Errorf("%w: end: %v", calendar.ErrInvalidEvent, err)
	}
	if p.AllDay && end.Compare(start) <= 0 {
		end = calendar.AllDay(start.Instant().AddDate(0, 0, 1))
	}
	if end.Compare(start) < 0 {
		return "", fmt.Errorf("%w: end before start", calendar.ErrInvalidEvent)
	}

	w, calID, err := s.writable(p.CalendarID)
	if err != nil {
		return "", err
	}
	uid, err := w.CreateEvent(ctx, calendar.NewEvent{
		Summary:     p.Summary,
		Description: p.Description,
		Location:    p.Location,
		Start:       start,
		End:         end,
	})
	if err != nil {
		return "", fmt.Errorf("create event on %s: %w", calID, err)
	}
	s.refreshAfterWrite(ctx)
	s.log.Info("event created", logx.String("uid", uid), logx.String("calendar", calID))
	s.emit(SignalEventCreated, Signal{EventID: uid, Summary: p.Summary})
	return uid, nil
}

// UpdateEventParams holds the fields to change; nil keeps the old value.
type UpdateEventParams struct {
	Summary     *string
	Description *string
	Location    *string
	Start       *string
	End         *string
	AllDay      bool
}

// UpdateEvent applies the change on whichever writable calendar holds uid.
func (s *Service) UpdateEvent(ctx context.Context, uid string, p UpdateEventParams) error {
	patch := calendar.EventPatch{Summary: p.Summary, Description: p.Description, Location: p.Location}
	for _, f := range []struct {
		raw *string
		dst **calendar.EventTime
	}{{p.Start, &patch.Start}, {p.End, &patch.End}} {
		if f.raw == nil {
			continue
		}
		t, err := s.parseInput(*f.raw, p.AllDay)
		if err != nil {
			return fmt.Errorf("%w: %v", calendar.ErrInvalidEvent, err)
		}
		*f.dst = &t
	}
	if patch.IsEmpty() {
		return fmt.Errorf("%w: nothing to update", calendar.ErrInvalidEvent)
	}
	err := s.onOwner(ctx, uid, func(w calendar.Writable) error { return w.UpdateEvent(ctx, uid, patch) })
	if err != nil {
		return err
	}
	s.refreshAfterWrite(ctx)
	s.log.Info("event updated", logx.String("uid", uid))
	s.emit(SignalEventUpdated, Signal{EventID: uid})
	return nil
}

// DeleteEvent removes uid from the writable calendar holding it.
func (s *Service) DeleteEvent(ctx context.Context, uid string) error {
	err := s.onOwner(ctx, uid, func(w calendar.Writable) error { return w.DeleteEvent(ctx, uid) })
	if err != nil {
		return err
	}
	s.refreshAfterWrite(ctx)
	s.log.Info("event deleted", logx.String("uid", uid))
	s.emit(SignalEventDeleted, Signal{EventID: uid})
	return nil
}

// onOwner runs fn against each writable calendar until one knows uid. An
// event that exists only on read-only calendars yields ErrReadOnly.
func (s *Service) onOwner(ctx context.Context, uid string, fn func(calendar.Writable) error) error {
	for _, src := range s.cache.Sources() {
		w, ok := src.Writable()
		if !ok {
			continue
		}
		err := fn(w)
		if errors.Is(err, calendar.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("calendar %s: %w", src.ID, err)
		}
		return nil
	}
	if snap, err := s.cache.ReadStored(ctx); err == nil {
		if _, ok := snap.Find(uid); ok {
			return fmt.Errorf("%w: event %s", calendar.ErrReadOnly, uid)
		}
	}
	return fmt.Errorf("%w: %s", calendar.ErrNotFound, uid)
}

func (s *Service) writable(id string) (calendar.Writable, string, error) {
	for _, src := range s.cache.Sources() {
		if id != "" && src.ID != id {
			continue
		}
		if w, ok := src.Writable(); ok {
			return w, src.ID, nil
		}
		if id != "" {
			return nil, "", fmt.Errorf("%w: %s", calendar.ErrReadOnly, id)
		}
	}
	if id != "" {
		return nil, "", fmt.Errorf("unknown calendar %q", id)
	}
	return nil, "", ErrNoWritableCalendar
}

func (s *Service) refreshAfterWrite(ctx context.Context) {
	if _, err := s.cache.Refresh(ctx); err != nil {
		s.log.Warn("refresh after write failed", logx.Err(err))
	}
}

var inputLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseInput reads user supplied times. All-day values keep the date part
// only; date-times without an offset are in the service location.
func (s *Service) parseInput(raw string, allDay bool) (calendar.EventTime, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return calendar.EventTime{}, errors.New("empty time")
	}
	if allDay || len(raw) == len(time.DateOnly) {
		date, _, _ := strings.Cut(raw, "T")
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(date))
		if err != nil {
			return calendar.EventTime{}, err
		}
		return calendar.AllDay(d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return calendar.Timed(t), nil
	}
	for _, layout := range inputLayouts {
		if t, err := time.ParseInLocation(layout, raw, s.loc.Load()); err == nil {
			return calendar.Timed(t), nil
		}
	}
	return calendar.EventTime{}, fmt.Errorf("unrecognized time %q", raw)
}

// AddNotification stores a reminder and returns its id.
func (s *Service) AddNotification(ctx context.Context, p ledger.AddParams) (string, error) {
	id, err := s.ledger.Add(ctx, p)
	if err != nil {
		return "", err
	}
	s.emit(SignalNotificationAdded, Signal{EventID: p.EventID, NotificationID: id, Summary: p.EventSummary})
	return id, nil
}

func (s *Service) RemoveNotification(ctx context.Context, id string) bool {
	ok := s.ledger.Remove(ctx, id)
	if ok {
		s.emit(SignalNotificationRemoved, Signal{NotificationID: id})
	}
	return ok
}

func (s *Service) ToggleNotification(ctx context.Context, id string) bool {
	if !s.ledger.Toggle(ctx, id) {
		return false
	}
	sig := Signal{NotificationID: id}
	if r, ok := s.ledger.Get(id); ok {
		sig.Enabled = &r.Enabled
		sig.EventID = r.EventID
	}
	s.emit(SignalNotificationToggled, sig)
	return true
}

// SnoozeEvent adds a push reminder firing minutes before the event.
func (s *Service) SnoozeEvent(ctx context.Context, eventID string, minutes int) (string, error) {
	if minutes <= 0 {
		return "", fmt.Errorf("%w: snooze minutes must be positive", ledger.ErrInvalidOffset)
	}
	now := s.now()
	ev, err := s.cache.FindEvent(ctx, eventID, now, now.Add(snoozeLookahead))
	if err != nil {
		return "", err
	}
	id, err := s.ledger.Add(ctx, ledger.AddParams{
		EventID:           eventID,
		EventSummary:      ev.Summary,
		EventStart:        ev.Start.String(),
		Channel:           ledger.ChannelPush,
		OffsetMinutes:     minutes,
		Target:            ledger.TargetAuto,
		CustomMessagePush: fmt.Sprintf("⏰ Snoozed reminder: '%s' starts in %d minutes", ev.Summary, minutes),
	})
	if err != nil {
		return "", err
	}
	s.log.Info("event snoozed", logx.String("event_id", eventID), logx.Int("minutes", minutes))
	s.emit(SignalEventSnoozed, Signal{EventID: eventID, NotificationID: id, Summary: ev.Summary, Minutes: minutes})
	return id, nil
}

// MarkEventDone only announces the fact; no state changes.
func (s *Service) MarkEventDone(_ context.Context, eventID string) {
	s.log.Info("event marked done", logx.String("event_id", eventID))
	s.emit(SignalEventMarkedDone, Signal{EventID: eventID})
}

// HandleNotificationAction runs the action behind a reminder button:
// "snooze_<N>..." snoozes N minutes (15 when N is missing), "delete_..."
// deletes the event and "mark_done_..." marks it done.
func (s *Service) HandleNotificationAction(ctx context.Context, action, eventID string) error {
	switch {
	case strings.HasPrefix(action, "snooze_"):
		minutes := DefaultSnoozeMinutes
		if parts := strings.Split(action, "_"); len(parts) > 1 {
			if n, err := strconv.Atoi(parts[1]); err == nil {
				minutes = n
			}
		}
		_, err := s.SnoozeEvent(ctx, eventID, minutes)
		return err
	case strings.HasPrefix(action, "delete_"):
		return s.DeleteEvent(ctx, eventID)
	case strings.HasPrefix(action, "mark_done_"):
		s.MarkEventDone(ctx, eventID)
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownAction, action)
}

// Snapshot returns the cached events with reminders attached.
func (s *Service) Snapshot(ctx context.Context) (calendar.Snapshot, error) {
	return s.cache.Read(ctx)
}

// AllEvents queries every calendar live over a year either side of now.
func (s *Service) AllEvents(ctx context.Context) ([]calendar.Event, error) {
	return s.cache.AllEvents(ctx)
}

// Views derives the dashboard projections at now.
func (s *Service) Views(ctx context.Context, now time.Time) (views.Views, error) {
	snap, err := s.cache.Read(ctx)
	if err != nil {
		return views.Views{}, err
	}
	names := map[string]string{}
	for _, src := range s.cache.Sources() {
		names[src.ID] = src.Name
	}
	return views.Build(snap, now, views.Options{Location: s.loc.Load(), CalendarNames: names, Records: s.ledger.All()}), nil
}

// Notifications lists the reminders, optionally for a single event.
func (s *Service) Notifications(eventID string) []ledger.Record {
	if eventID != "" {
		return s.ledger.ListForEvent(eventID)
	}
	all := s.ledger.All()
	out := make([]ledger.Record, 0, len(all))
	for _, r := range all {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
