package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bettercal/internal/calendar"
	"bettercal/internal/eventbus"
	"bettercal/internal/ledger"
	"bettercal/internal/storage"
	logx "bettercal/pkg/logx"
)

var now = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

// memCalendar is a writable provider keeping raw events in memory.
type memCalendar struct {
	mu  sync.Mutex
	evs map[string]calendar.RawEvent
	seq int
}

func (m *memCalendar) Events(context.Context, time.Time, time.Time) ([]calendar.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]calendar.RawEvent, 0, len(m.evs))
	for _, ev := range m.evs {
		out = append(out, ev)
	}
	return out, nil
}

func (m *memCalendar) CreateEvent(_ context.Context, ev calendar.NewEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	uid := fmt.Sprintf("u%d", m.seq)
	m.evs[uid] = calendar.RawEvent{
		UID:     uid,
		Summary: ev.Summary,
		Start:   calendar.RawTime{Value: ev.Start.String()},
		End:     calendar.RawTime{Value: ev.End.String()},
	}
	return uid, nil
}

func (m *memCalendar) UpdateEvent(_ context.Context, uid string, p calendar.EventPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evs[uid]
	if !ok {
		return calendar.ErrNotFound
	}
	if p.Summary != nil {
		ev.Summary = *p.Summary
	}
	if p.Start != nil {
		ev.Start = calendar.RawTime{Value: p.Start.String()}
	}
	m.evs[uid] = ev
	return nil
}

func (m *memCalendar) DeleteEvent(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evs[uid]; !ok {
		return calendar.ErrNotFound
	}
	delete(m.evs, uid)
	return nil
}

type feed struct{ evs []calendar.RawEvent }

func (f feed) Events(context.Context, time.Time, time.Time) ([]calendar.RawEvent, error) {
	return f.evs, nil
}

type fixture struct {
	svc    *Service
	cal    *memCalendar
	ledger *ledger.Ledger
	events <-chan eventbus.Event
}

func newFixture(t *testing.T, writable bool) fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := func() time.Time { return now }
	cache := calendar.NewCache(calendar.CacheOptions{Store: st, Document: "events_t.json", Location: time.UTC, Now: clock})
	mc := &memCalendar{evs: map[string]calendar.RawEvent{}}
	sources := []calendar.Source{{ID: "work", Name: "Work", Provider: feed{evs: []calendar.RawEvent{{
		UID: "ro1", Summary: "All hands",
		Start: calendar.RawTime{Value: "2026-05-05T09:00:00Z"}, End: calendar.RawTime{Value: "2026-05-05T10:00:00Z"},
	}}}}}
	if writable {
		sources = append(sources, calendar.Source{ID: "home", Name: "Home", Provider: mc})
	}
	cache.SetSources(sources, nil)

	l := ledger.Open(context.Background(), st, "notifications_t.json", logx.Nop(), ledger.WithClock(clock))
	bus := eventbus.New()
	ch, unsub := bus.SubscribePrefix(64, "better_calendar_")
	t.Cleanup(unsub)

	svc := New(Options{Cache: cache, Ledger: l, Bus: bus, Location: time.UTC, Now: clock})
	return fixture{svc: svc, cal: mc, ledger: l, events: ch}
}

func (f fixture) next(t *testing.T) eventbus.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event published")
		return eventbus.Event{}
	}
}

func TestEventLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	uid, err := f.svc.CreateEvent(ctx, CreateEventParams{Summary: "Dentist", Start: "2026-05-04T10:00", End: "2026-05-04T11:00"})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if ev := f.next(t); ev.Type != "better_calendar_event_created" || ev.Data.(Signal).EventID != uid {
		t.Fatalf("event = %+v", ev)
	}
	snap, err := f.svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	got, ok := snap.Find(uid)
	if !ok || got.Start.String() != "2026-05-04T10:00:00Z" {
		t.Fatalf("Find(%s) = %+v, %v", uid, got, ok)
	}

	title := "Dentist (moved)"
	if err := f.svc.UpdateEvent(ctx, uid, UpdateEventParams{Summary: &title}); err != nil {
		t.Fatalf("UpdateEvent() error = %v", err)
	}
	if ev := f.next(t); ev.Type != "better_calendar_event_updated" {
		t.Fatalf("event = %+v", ev)
	}

	if err := f.svc.HandleNotificationAction(ctx, "delete_"+uid, uid); err != nil {
		t.Fatalf("delete action error = %v", err)
	}
	if ev := f.next(t); ev.Type != "better_calendar_event_deleted" {
		t.Fatalf("event = %+v", ev)
	}
	snap, _ = f.svc.Snapshot(ctx)
	if _, ok := snap.Find(uid); ok {
		t.Fatalf("deleted event still in snapshot")
	}
}

func TestCreateAllDayUsesDatePart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	uid, err := f.svc.CreateEvent(context.Background(), CreateEventParams{Summary: "Trip", Start: "2026-05-06T00:00:00+02:00", End: "2026-05-06T23:59", AllDay: true})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	raw := f.cal.evs[uid]
	if raw.Start.Value != "2026-05-06" || raw.End.Value != "2026-05-07" {
		t.Fatalf("stored start/end = %q/%q, want 2026-05-06/2026-05-07", raw.Start.Value, raw.End.Value)
	}
}

func TestMutationsOnReadOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.CreateEvent(ctx, CreateEventParams{Summary: "x", Start: "2026-05-04T10:00:00Z", End: "2026-05-04T11:00:00Z"}); !errors.Is(err, ErrNoWritableCalendar) {
		t.Fatalf("CreateEvent() error = %v, want ErrNoWritableCalendar", err)
	}
	if err := f.svc.ForceUpdateCalendars(ctx); err != nil {
		t.Fatalf("ForceUpdateCalendars() error = %v", err)
	}
	if err := f.svc.DeleteEvent(ctx, "ro1"); !errors.Is(err, calendar.ErrReadOnly) {
		t.Fatalf("DeleteEvent(ro1) error = %v, want ErrReadOnly", err)
	}
	if err := f.svc.DeleteEvent(ctx, "missing"); !errors.Is(err, calendar.ErrNotFound) {
		t.Fatalf("DeleteEvent(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSnoozeAndActions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	if err := f.svc.HandleNotificationAction(ctx, "snooze_20_ro1", "ro1"); err != nil {
		t.Fatalf("snooze action error = %v", err)
	}
	ev := f.next(t)
	sig := ev.Data.(Signal)
	if ev.Type != "better_calendar_event_snoozed" || sig.Minutes != 20 {
		t.Fatalf("event = %+v", ev)
	}
	r, ok := f.ledger.Get(sig.NotificationID)
	if !ok {
		t.Fatalf("snooze record %q missing", sig.NotificationID)
	}
	if r.Channel != ledger.ChannelPush || r.Target != ledger.TargetAuto || r.OffsetMinutes != 20 || r.EventStart != "2026-05-05T09:00:00Z" {
		t.Fatalf("record = %+v", r)
	}
	if r.CustomMessagePush != "⏰ Snoozed reminder: 'All hands' starts in 20 minutes" {
		t.Fatalf("message = %q", r.CustomMessagePush)
	}

	if err := f.svc.HandleNotificationAction(ctx, "reschedule", "ro1"); err == nil {
		t.Fatalf("unknown action accepted")
	}
	if err := f.svc.HandleNotificationAction(ctx, "snooze_x", "ro1"); err != nil {
		t.Fatalf("snooze_x error = %v", err)
	}
	if sig := f.next(t).Data.(Signal); sig.Minutes != DefaultSnoozeMinutes {
		t.Fatalf("default snooze minutes = %d", sig.Minutes)
	}

	if err := f.svc.HandleNotificationAction(ctx, "mark_done_ro1", "ro1"); err != nil {
		t.Fatalf("mark_done error = %v", err)
	}
	if ev := f.next(t); ev.Type != "better_calendar_event_marked_done" {
		t.Fatalf("event = %+v", ev)
	}

	if _, err := f.svc.SnoozeEvent(ctx, "missing", 10); !errors.Is(err, calendar.ErrNotFound) {
		t.Fatalf("SnoozeEvent(missing) error = %v, want ErrNotFound", err)
	}
}

func TestNotificationSignals(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	id, err := f.svc.AddNotification(ctx, ledger.AddParams{EventID: "ro1", EventSummary: "All hands", EventStart: "2026-05-05T09:00:00Z", Channel: ledger.ChannelAlexa, OffsetMinutes: 60})
	if err != nil {
		t.Fatalf("AddNotification() error = %v", err)
	}
	if ev := f.next(t); ev.Type != "better_calendar_notification_added" {
		t.Fatalf("event = %+v", ev)
	}
	if !f.svc.ToggleNotification(ctx, id) {
		t.Fatalf("ToggleNotification() = false")
	}
	if sig := f.next(t).Data.(Signal); sig.Enabled == nil || *sig.Enabled {
		t.Fatalf("toggle signal = %+v", sig)
	}
	if !f.svc.RemoveNotification(ctx, id) || f.svc.RemoveNotification(ctx, id) {
		t.Fatalf("RemoveNotification() should succeed once")
	}
	if ev := f.next(t); ev.Type != "better_calendar_notification_removed" {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
