package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"bettercal/internal/calendar"
	"bettercal/internal/dispatch"
	"bettercal/internal/ledger"
	kit "bettercal/internal/transport"
	"bettercal/internal/views"
	logx "bettercal/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	texts   []string
	answers []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeCal struct {
	views   views.Views
	snap    calendar.Snapshot
	added   []ledger.AddParams
	actions []string
	snoozed map[string]int
}

func (f *fakeCal) Views(context.Context, time.Time) (views.Views, error) { return f.views, nil }
func (f *fakeCal) Snapshot(context.Context) (calendar.Snapshot, error)  { return f.snap, nil }
func (f *fakeCal) ForceUpdateCalendars(context.Context) error            { return nil }

func (f *fakeCal) AddNotification(_ context.Context, p ledger.AddParams) (string, error) {
	f.added = append(f.added, p)
	return "notif_x", nil
}

func (f *fakeCal) RemoveNotification(_ context.Context, id string) bool { return id == "notif_x" }

func (f *fakeCal) SnoozeEvent(_ context.Context, eventID string, minutes int) (string, error) {
	if f.snoozed == nil {
		f.snoozed = map[string]int{}
	}
	f.snoozed[eventID] = minutes
	return "notif_s", nil
}

func (f *fakeCal) MarkEventDone(context.Context, string) {}

func (f *fakeCal) HandleNotificationAction(_ context.Context, action, eventID string) error {
	if eventID == "gone" {
		return calendar.ErrNotFound
	}
	f.actions = append(f.actions, action+"@"+eventID)
	return nil
}

const owner = 42

func newTestRouter(cal *fakeCal) (*Router, *fakeAdapter, *dispatch.ActionTable) {
	ad := &fakeAdapter{}
	tbl := dispatch.NewActionTable(0)
	r := New(ad, cal, logx.Nop(), Options{Owners: []int64{owner}, Actions: tbl})
	return r, ad, tbl
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 7, FromID: from, Text: text}}
}

func callback(from int64, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", ChatID: 7, FromID: from, Data: data}}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	got := tokenize(`/remind ev1 push 30 "notify.mobile app"`)
	want := []string{"/remind", "ev1", "push", "30", "notify.mobile app"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokenize = %q, want %q", got, want)
	}
}

func TestAccess(t *testing.T) {
	t.Parallel()
	r, ad, _ := newTestRouter(&fakeCal{})
	ctx := context.Background()

	r.serve(ctx, message(99, "/today"))
	if got := ad.last(); got != "unauthorized" {
		t.Fatalf("stranger /today = %q, want unauthorized", got)
	}
	r.serve(ctx, message(99, "/help"))
	if got := ad.last(); !strings.Contains(got, "/today") {
		t.Fatalf("help = %q, want command list", got)
	}
	r.serve(ctx, message(owner, "/nope"))
	if got := ad.last(); !strings.Contains(got, "unknown command") {
		t.Fatalf("unknown = %q", got)
	}
	r.serve(ctx, message(owner, "just chatting"))
	if n := len(ad.texts); n != 3 {
		t.Fatalf("plain text produced a reply; %d texts", n)
	}
}

func TestTodayRendersView(t *testing.T) {
	t.Parallel()
	cal := &fakeCal{views: views.Views{Today: views.DayView{
		Date:  "2026-10-17",
		Count: 1,
		Events: []views.EventView{{
			UID: "ev1", Summary: "Dentist & co", CalendarName: "Family", StartTime: "09:30", Notifications: 2,
		}},
	}}}
	r, ad, _ := newTestRouter(cal)

	r.serve(context.Background(), message(owner, "/today@bettercal_bot"))
	got := ad.last()
	for _, want := range []string{"Today", "09:30", "<b>Dentist &amp; co</b>", "(Family)", "🔔2", "<code>ev1</code>"} {
		if !strings.Contains(got, want) {
			t.Fatalf("today = %q, missing %q", got, want)
		}
	}
}

func TestRemindLooksUpEvent(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 20, 9, 30, 0, 0, time.UTC)
	cal := &fakeCal{snap: calendar.Snapshot{Events: map[string][]calendar.Event{
		"home": {{UID: "ev1", Summary: "Dentist", Start: calendar.Timed(start), End: calendar.Timed(start.Add(time.Hour))}},
	}}}
	r, ad, _ := newTestRouter(cal)
	ctx := context.Background()

	r.serve(ctx, message(owner, "/remind ev1 alexa 30 media_player.kitchen"))
	if len(cal.added) != 1 {
		t.Fatalf("added = %+v", cal.added)
	}
	p := cal.added[0]
	if p.Channel != ledger.ChannelAlexa || p.OffsetMinutes != 30 || p.Target != "media_player.kitchen" || p.EventSummary != "Dentist" {
		t.Fatalf("params = %+v", p)
	}
	if p.EventStart != calendar.Timed(start).String() {
		t.Fatalf("EventStart = %q", p.EventStart)
	}

	r.serve(ctx, message(owner, "/remind ev1 sms 30"))
	if got := ad.last(); !strings.Contains(got, "usage") {
		t.Fatalf("bad channel reply = %q", got)
	}
	r.serve(ctx, message(owner, "/remind missing push 10"))
	if got := ad.last(); !strings.Contains(got, "not found") {
		t.Fatalf("missing event reply = %q", got)
	}
}

func TestSnoozeCommand(t *testing.T) {
	t.Parallel()
	cal := &fakeCal{}
	r, _, _ := newTestRouter(cal)
	ctx := context.Background()
	r.serve(ctx, message(owner, "/snooze ev1"))
	r.serve(ctx, message(owner, "/snooze ev2 5"))
	if cal.snoozed["ev1"] != 15 || cal.snoozed["ev2"] != 5 {
		t.Fatalf("snoozed = %v", cal.snoozed)
	}
}

func TestCallbackActions(t *testing.T) {
	t.Parallel()
	cal := &fakeCal{}
	r, ad, tbl := newTestRouter(cal)
	ctx := context.Background()

	data := tbl.Put(dispatch.Action{Action: "snooze_15_ev1", Title: "⏰ Snooze 15m", EventID: "ev1"})
	r.serve(ctx, callback(99, data))
	r.serve(ctx, callback(owner, data))
	r.serve(ctx, callback(owner, "a:unknown"))
	gone := tbl.Put(dispatch.Action{Action: "delete_gone", EventID: "gone"})
	r.serve(ctx, callback(owner, gone))

	want := []string{"forbidden", "⏰ Snoozed", "expired", "event not found"}
	if !reflect.DeepEqual(ad.answers, want) {
		t.Fatalf("answers = %q, want %q", ad.answers, want)
	}
	if !reflect.DeepEqual(cal.actions, []string{"snooze_15_ev1@ev1"}) {
		t.Fatalf("actions = %q", cal.actions)
	}
}

func TestRenderNotificationsFilters(t *testing.T) {
	t.Parallel()
	n := views.NotificationsView{Count: 2, ActiveCount: 2, UpcomingCount: 1, Notifications: []views.NotificationView{
		{ID: "a", EventID: "ev1", EventSummary: "One", Channel: "push", OffsetMinutes: 10, Enabled: true},
		{ID: "b", EventID: "ev2", EventSummary: "Two", Channel: "alexa", OffsetMinutes: 5},
	}}
	got := renderNotifications(n, "ev2")
	if strings.Contains(got, "One") || !strings.Contains(got, "Two") || !strings.Contains(got, "(off)") {
		t.Fatalf("render = %q", got)
	}
	if got := renderNotifications(views.NotificationsView{}, ""); !strings.Contains(got, "None scheduled") {
		t.Fatalf("empty render = %q", got)
	}
	if !errors.Is(usageError("x"), errUsage) {
		t.Fatalf("usageError does not wrap errUsage")
	}
}
