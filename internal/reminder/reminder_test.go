package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bettercal/internal/dispatch"
	"bettercal/internal/ledger"
	"bettercal/internal/storage"
	"bettercal/internal/task/scheduler"
	logx "bettercal/pkg/logx"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type countingStore struct {
	mu     sync.Mutex
	writes int
}

func (s *countingStore) ReadDocument(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}
func (s *countingStore) WriteDocument(context.Context, string, []byte) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}
func (s *countingStore) AppendDispatch(context.Context, storage.DispatchRecord) error { return nil }
func (s *countingStore) Close() error                                                 { return nil }

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fakeSender struct {
	reqs []dispatch.Request
	err  error
}

func (f *fakeSender) Send(_ context.Context, req dispatch.Request) (string, error) {
	f.reqs = append(f.reqs, req)
	return "notify", f.err
}

func add(t *testing.T, l *ledger.Ledger, p ledger.AddParams) string {
	t.Helper()
	id, err := l.Add(context.Background(), p)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return id
}

func TestOffsetDesc(t *testing.T) {
	t.Parallel()

	cases := []struct {
		minutes int
		want    string
	}{
		{0, "in 0 minutes"},
		{30, "in 30 minutes"},
		{60, "in 1 hour"},
		{90, "in 1h 30m"},
		{120, "in 2 hours"},
		{1439, "in 23h 59m"},
		{1440, "in 1 day"},
		{1500, "in 1 day"},
		{2880, "in 2 days"},
		{7200, "in 5 days"},
		{10080, "in 1 week"},
		{14400, "in 10 days"},
		{21600, "in 15 days"},
		{43199, "in 15 days"},
		{43200, "in 1 month"},
	}
	for _, tc := range cases {
		if got := OffsetDesc(tc.minutes); got != tc.want {
			t.Fatalf("OffsetDesc(%d) = %q, want %q", tc.minutes, got, tc.want)
		}
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()

	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	r := ledger.Record{EventSummary: "Dentist", EventStart: "2026-05-04T07:30:00Z", Channel: ledger.ChannelPush, OffsetMinutes: 30}
	if got, want := Message(r, rome), "📅 Reminder: 'Dentist' starts in 30 minutes (at 09:30)"; got != want {
		t.Fatalf("Message(push) = %q, want %q", got, want)
	}

	r.Channel = ledger.ChannelAlexa
	if got, want := Message(r, time.UTC), "Attention! The event 'Dentist' starts in 30 minutes, at 07:30"; got != want {
		t.Fatalf("Message(alexa) = %q, want %q", got, want)
	}

	r.CustomMessageAlexa = "{event_summary} on {event_date} {unknown}"
	if got, want := Message(r, rome), "Dentist on 04/05/2026 {unknown}"; got != want {
		t.Fatalf("Message(custom) = %q, want %q", got, want)
	}

	allDay := ledger.Record{EventSummary: "Trip", EventStart: "2026-05-04", Channel: ledger.ChannelPush, OffsetMinutes: 1440,
		CustomMessagePush: "{event_date}"}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	if got := Message(allDay, ny); got != "04/05/2026" {
		t.Fatalf("Message(all-day) = %q, want %q", got, "04/05/2026")
	}
}

func TestTickFiresExactMinuteAndRemoves(t *testing.T) {
	t.Parallel()

	l := ledger.Open(context.Background(), nil, "n.json", logx.Nop(), ledger.WithClock(func() time.Time { return base }))
	due := add(t, l, ledger.AddParams{EventID: "e1", EventSummary: "Standup", EventStart: "2026-05-04T10:30:00Z", Channel: ledger.ChannelPush, OffsetMinutes: 30})
	later := add(t, l, ledger.AddParams{EventID: "e1", EventSummary: "Standup", EventStart: "2026-05-04T10:30:00Z", Channel: ledger.ChannelAlexa, OffsetMinutes: 29})
	off := add(t, l, ledger.AddParams{EventID: "e2", EventSummary: "Gym", EventStart: "2026-05-04T10:15:00Z", Channel: ledger.ChannelPush, OffsetMinutes: 15})
	l.Toggle(context.Background(), off)

	s := &fakeSender{err: errors.New("boom")}
	c := NewClock(l, s, time.UTC, logx.Nop())
	if n := c.Tick(context.Background(), base.Add(42*time.Second)); n != 1 {
		t.Fatalf("Tick() = %d, want 1", n)
	}
	if len(s.reqs) != 1 || s.reqs[0].NotificationID != due || s.reqs[0].Target != ledger.TargetAuto {
		t.Fatalf("requests = %+v", s.reqs)
	}
	if s.reqs[0].Message != "📅 Reminder: 'Standup' starts in 30 minutes (at 10:30)" {
		t.Fatalf("message = %q", s.reqs[0].Message)
	}
	if _, ok := l.Get(due); ok {
		t.Fatalf("due record kept after failed attempt")
	}
	if _, ok := l.Get(later); !ok {
		t.Fatalf("record due next minute was removed")
	}
	if _, ok := l.Get(off); !ok {
		t.Fatalf("disabled record was removed")
	}

	// The minute after: the 29-minute reminder fires; nothing catches up.
	if n := c.Tick(context.Background(), base.Add(time.Minute)); n != 1 {
		t.Fatalf("second Tick() = %d, want 1", n)
	}
	if n := c.Tick(context.Background(), base.Add(time.Minute)); n != 0 {
		t.Fatalf("repeated Tick() = %d, want 0", n)
	}
}

func TestTickOnlyAtFireMinute(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	l := ledger.Open(context.Background(), nil, "n.json", logx.Nop(), ledger.WithClock(func() time.Time { return now }))
	id := add(t, l, ledger.AddParams{EventID: "standup", EventSummary: "Standup", EventStart: "2025-01-10T09:00:00Z", Channel: ledger.ChannelPush, OffsetMinutes: 15})

	s := &fakeSender{}
	c := NewClock(l, s, time.UTC, logx.Nop())
	for _, at := range []time.Time{
		time.Date(2025, 1, 10, 8, 44, 0, 0, time.UTC),
		time.Date(2025, 1, 10, 8, 46, 0, 0, time.UTC),
	} {
		if n := c.Tick(context.Background(), at); n != 0 {
			t.Fatalf("Tick(%s) = %d, want 0", at.Format("15:04"), n)
		}
		if _, ok := l.Get(id); !ok {
			t.Fatalf("record removed by tick at %s", at.Format("15:04"))
		}
	}
	if n := c.Tick(context.Background(), time.Date(2025, 1, 10, 8, 45, 0, 0, time.UTC)); n != 1 {
		t.Fatalf("Tick(08:45) = %d, want 1", n)
	}
	if len(s.reqs) != 1 || s.reqs[0].NotificationID != id {
		t.Fatalf("requests = %+v", s.reqs)
	}
	if _, ok := l.Get(id); ok {
		t.Fatalf("record kept after 08:45 tick")
	}
}

// cancellingSender cancels the tick context during its first send.
type cancellingSender struct {
	cancel  context.CancelFunc
	sends   int
	ctxErrs int
}

func (c *cancellingSender) Send(ctx context.Context, _ dispatch.Request) (string, error) {
	c.sends++
	if c.sends == 1 {
		c.cancel()
	}
	if ctx.Err() != nil {
		c.ctxErrs++
	}
	return "notify", nil
}

func TestTickCompletesAfterCancel(t *testing.T) {
	t.Parallel()

	l := ledger.Open(context.Background(), nil, "n.json", logx.Nop(), ledger.WithClock(func() time.Time { return base }))
	for _, ev := range []string{"e1", "e2", "e3"} {
		add(t, l, ledger.AddParams{EventID: ev, EventSummary: "Standup", EventStart: "2026-05-04T10:30:00Z", Channel: ledger.ChannelPush, OffsetMinutes: 30})
	}
	if got := len(l.All()); got != 3 {
		t.Fatalf("ledger = %d records, want 3", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &cancellingSender{cancel: cancel}
	c := NewClock(l, s, time.UTC, logx.Nop())

	if n := c.Tick(ctx, base); n != 3 {
		t.Fatalf("Tick() = %d, want 3", n)
	}
	if s.sends != 3 || s.ctxErrs != 0 {
		t.Fatalf("sends = %d, cancelled sends = %d; want 3, 0", s.sends, s.ctxErrs)
	}
	if left := len(l.All()); left != 0 {
		t.Fatalf("left in ledger = %d, want 0", left)
	}
}

func TestExpiryReason(t *testing.T) {
	t.Parallel()

	created := base.Format(time.RFC3339)
	cases := []struct {
		name string
		r    ledger.Record
		want string
	}{
		{name: "future", r: ledger.Record{EventStart: "2026-05-05T10:00:00Z", OffsetMinutes: 60, CreatedAt: created}, want: ""},
		{name: "started", r: ledger.Record{EventStart: "2026-05-04T09:59:00Z", OffsetMinutes: 0, CreatedAt: created}, want: ReasonStarted},
		{name: "stale", r: ledger.Record{EventStart: "2026-05-05T10:00:00Z", OffsetMinutes: 9 * 1440, CreatedAt: created}, want: ReasonStale},
		{name: "missed", r: ledger.Record{EventStart: "2026-05-05T10:00:00Z", OffsetMinutes: 27 * 60, CreatedAt: created}, want: ReasonMissed},
		{name: "missed within band", r: ledger.Record{EventStart: "2026-05-05T10:00:00Z", OffsetMinutes: 25 * 60, CreatedAt: created}, want: ""},
		{name: "unparseable recent", r: ledger.Record{EventStart: "soon", CreatedAt: created}, want: ""},
		{name: "unparseable old", r: ledger.Record{EventStart: "soon", CreatedAt: base.Add(-8 * 24 * time.Hour).Format(time.RFC3339)}, want: ReasonUnparseable},
		{name: "unparseable no created_at", r: ledger.Record{EventStart: "soon", CreatedAt: "yesterday"}, want: ReasonUnparseable},
	}
	for _, tc := range cases {
		if got := ExpiryReason(tc.r, base); got != tc.want {
			t.Fatalf("%s: ExpiryReason() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSweepPersistsOnlyOnRemoval(t *testing.T) {
	t.Parallel()

	st := &countingStore{}
	created := base.Add(-10 * 24 * time.Hour)
	l := ledger.Open(context.Background(), st, "n.json", logx.Nop(), ledger.WithClock(func() time.Time { return created }))
	keep := add(t, l, ledger.AddParams{EventID: "e1", EventStart: "2026-05-06T10:00:00Z", Channel: ledger.ChannelPush, OffsetMinutes: 60})
	writes := st.count()

	sw := NewSweeper(l, logx.Nop())
	if n := sw.Sweep(context.Background(), base); n != 0 {
		t.Fatalf("Sweep() = %d, want 0", n)
	}
	if st.count() != writes {
		t.Fatalf("Sweep() wrote the ledger with nothing removed")
	}

	gone := add(t, l, ledger.AddParams{EventID: "e2", EventStart: "not a date", Channel: ledger.ChannelPush})
	if n := sw.Sweep(context.Background(), base); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if st.count() != writes+2 {
		t.Fatalf("writes = %d, want %d", st.count(), writes+2)
	}
	if _, ok := l.Get(gone); ok {
		t.Fatalf("unparseable old record kept")
	}
	if _, ok := l.Get(keep); !ok {
		t.Fatalf("future record removed")
	}
}

type captureScheduler struct {
	jobs map[string]scheduler.Job
	opts map[string]scheduler.TaskOptions
	spec map[string]string
}

func (c *captureScheduler) AddScheduleOpt(name, schedule string, _ time.Duration, opt scheduler.TaskOptions, job scheduler.Job) error {
	c.jobs[name], c.opts[name], c.spec[name] = job, opt, schedule
	return nil
}

func TestRegisterUsesTriggerTime(t *testing.T) {
	t.Parallel()

	l := ledger.Open(context.Background(), nil, "n.json", logx.Nop(), ledger.WithClock(func() time.Time { return base }))
	id := add(t, l, ledger.AddParams{EventID: "e1", EventSummary: "x", EventStart: "2026-05-04T11:00:00Z", Channel: ledger.ChannelPush, OffsetMinutes: 60})

	cs := &captureScheduler{jobs: map[string]scheduler.Job{}, opts: map[string]scheduler.TaskOptions{}, spec: map[string]string{}}
	s := &fakeSender{}
	if err := Register(cs, NewClock(l, s, time.UTC, logx.Nop()), NewSweeper(l, logx.Nop()), "", ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if cs.spec[TickTask] != DefaultTickSchedule || cs.spec[CleanupTask] != DefaultCleanupSchedule {
		t.Fatalf("specs = %v", cs.spec)
	}
	if o := cs.opts[TickTask]; o.Overlap != scheduler.OverlapSkipIfRunning || o.RetryMax >= 0 {
		t.Fatalf("tick options = %+v", o)
	}

	ctx := scheduler.WithTriggerTime(context.Background(), base)
	if err := cs.jobs[TickTask](ctx); err != nil {
		t.Fatalf("tick job error = %v", err)
	}
	if len(s.reqs) != 1 || s.reqs[0].NotificationID != id {
		t.Fatalf("requests = %+v", s.reqs)
	}
}
