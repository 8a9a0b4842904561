package views

import (
	"testing"
	"time"

	"bettercal/internal/calendar"
	"bettercal/internal/ledger"
)

func timed(uid, cal, s string) calendar.Event {
	t, _ := time.Parse(time.RFC3339, s)
	return calendar.Event{UID: uid, Summary: uid, CalendarID: cal, Start: calendar.Timed(t), End: calendar.Timed(t.Add(time.Hour))}
}

func allDay(uid, cal, s string) calendar.Event {
	d, _ := time.Parse(time.DateOnly, s)
	return calendar.Event{UID: uid, Summary: uid, CalendarID: cal, AllDay: true, Start: calendar.AllDay(d), End: calendar.AllDay(d.AddDate(0, 0, 1))}
}

func uids(evs []EventView) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.UID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBuild(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CEST", 2*3600)
	now := time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC) // Wednesday, 12:00 local
	snap := calendar.Snapshot{
		LastUpdated: now,
		Events: map[string][]calendar.Event{
			"work": {
				timed("e1", "work", "2026-05-06T09:00:00Z"),
				timed("e2", "work", "2026-05-06T22:30:00Z"),
				timed("e5", "work", "2026-05-20T09:00:00Z"),
			},
			"family": {
				allDay("e3", "family", "2026-05-05"),
				allDay("e4", "family", "2026-05-11"),
			},
		},
	}
	v := Build(snap, now, Options{Location: loc, CalendarNames: map[string]string{"family": "Family"}})

	cases := []struct {
		name string
		got  []string
		want []string
	}{
		{"yesterday", uids(v.Yesterday.Events), []string{"e3"}},
		{"today", uids(v.Today.Events), []string{"e1"}},
		{"tomorrow", uids(v.Tomorrow.Events), []string{"e2"}},
		{"this_week", uids(v.ThisWeek.Events), []string{"e3", "e1", "e2"}},
		{"upcoming", uids(v.Upcoming.Events), []string{"e2", "e4"}},
	}
	for _, tc := range cases {
		if !equal(tc.got, tc.want) {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
	if v.Today.Date != "2026-05-06" || v.ThisWeek.WeekStart != "2026-05-04" || v.ThisWeek.WeekEnd != "2026-05-10" {
		t.Fatalf("dates = %s %s %s", v.Today.Date, v.ThisWeek.WeekStart, v.ThisWeek.WeekEnd)
	}
	if v.Summary.Total != 5 || !equal(v.Summary.Calendars, []string{"family", "work"}) || !equal(v.Summary.CalendarNames, []string{"Family", "work"}) {
		t.Fatalf("summary = %+v", v.Summary)
	}
	if got := v.Tomorrow.Events[0].StartTime; got != "00:30" {
		t.Fatalf("tomorrow start_time = %q, want 00:30", got)
	}
	if got := v.Yesterday.Events[0].StartTime; got != "all day" {
		t.Fatalf("all-day start_time = %q", got)
	}
}

func TestUpcomingLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC)
	var evs []calendar.Event
	for i := 0; i < 12; i++ {
		evs = append(evs, timed(string(rune('a'+i)), "c", now.Add(time.Duration(i+1)*time.Hour).Format(time.RFC3339)))
	}
	v := Build(calendar.Snapshot{Events: map[string][]calendar.Event{"c": evs}}, now, Options{Location: time.UTC})
	if v.Upcoming.Count != 12 || len(v.Upcoming.Events) != listLimit || v.Upcoming.Events[0].UID != "a" {
		t.Fatalf("upcoming = %d events, count %d", len(v.Upcoming.Events), v.Upcoming.Count)
	}
}

func TestNotifications(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC)
	records := map[string]ledger.Record{
		"r1": {ID: "r1", EventStart: "2026-05-06T11:00:00Z", OffsetMinutes: 30, Channel: ledger.ChannelPush, Enabled: true},
		"r2": {ID: "r2", EventStart: "bad", Enabled: true},
		"r3": {ID: "r3", EventStart: "2026-05-06T10:00:00Z", OffsetMinutes: 30, Channel: ledger.ChannelAlexa},
	}
	v := Notifications(records, now)
	if v.Count != 3 || len(v.Notifications) != 2 {
		t.Fatalf("count = %d list = %d, want 3 and 2", v.Count, len(v.Notifications))
	}
	if v.Notifications[0].ID != "r3" || v.Notifications[0].MinutesUntilNotification != -30 {
		t.Fatalf("first = %+v", v.Notifications[0])
	}
	if v.Notifications[1].NotificationTime != "2026-05-06T10:30:00Z" || v.Notifications[1].MinutesUntilNotification != 30 {
		t.Fatalf("second = %+v", v.Notifications[1])
	}
	if v.ActiveCount != 1 || v.UpcomingCount != 1 {
		t.Fatalf("active = %d upcoming = %d, want 1 and 1", v.ActiveCount, v.UpcomingCount)
	}
}
