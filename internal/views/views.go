// Package views derives read-only projections from the event snapshot and
// the notification ledger. Nothing here has state of its own.
package views

import (
	"sort"
	"time"

	"bettercal/internal/calendar"
	"bettercal/internal/ledger"
)

const (
	upcomingHorizon = 7 * 24 * time.Hour
	listLimit       = 10
)

type Options struct {
	// Location decides which calendar day a timed event falls on.
	Location *time.Location
	// CalendarNames maps calendar ids to display names.
	CalendarNames map[string]string
	// Records feeds the notifications view. Nil leaves it empty.
	Records map[string]ledger.Record
}

type EventView struct {
	UID          string `json:"uid"`
	Summary      string `json:"summary"`
	Description  string `json:"description,omitempty"`
	Location     string `json:"location,omitempty"`
	CalendarID   string `json:"calendar_id"`
	CalendarName string `json:"calendar_name"`
	Start        string `json:"start"`
	End          string `json:"end"`
	// StartDate is "02/01/2006" and StartTime "15:04" in the view
	// location; StartTime is "all day" for all-day events.
	StartDate     string `json:"start_date"`
	StartTime     string `json:"start_time"`
	AllDay        bool   `json:"all_day"`
	Notifications int    `json:"notifications"`
}

type DayView struct {
	Date   string      `json:"date"`
	Count  int         `json:"count"`
	Events []EventView `json:"events"`
}

type WeekView struct {
	WeekStart string      `json:"week_start"`
	WeekEnd   string      `json:"week_end"`
	Count     int         `json:"count"`
	Events    []EventView `json:"events"`
}

type ListView struct {
	Count  int         `json:"count"`
	Events []EventView `json:"events"`
}

type SummaryView struct {
	Total         int       `json:"total"`
	Calendars     []string  `json:"calendars"`
	CalendarNames []string  `json:"calendar_names"`
	LastUpdated   time.Time `json:"last_updated"`
}

type NotificationView struct {
	ID                       string `json:"id"`
	EventID                  string `json:"event_id"`
	EventSummary             string `json:"event_summary"`
	EventStart               string `json:"event_start"`
	Channel                  string `json:"channel"`
	OffsetMinutes            int    `json:"offset_minutes"`
	Target                   string `json:"target"`
	NotificationTime         string `json:"notification_time"`
	MinutesUntilNotification int    `json:"minutes_until_notification"`
	Enabled                  bool   `json:"enabled"`
}

type NotificationsView struct {
	Count         int                `json:"count"`
	ActiveCount   int                `json:"active_count"`
	UpcomingCount int                `json:"upcoming_count"`
	Notifications []NotificationView `json:"notifications"`
}

type Views struct {
	GeneratedAt   time.Time         `json:"generated_at"`
	Yesterday     DayView           `json:"yesterday"`
	Today         DayView           `json:"today"`
	Tomorrow      DayView           `json:"tomorrow"`
	ThisWeek      WeekView          `json:"this_week"`
	Upcoming      ListView          `json:"upcoming"`
	Summary       SummaryView       `json:"summary"`
	Notifications NotificationsView `json:"notifications"`
}

type entry struct {
	ev    calendar.Event
	start time.Time
}

// Build computes every view at now.
func Build(snap calendar.Snapshot, now time.Time, opts Options) Views {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	ids := make([]string, 0, len(snap.Events))
	for id := range snap.Events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var all []entry
	for _, id := range ids {
		for _, ev := range snap.Events[id] {
			all = append(all, entry{ev: ev, start: ev.Start.In(loc)})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].start.Before(all[j].start) })

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	v := Views{
		GeneratedAt:   now,
		Yesterday:     day(all, today.AddDate(0, 0, -1), opts),
		Today:         day(all, today, opts),
		Tomorrow:      day(all, today.AddDate(0, 0, 1), opts),
		ThisWeek:      week(all, today, opts),
		Upcoming:      upcoming(all, now, opts),
		Notifications: Notifications(opts.Records, now),
	}

	v.Summary = SummaryView{Total: len(all), Calendars: ids, CalendarNames: make([]string, 0, len(ids)), LastUpdated: snap.LastUpdated}
	for _, id := range ids {
		v.Summary.CalendarNames = append(v.Summary.CalendarNames, calendarName(opts, id))
	}
	return v
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func day(all []entry, date time.Time, opts Options) DayView {
	out := DayView{Date: date.Format(time.DateOnly), Events: []EventView{}}
	for _, e := range all {
		if sameDay(e.start, date) {
			out.Events = append(out.Events, toView(e, opts))
		}
	}
	out.Count = len(out.Events)
	return out
}

// week covers Monday through Sunday of the week containing today.
func week(all []entry, today time.Time, opts Options) WeekView {
	offset := (int(today.Weekday()) + 6) % 7
	start := today.AddDate(0, 0, -offset)
	end := start.AddDate(0, 0, 7)
	out := WeekView{
		WeekStart: start.Format(time.DateOnly),
		WeekEnd:   end.AddDate(0, 0, -1).Format(time.DateOnly),
		Events:    []EventView{},
	}
	for _, e := range all {
		if e.start.Before(start) || !e.start.Before(end) {
			continue
		}
		out.Count++
		if len(out.Events) < listLimit {
			out.Events = append(out.Events, toView(e, opts))
		}
	}
	return out
}

// upcoming lists events starting in [now, now+7d], soonest first.
func upcoming(all []entry, now time.Time, opts Options) ListView {
	end := now.Add(upcomingHorizon)
	out := ListView{Events: []EventView{}}
	for _, e := range all {
		if e.start.Before(now) || e.start.After(end) {
			continue
		}
		out.Count++
		if len(out.Events) < listLimit {
			out.Events = append(out.Events, toView(e, opts))
		}
	}
	return out
}

// Notifications lists parseable records by fire time. Count includes
// records that could not be parsed.
func Notifications(records map[string]ledger.Record, now time.Time) NotificationsView {
	out := NotificationsView{Count: len(records), Notifications: []NotificationView{}}
	type item struct {
		v    NotificationView
		fire time.Time
	}
	items := make([]item, 0, len(records))
	for id, r := range records {
		fire, err := r.FireAt()
		if err != nil {
			continue
		}
		items = append(items, item{fire: fire, v: NotificationView{
			ID:                       id,
			EventID:                  r.EventID,
			EventSummary:             r.EventSummary,
			EventStart:               r.EventStart,
			Channel:                  string(r.Channel),
			OffsetMinutes:            r.OffsetMinutes,
			Target:                   r.Target,
			NotificationTime:         fire.Format(time.RFC3339),
			MinutesUntilNotification: int(fire.Sub(now) / time.Minute),
			Enabled:                  r.Enabled,
		}})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].fire.Equal(items[j].fire) {
			return items[i].fire.Before(items[j].fire)
		}
		return items[i].v.ID < items[j].v.ID
	})
	for _, it := range items {
		if it.v.Enabled {
			out.ActiveCount++
		}
		if it.v.MinutesUntilNotification > 0 {
			out.UpcomingCount++
		}
		out.Notifications = append(out.Notifications, it.v)
	}
	return out
}

func toView(e entry, opts Options) EventView {
	v := EventView{
		UID:           e.ev.UID,
		Summary:       e.ev.Summary,
		Description:   e.ev.Description,
		Location:      e.ev.Location,
		CalendarID:    e.ev.CalendarID,
		CalendarName:  calendarName(opts, e.ev.CalendarID),
		Start:         e.ev.Start.String(),
		End:           e.ev.End.String(),
		AllDay:        e.ev.AllDay,
		Notifications: len(e.ev.Notifications),
		StartDate:     e.start.Format("02/01/2006"),
		StartTime:     "all day",
	}
	if !e.ev.AllDay {
		v.StartTime = e.start.Format("15:04")
	}
	return v
}

func calendarName(opts Options, id string) string {
	if n := opts.CalendarNames[id]; n != "" {
		return n
	}
	return id
}
