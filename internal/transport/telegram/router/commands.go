package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"bettercal/internal/control"
	"bettercal/internal/ledger"
	"bettercal/internal/views"
)

var errUsage = errors.New("usage")

func usageError(u string) error { return fmt.Errorf("%w: %s", errUsage, u) }

func (r *Router) calendarCommands() []Command {
	view := func(render func(views.Views) string) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			v, err := r.cal.Views(ctx, r.now())
			if err != nil {
				return err
			}
			return r.reply(ctx, req, render(v))
		}
	}
	return []Command{
		{
			Name:        "today",
			Description: "events today",
			Timeout:     10 * time.Second,
			Handle:      view(func(v views.Views) string { return renderDay("Today", v.Today) }),
		},
		{
			Name:        "tomorrow",
			Description: "events tomorrow",
			Timeout:     10 * time.Second,
			Handle:      view(func(v views.Views) string { return renderDay("Tomorrow", v.Tomorrow) }),
		},
		{
			Name:        "week",
			Description: "events this week",
			Timeout:     10 * time.Second,
			Handle:      view(func(v views.Views) string { return renderWeek(v.ThisWeek) }),
		},
		{
			Name:        "upcoming",
			Aliases:     []string{"next"},
			Description: "events in the next 7 days",
			Timeout:     10 * time.Second,
			Handle:      view(func(v views.Views) string { return renderList("Upcoming", v.Upcoming) }),
		},
		{
			Name:        "notifications",
			Aliases:     []string{"reminders"},
			Description: "scheduled reminders",
			Usage:       "/notifications [event_id]",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				v, err := r.cal.Views(ctx, r.now())
				if err != nil {
					return err
				}
				eventID := ""
				if len(req.Args) > 0 {
					eventID = req.Args[0]
				}
				return r.reply(ctx, req, renderNotifications(v.Notifications, eventID))
			},
		},
		{
			Name:        "refresh",
			Description: "reload calendars now",
			Timeout:     60 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				if err := r.cal.ForceUpdateCalendars(ctx); err != nil {
					return err
				}
				return r.reply(ctx, req, "🔄 Calendars refreshed")
			},
		},
		{
			Name:        "remind",
			Description: "add a reminder",
			Usage:       "/remind <event_id> <push|alexa> <minutes> [target]",
			Timeout:     10 * time.Second,
			Handle:      r.remind,
		},
		{
			Name:        "unremind",
			Description: "remove a reminder",
			Usage:       "/unremind <notification_id>",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return usageError("/unremind <notification_id>")
				}
				if !r.cal.RemoveNotification(ctx, req.Args[0]) {
					return errors.New("reminder not found")
				}
				return r.reply(ctx, req, "🗑 Reminder removed")
			},
		},
		{
			Name:        "snooze",
			Description: "remind again before the event",
			Usage:       "/snooze <event_id> [minutes]",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) < 1 || len(req.Args) > 2 {
					return usageError("/snooze <event_id> [minutes]")
				}
				minutes := control.DefaultSnoozeMinutes
				if len(req.Args) == 2 {
					n, err := strconv.Atoi(req.Args[1])
					if err != nil || n <= 0 {
						return usageError("minutes must be a positive number")
					}
					minutes = n
				}
				if _, err := r.cal.SnoozeEvent(ctx, req.Args[0], minutes); err != nil {
					return err
				}
				return r.reply(ctx, req, fmt.Sprintf("⏰ Snoozed for %d minutes", minutes))
			},
		},
		{
			Name:        "done",
			Description: "mark an event done",
			Usage:       "/done <event_id>",
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return usageError("/done <event_id>")
				}
				r.cal.MarkEventDone(ctx, req.Args[0])
				return r.reply(ctx, req, "✅ Marked done")
			},
		},
	}
}

func (r *Router) remind(ctx context.Context, req *Request) error {
	const usage = "/remind <event_id> <push|alexa> <minutes> [target]"
	if len(req.Args) < 3 || len(req.Args) > 4 {
		return usageError(usage)
	}
	ch, err := ledger.ParseChannel(req.Args[1])
	if err != nil {
		return usageError(usage)
	}
	offset, err := strconv.Atoi(req.Args[2])
	if err != nil {
		return usageError("minutes must be a number")
	}
	target := ledger.TargetAuto
	if len(req.Args) == 4 {
		target = req.Args[3]
	}

	snap, err := r.cal.Snapshot(ctx)
	if err != nil {
		return err
	}
	ev, ok := snap.Find(req.Args[0])
	if !ok {
		return fmt.Errorf("event %q not found", req.Args[0])
	}
	id, err := r.cal.AddNotification(ctx, ledger.AddParams{
		EventID:       ev.UID,
		EventSummary:  ev.Summary,
		EventStart:    ev.Start.String(),
		Channel:       ch,
		OffsetMinutes: offset,
		Target:        target,
	})
	if err != nil {
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("🔔 Reminder added for <b>%s</b>\n<code>%s</code>", html.EscapeString(ev.Summary), html.EscapeString(id)))
}

func writeEvent(b *strings.Builder, e views.EventView, withDate bool) {
	b.WriteString("• ")
	if withDate {
		b.WriteString(e.StartDate)
		b.WriteString(" ")
	}
	b.WriteString(e.StartTime)
	b.WriteString(" <b>")
	b.WriteString(html.EscapeString(e.Summary))
	b.WriteString("</b>")
	if e.CalendarName != "" {
		fmt.Fprintf(b, " <i>(%s)</i>", html.EscapeString(e.CalendarName))
	}
	if e.Notifications > 0 {
		fmt.Fprintf(b, " 🔔%d", e.Notifications)
	}
	fmt.Fprintf(b, "\n  <code>%s</code>\n", html.EscapeString(e.UID))
}

func renderDay(title string, d views.DayView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>📅 %s</b> (%s)\n", title, html.EscapeString(d.Date))
	if d.Count == 0 {
		b.WriteString("No events.")
		return b.String()
	}
	for _, e := range d.Events {
		writeEvent(&b, e, false)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderWeek(w views.WeekView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>🗓 This week</b> (%s – %s)\n", html.EscapeString(w.WeekStart), html.EscapeString(w.WeekEnd))
	if w.Count == 0 {
		b.WriteString("No events.")
		return b.String()
	}
	for _, e := range w.Events {
		writeEvent(&b, e, true)
	}
	if more := w.Count - len(w.Events); more > 0 {
		fmt.Fprintf(&b, "… and %d more\n", more)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderList(title string, l views.ListView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>⏭ %s</b>\n", title)
	if l.Count == 0 {
		b.WriteString("No events.")
		return b.String()
	}
	for _, e := range l.Events {
		writeEvent(&b, e, true)
	}
	if more := l.Count - len(l.Events); more > 0 {
		fmt.Fprintf(&b, "… and %d more\n", more)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderNotifications(n views.NotificationsView, eventID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>🔔 Reminders</b> (%d active, %d upcoming)\n", n.ActiveCount, n.UpcomingCount)
	shown := 0
	for _, v := range n.Notifications {
		if eventID != "" && v.EventID != eventID {
			continue
		}
		state := ""
		if !v.Enabled {
			state = " (off)"
		}
		fmt.Fprintf(&b, "• <b>%s</b> %s, %dm before%s\n  %s <code>%s</code>\n",
			html.EscapeString(v.EventSummary),
			v.Channel,
			v.OffsetMinutes,
			state,
			html.EscapeString(v.NotificationTime),
			html.EscapeString(v.ID),
		)
		shown++
	}
	if shown == 0 {
		b.WriteString("None scheduled.")
	}
	return strings.TrimRight(b.String(), "\n")
}
