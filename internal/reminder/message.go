package reminder

import (
	"fmt"
	"strings"
	"time"

	"bettercal/internal/ledger"
)

const (
	DefaultPushTemplate  = "📅 Reminder: '{event_summary}' starts {offset_desc} (at {event_time})"
	DefaultAlexaTemplate = "Attention! The event '{event_summary}' starts {offset_desc}, at {event_time}"
)

// OffsetDesc turns a reminder offset into a coarse phrase.
func OffsetDesc(minutes int) string {
	switch {
	case minutes >= 43200:
		return "in 1 month"
	case minutes >= 21600:
		return "in 15 days"
	case minutes >= 14400:
		return "in 10 days"
	case minutes >= 10080:
		return "in 1 week"
	case minutes >= 7200:
		return "in 5 days"
	case minutes >= 2880:
		return "in 2 days"
	case minutes >= 1440:
		return "in 1 day"
	case minutes >= 60:
		h, m := minutes/60, minutes%60
		if m != 0 {
			return fmt.Sprintf("in %dh %dm", h, m)
		}
		if h == 1 {
			return "in 1 hour"
		}
		return fmt.Sprintf("in %d hours", h)
	default:
		return fmt.Sprintf("in %d minutes", minutes)
	}
}

// Message renders the text for r: its custom template for the channel, or
// the default one. Timed starts are shown in loc; date-only starts are
// shown as stored.
func Message(r ledger.Record, loc *time.Location) string {
	tmpl := DefaultPushTemplate
	custom := r.CustomMessagePush
	if r.Channel == ledger.ChannelAlexa {
		tmpl, custom = DefaultAlexaTemplate, r.CustomMessageAlexa
	}
	if strings.TrimSpace(custom) != "" {
		tmpl = custom
	}
	return Render(tmpl, r, loc)
}

// Render substitutes {event_summary}, {offset_desc}, {event_time} and
// {event_date}. Unknown placeholders are left as they are.
func Render(tmpl string, r ledger.Record, loc *time.Location) string {
	eventTime, eventDate := "", ""
	if start, err := r.Start(); err == nil {
		if loc != nil && strings.Contains(r.EventStart, "T") {
			start = start.In(loc)
		}
		eventTime, eventDate = start.Format("15:04"), start.Format("02/01/2006")
	}
	return strings.NewReplacer(
		"{event_summary}", r.EventSummary,
		"{offset_desc}", OffsetDesc(r.OffsetMinutes),
		"{event_time}", eventTime,
		"{event_date}", eventDate,
	).Replace(tmpl)
}
