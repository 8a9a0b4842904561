package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type TimeKind uint8

const (
	KindAllDay TimeKind = iota + 1
	KindTimed
)

func (k TimeKind) String() string {
	switch k {
	case KindAllDay:
		return "all_day"
	case KindTimed:
		return "timed"
	default:
		return "unset"
	}
}

// EventTime is either a calendar date (all-day) or a UTC instant with
// minute precision. The zero value is unset.
type EventTime struct {
	kind TimeKind
	t    time.Time // all-day: midnight UTC of the date
}

// AllDay returns the all-day value for the calendar date of t in its own
// location.
func AllDay(t time.Time) EventTime {
	y, m, d := t.Date()
	return EventTime{kind: KindAllDay, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Timed returns t in UTC truncated to the minute.
func Timed(t time.Time) EventTime {
	return EventTime{kind: KindTimed, t: t.UTC().Truncate(time.Minute)}
}

func (e EventTime) Kind() TimeKind { return e.kind }
func (e EventTime) IsZero() bool   { return e.kind == 0 }
func (e EventTime) IsAllDay() bool { return e.kind == KindAllDay }

// Instant is the UTC instant for timed values and midnight UTC for dates.
func (e EventTime) Instant() time.Time { return e.t }

// In places the value in loc. All-day dates become local midnight.
func (e EventTime) In(loc *time.Location) time.Time {
	if e.kind == KindAllDay {
		y, m, d := e.t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return e.t.In(loc)
}

// Date is the calendar date the value falls on in loc.
func (e EventTime) Date(loc *time.Location) (int, time.Month, int) {
	return e.In(loc).Date()
}

// Compare orders values by Instant.
func (e EventTime) Compare(o EventTime) int { return e.t.Compare(o.t) }

// String renders "2006-01-02" for dates and RFC 3339 UTC for instants.
func (e EventTime) String() string {
	switch e.kind {
	case KindAllDay:
		return e.t.Format(time.DateOnly)
	case KindTimed:
		return e.t.Format(time.RFC3339)
	}
	return ""
}

type wireTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
}

func (e EventTime) MarshalJSON() ([]byte, error) {
	switch e.kind {
	case KindAllDay:
		return json.Marshal(wireTime{Date: e.String()})
	case KindTimed:
		return json.Marshal(wireTime{DateTime: e.String()})
	}
	return []byte("null"), nil
}

func (e *EventTime) UnmarshalJSON(b []byte) error {
	var raw RawTime
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.IsZero() {
		*e = EventTime{}
		return nil
	}
	v, err := ParseRawTime(raw)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// RawTime is a start or end as providers deliver it: a bare ISO-8601
// string, or an object with a "date" or "dateTime" key.
type RawTime struct {
	Value    string
	Date     string
	DateTime string
}

func (r RawTime) IsZero() bool { return r.Value == "" && r.Date == "" && r.DateTime == "" }

func (r *RawTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = RawTime{Value: s}
		return nil
	}
	var w wireTime
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("time must be a string or {date|dateTime}: %w", err)
	}
	*r = RawTime{Date: w.Date, DateTime: w.DateTime}
	return nil
}

func (r RawTime) MarshalJSON() ([]byte, error) {
	if r.Value != "" {
		return json.Marshal(r.Value)
	}
	return json.Marshal(wireTime{Date: r.Date, DateTime: r.DateTime})
}

var errEmptyTime = errors.New("empty time")

var localDateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseRawTime is the single entry point from provider values to
// EventTime. A dateTime key or a "T" in the value means timed.
func ParseRawTime(r RawTime) (EventTime, error) {
	switch {
	case r.DateTime != "":
		return parseTimed(r.DateTime)
	case r.Date != "":
		return parseDate(r.Date)
	case strings.Contains(r.Value, "T"):
		return parseTimed(r.Value)
	case r.Value != "":
		return parseDate(r.Value)
	}
	return EventTime{}, errEmptyTime
}

func parseTimed(s string) (EventTime, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timed(t), nil
	}
	for _, layout := range localDateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Timed(t), nil
		}
	}
	return EventTime{}, fmt.Errorf("parse date-time %q", s)
}

func parseDate(s string) (EventTime, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return EventTime{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return AllDay(t), nil
}
