package ics

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"bettercal/internal/calendar"
)

const maxOccurrencesPerEvent = 2000

// expand turns parsed VEVENTs into raw events overlapping [from, to).
// Recurring series are expanded with their EXDATEs and RECURRENCE-ID
// overrides applied; each instance gets the UID "<uid>_<start>".
func expand(events []vevent, from, to time.Time) ([]calendar.RawEvent, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("expand: window end %v before start %v", to, from)
	}
	overrides := map[string][]vevent{}
	var bases []vevent
	for _, ev := range events {
		if ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	var out []calendar.RawEvent
	for _, ev := range bases {
		if ev.RRule == "" {
			if overlaps(ev.Start, ev.End, from, to) {
				out = append(out, toRaw(ev, ev.UID, ev.Start, ev.End))
			}
			continue
		}
		occ, err := expandSeries(ev, overrides[ev.UID], from, to)
		if err != nil {
			return nil, fmt.Errorf("uid %s: %w", ev.UID, err)
		}
		out = append(out, occ...)
	}
	return out, nil
}

func expandSeries(ev vevent, overrides []vevent, from, to time.Time) ([]calendar.RawEvent, error) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, fmt.Errorf("parse RRULE %q: %w", ev.RRule, err)
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	// Widen by the duration so events already running at from are kept.
	starts := set.Between(from.Add(-dur).In(ev.Start.Location()), to.In(ev.Start.Location()), true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	out := make([]calendar.RawEvent, 0, len(starts))
	for _, s := range starts {
		inst, start, end := ev, s, s.Add(dur)
		for _, o := range overrides {
			if o.Recurrence.Equal(s) {
				inst, start, end = o, o.Start, o.End
				break
			}
		}
		if !overlaps(start, end, from, to) {
			continue
		}
		out = append(out, toRaw(inst, instanceUID(ev, s), start, end))
	}
	return out, nil
}

func instanceUID(ev vevent, start time.Time) string {
	if ev.AllDay {
		return ev.UID + "_" + start.Format("20060102")
	}
	return ev.UID + "_" + start.UTC().Format("20060102T150405Z")
}

func toRaw(ev vevent, uid string, start, end time.Time) calendar.RawEvent {
	raw := calendar.RawEvent{
		UID:         uid,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
	}
	if ev.AllDay {
		raw.Start = calendar.RawTime{Date: start.Format(time.DateOnly)}
		raw.End = calendar.RawTime{Date: end.Format(time.DateOnly)}
	} else {
		raw.Start = calendar.RawTime{DateTime: start.UTC().Format(time.RFC3339)}
		raw.End = calendar.RawTime{DateTime: end.UTC().Format(time.RFC3339)}
	}
	return raw
}

// overlaps reports whether [aStart, aEnd] intersects [bStart, bEnd).
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aEnd.Compare(bStart) >= 0 && aStart.Before(bEnd)
}
