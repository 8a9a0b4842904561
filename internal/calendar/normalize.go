package calendar

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/goccy/go-json"

	"bettercal/internal/ledger"
)

// RawEvent is an event as a provider returns it.
type RawEvent struct {
	UID         string  `json:"uid,omitempty"`
	Summary     string  `json:"summary"`
	Description string  `json:"description,omitempty"`
	Location    string  `json:"location,omitempty"`
	Start       RawTime `json:"start"`
	End         RawTime `json:"end"`
}

// Normalize turns a provider record into an Event. Records without a
// summary, with unparseable times, or whose start and end kinds differ
// return ErrInvalidEvent.
func Normalize(calendarID string, raw RawEvent) (Event, error) {
	if strings.TrimSpace(raw.Summary) == "" {
		return Event{}, fmt.Errorf("%w: missing summary", ErrInvalidEvent)
	}
	start, err := ParseRawTime(raw.Start)
	if err != nil {
		return Event{}, fmt.Errorf("%w: start: %v", ErrInvalidEvent, err)
	}
	end, err := ParseRawTime(raw.End)
	if err != nil {
		return Event{}, fmt.Errorf("%w: end: %v", ErrInvalidEvent, err)
	}
	if start.Kind() != end.Kind() {
		return Event{}, fmt.Errorf("%w: start is %s but end is %s", ErrInvalidEvent, start.Kind(), end.Kind())
	}
	if end.Compare(start) < 0 {
		return Event{}, fmt.Errorf("%w: end before start", ErrInvalidEvent)
	}

	ev := Event{
		UID:              raw.UID,
		Summary:          raw.Summary,
		Description:      raw.Description,
		Location:         raw.Location,
		CalendarID:       calendarID,
		GoogleCalendarID: raw.UID,
		Start:            start,
		End:              end,
		AllDay:           start.IsAllDay(),
		Notifications:    []ledger.Record{},
	}
	if ev.UID == "" {
		ev.UID = synthesizeUID(calendarID, raw)
	}
	return ev, nil
}

// synthesizeUID hashes the record. Any change to the record changes the
// UID, so ledger entries fall back to summary+start matching.
func synthesizeUID(calendarID string, raw RawEvent) string {
	b, _ := json.Marshal(raw)
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%s_%016x", calendarID, h.Sum64())
}

// NormalizeAll normalizes a batch, skipping invalid records. It returns the
// events and the number of records skipped.
func NormalizeAll(calendarID string, raws []RawEvent) ([]Event, int) {
	out := make([]Event, 0, len(raws))
	skipped := 0
	for _, r := range raws {
		ev, err := Normalize(calendarID, r)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, ev)
	}
	return out, skipped
}
