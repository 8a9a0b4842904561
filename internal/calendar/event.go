package calendar

import (
	"errors"
	"time"

	"bettercal/internal/ledger"
)

var (
	// ErrInvalidEvent marks a provider record that cannot be normalized.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrReadOnly is returned when a mutation targets a calendar that does
	// not accept writes.
	ErrReadOnly = errors.New("calendar is read-only")
	ErrNotFound = errors.New("event not found")
)

// Event is a normalized calendar event. Start and End always share a kind.
type Event struct {
	UID              string    `json:"uid"`
	Summary          string    `json:"summary"`
	Description      string    `json:"description,omitempty"`
	Location         string    `json:"location,omitempty"`
	CalendarID       string    `json:"calendar_id"`
	GoogleCalendarID string    `json:"google_calendar_id,omitempty"`
	Start            EventTime `json:"start"`
	End              EventTime `json:"end"`
	AllDay           bool      `json:"all_day"`

	// Notifications is filled only when the snapshot is read back through
	// the reconciler; the stored snapshot always carries an empty list.
	Notifications []ledger.Record `json:"notifications"`
}

// Snapshot is the persisted event cache document.
type Snapshot struct {
	LastUpdated time.Time          `json:"last_updated"`
	Events      map[string][]Event `json:"events"`
}

// Flatten returns every event across calendars.
func (s Snapshot) Flatten() []Event {
	n := 0
	for _, evs := range s.Events {
		n += len(evs)
	}
	out := make([]Event, 0, n)
	for _, evs := range s.Events {
		out = append(out, evs...)
	}
	return out
}

// Find returns the event with uid.
func (s Snapshot) Find(uid string) (Event, bool) {
	for _, evs := range s.Events {
		for _, ev := range evs {
			if ev.UID == uid {
				return ev, true
			}
		}
	}
	return Event{}, false
}
