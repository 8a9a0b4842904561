package calendar

import (
	"context"
	"time"
)

// Provider lists raw events overlapping [from, to).
type Provider interface {
	Events(ctx context.Context, from, to time.Time) ([]RawEvent, error)
}

// Writable is a provider that accepts mutations.
type Writable interface {
	Provider
	CreateEvent(ctx context.Context, ev NewEvent) (uid string, err error)
	// UpdateEvent and DeleteEvent return ErrNotFound for unknown uids.
	UpdateEvent(ctx context.Context, uid string, patch EventPatch) error
	DeleteEvent(ctx context.Context, uid string) error
}

type NewEvent struct {
	Summary     string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
}

// EventPatch holds the fields to change; nil means keep.
type EventPatch struct {
	Summary     *string
	Description *string
	Location    *string
	Start       *EventTime
	End         *EventTime
}

func (p EventPatch) IsEmpty() bool {
	return p.Summary == nil && p.Description == nil && p.Location == nil && p.Start == nil && p.End == nil
}

// Source is a configured calendar.
type Source struct {
	ID       string
	Name     string
	Provider Provider
}

// Writable reports whether the source accepts mutations.
func (s Source) Writable() (Writable, bool) {
	w, ok := s.Provider.(Writable)
	return w, ok
}
