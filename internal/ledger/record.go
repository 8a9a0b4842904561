package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidChannel = errors.New("invalid notification channel")
	ErrInvalidOffset  = errors.New("offset_minutes must be >= 0")
	ErrMissingEvent   = errors.New("event_id required")
)

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelAlexa Channel = "alexa"
)

// TargetAuto lets dispatch pick the service.
const TargetAuto = "auto"

func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelPush, ChannelAlexa:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
}

// Record is one scheduled reminder. Records are independent of the event
// cache; they carry their own copy of the event summary and start.
type Record struct {
	ID                 string  `json:"id"`
	EventID            string  `json:"event_id"`
	EventSummary       string  `json:"event_summary"`
	EventStart         string  `json:"event_start"`
	Channel            Channel `json:"channel"`
	OffsetMinutes      int     `json:"offset_minutes"`
	Target             string  `json:"target"`
	CustomMessagePush  string  `json:"custom_message_push,omitempty"`
	CustomMessageAlexa string  `json:"custom_message_alexa,omitempty"`
	CreatedAt          string  `json:"created_at"`
	Enabled            bool    `json:"enabled"`
}

// Start parses EventStart.
func (r Record) Start() (time.Time, error) { return ParseStart(r.EventStart) }

// FireAt is the minute the reminder is due: start minus the offset.
func (r Record) FireAt() (time.Time, error) {
	start, err := r.Start()
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(-time.Duration(r.OffsetMinutes) * time.Minute), nil
}

// Created parses CreatedAt.
func (r Record) Created() (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(r.CreatedAt))
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseStart reads a canonical start string. Date-only values are midnight
// UTC; date-times without an offset are taken as UTC. The result is
// truncated to the minute.
func ParseStart(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty start")
	}
	if !strings.Contains(s, "T") {
		d, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse start %q: %w", s, err)
		}
		return d, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Truncate(time.Minute), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Truncate(time.Minute), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse start %q: unrecognized format", s)
}

// CanonicalStart truncates seconds and renders timed values in UTC. Values
// that do not parse are returned unchanged.
func CanonicalStart(s string) (string, bool) {
	t, err := ParseStart(s)
	if err != nil {
		return s, false
	}
	if !strings.Contains(strings.TrimSpace(s), "T") {
		return t.Format(time.DateOnly), true
	}
	return t.Format(time.RFC3339), true
}
