package ics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"bettercal/internal/calendar"
	logx "bettercal/pkg/logx"
)

const productID = "-//bettercal//local calendar//EN"

// Local is a writable calendar stored as a single .ics file. A missing
// file is an empty calendar and is created on the first write.
type Local struct {
	id   string
	path string
	log  logx.Logger
	now  func() time.Time

	mu sync.Mutex
}

func NewLocal(id, path string, log logx.Logger) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Local{
		id:   id,
		path: path,
		log:  log.With(logx.String("comp", "ics.local"), logx.String("calendar", id)),
		now:  time.Now,
	}
}

var _ calendar.Writable = (*Local)(nil)

func (l *Local) Events(ctx context.Context, from, to time.Time) ([]calendar.RawEvent, error) {
	l.mu.Lock()
	cal, err := l.load()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	evs, skipped := parseEvents(cal)
	if skipped > 0 {
		l.log.Debug("skipped unreadable VEVENTs", logx.Int("skipped", skipped))
	}
	return expand(evs, from, to)
}

func (l *Local) CreateEvent(ctx context.Context, ev calendar.NewEvent) (string, error) {
	if strings.TrimSpace(ev.Summary) == "" {
		return "", fmt.Errorf("%w: missing summary", calendar.ErrInvalidEvent)
	}
	if ev.Start.IsZero() || ev.End.IsZero() || ev.Start.Kind() != ev.End.Kind() || ev.End.Compare(ev.Start) < 0 {
		return "", fmt.Errorf("%w: bad start/end", calendar.ErrInvalidEvent)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cal, err := l.load()
	if err != nil {
		return "", err
	}
	uid := uuid.NewString()
	ve := cal.AddEvent(uid)
	ve.SetDtStampTime(l.now().UTC())
	ve.SetSummary(ev.Summary)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	setTimes(ve, ev.Start, ev.End)
	if err := l.save(cal); err != nil {
		return "", err
	}
	l.log.Info("event created", logx.String("uid", uid), logx.String("summary", ev.Summary))
	return uid, nil
}

func (l *Local) UpdateEvent(ctx context.Context, uid string, p calendar.EventPatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cal, err := l.load()
	if err != nil {
		return err
	}
	ve := findEvent(cal, uid)
	if ve == nil {
		return fmt.Errorf("%w: %s", calendar.ErrNotFound, uid)
	}
	if p.Summary != nil {
		ve.SetSummary(*p.Summary)
	}
	if p.Description != nil {
		ve.SetDescription(*p.Description)
	}
	if p.Location != nil {
		ve.SetLocation(*p.Location)
	}
	if p.Start != nil || p.End != nil {
		cur, err := parseVEvent(ve)
		if err != nil {
			return err
		}
		start, end := currentTime(cur.Start, cur.AllDay), currentTime(cur.End, cur.AllDay)
		if p.Start != nil {
			start = *p.Start
		}
		if p.End != nil {
			end = *p.End
		}
		if start.Kind() != end.Kind() || end.Compare(start) < 0 {
			return fmt.Errorf("%w: bad start/end", calendar.ErrInvalidEvent)
		}
		setTimes(ve, start, end)
	}
	ve.SetDtStampTime(l.now().UTC())
	if err := l.save(cal); err != nil {
		return err
	}
	l.log.Info("event updated", logx.String("uid", uid))
	return nil
}

func (l *Local) DeleteEvent(ctx context.Context, uid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cal, err := l.load()
	if err != nil {
		return err
	}
	kept := cal.Components[:0]
	found := false
	for _, c := range cal.Components {
		if ve, ok := c.(*ical.VEvent); ok && ve.Id() == uid {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return fmt.Errorf("%w: %s", calendar.ErrNotFound, uid)
	}
	cal.Components = kept
	if err := l.save(cal); err != nil {
		return err
	}
	l.log.Info("event deleted", logx.String("uid", uid))
	return nil
}

func findEvent(cal *ical.Calendar, uid string) *ical.VEvent {
	for _, ve := range cal.Events() {
		if ve.Id() == uid {
			return ve
		}
	}
	return nil
}

func currentTime(t time.Time, allDay bool) calendar.EventTime {
	if allDay {
		return calendar.AllDay(t)
	}
	return calendar.Timed(t)
}

func setTimes(ve *ical.VEvent, start, end calendar.EventTime) {
	if start.IsAllDay() {
		ve.SetAllDayStartAt(start.Instant())
		ve.SetAllDayEndAt(end.Instant())
		return
	}
	ve.SetStartAt(start.Instant())
	ve.SetEndAt(end.Instant())
}

// load reads the file. Call with l.mu held.
func (l *Local) load() (*ical.Calendar, error) {
	b, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(strings.TrimSpace(string(b))) == 0) {
		cal := ical.NewCalendar()
		cal.SetProductId(productID)
		cal.SetMethod(ical.MethodPublish)
		return cal, nil
	}
	if err != nil {
		return nil, err
	}
	cal, err := parseCalendar(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", l.path, err)
	}
	return cal, nil
}

// save writes via tmp+rename. Call with l.mu held.
func (l *Local) save(cal *ical.Calendar) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.WriteString(cal.Serialize()); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
