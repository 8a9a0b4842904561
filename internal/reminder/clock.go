// Package reminder fires due reminders and sweeps expired ones.
//
// The clock runs once a minute. A reminder is due when its fire minute
// equals the tick minute exactly; missed minutes are not caught up. Every
// due reminder is removed after its send attempt, whatever the outcome.
package reminder

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"bettercal/internal/dispatch"
	"bettercal/internal/ledger"
	"bettercal/internal/metrics"
	logx "bettercal/pkg/logx"
)

// sendTimeout bounds a single delivery attempt.
const sendTimeout = 15 * time.Second

// Sender delivers one reminder.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (string, error)
}

type Clock struct {
	ledger *ledger.Ledger
	sender Sender
	loc    atomic.Pointer[time.Location]
	log    logx.Logger
}

func NewClock(l *ledger.Ledger, sender Sender, loc *time.Location, log logx.Logger) *Clock {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Clock{ledger: l, sender: sender, log: log.With(logx.String("comp", "reminder.clock"))}
	c.loc.Store(loc)
	return c
}

// SetLocation changes the zone used to render event times.
func (c *Clock) SetLocation(loc *time.Location) {
	if loc != nil {
		c.loc.Store(loc)
	}
}

// Due returns the enabled records whose fire minute is now, ordered by id.
func Due(records map[string]ledger.Record, now time.Time) []ledger.Record {
	now = now.Truncate(time.Minute)
	var due []ledger.Record
	for _, r := range records {
		if !r.Enabled {
			continue
		}
		fire, err := r.FireAt()
		if err != nil {
			continue
		}
		if fire.Equal(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}

// Tick dispatches every reminder due at now and returns how many were
// attempted.
func (c *Clock) Tick(ctx context.Context, now time.Time) int {
	started := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	due := Due(c.ledger.All(), now)
	if len(due) == 0 {
		return 0
	}
	c.log.Debug("reminders due", logx.Int("count", len(due)), logx.Time("minute", now.Truncate(time.Minute)))

	// A tick that has started runs to completion: shutdown or the task
	// timeout must not strand reminders due this minute.
	bg := context.WithoutCancel(ctx)
	attempted := make([]string, 0, len(due))
	for _, r := range due {
		sendCtx, cancel := context.WithTimeout(bg, sendTimeout)
		_, err := c.sender.Send(sendCtx, dispatch.Request{
			Channel:        r.Channel,
			Target:         r.Target,
			Message:        Message(r, c.loc.Load()),
			NotificationID: r.ID,
			EventID:        r.EventID,
		})
		cancel()
		if err != nil {
			c.log.Warn("reminder attempt failed", logx.String("id", r.ID), logx.Err(err))
		}
		attempted = append(attempted, r.ID)
	}
	c.ledger.RemoveMany(bg, attempted)
	return len(attempted)
}
