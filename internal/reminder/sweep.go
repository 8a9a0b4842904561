package reminder

import (
	"context"
	"time"

	"bettercal/internal/ledger"
	"bettercal/internal/metrics"
	logx "bettercal/pkg/logx"
)

const (
	staleAfter  = 7 * 24 * time.Hour
	missedAfter = 2 * time.Hour
)

// Expiry reasons, also used as metric labels.
const (
	ReasonStale       = "stale"
	ReasonStarted     = "started"
	ReasonMissed      = "missed"
	ReasonUnparseable = "unparseable"
)

type Sweeper struct {
	ledger *ledger.Ledger
	log    logx.Logger
}

func NewSweeper(l *ledger.Ledger, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{ledger: l, log: log.With(logx.String("comp", "reminder.sweep"))}
}

// ExpiryReason reports why r should be dropped at now, or "" to keep it.
// Unparseable records survive for a week after creation.
func ExpiryReason(r ledger.Record, now time.Time) string {
	start, err := r.Start()
	if err != nil {
		created, cerr := r.Created()
		if cerr != nil || created.Before(now.Add(-staleAfter)) {
			return ReasonUnparseable
		}
		return ""
	}
	fire := start.Add(-time.Duration(r.OffsetMinutes) * time.Minute)
	switch {
	case fire.Before(now.Add(-staleAfter)):
		return ReasonStale
	case start.Before(now):
		return ReasonStarted
	case fire.Before(now.Add(-missedAfter)):
		return ReasonMissed
	}
	return ""
}

// Sweep removes expired records and returns how many were removed. The
// ledger is only written when something was removed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	var ids []string
	for id, r := range s.ledger.All() {
		reason := ExpiryReason(r, now)
		if reason == "" {
			continue
		}
		ids = append(ids, id)
		metrics.RemindersCleaned.WithLabelValues(reason).Inc()
		s.log.Debug("reminder expired", logx.String("id", id), logx.String("reason", reason))
	}
	if len(ids) == 0 {
		return 0
	}
	n := s.ledger.RemoveMany(ctx, ids)
	s.log.Info("expired reminders removed", logx.Int("count", n))
	return n
}
