package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"bettercal/internal/metrics"
	"bettercal/internal/storage"
	logx "bettercal/pkg/logx"
)

// Ledger is the persistent set of notification records. Every mutation
// rewrites the whole document; if that write fails the in-memory state
// stays authoritative and the next mutation tries again.
type Ledger struct {
	mu      sync.Mutex
	records map[string]Record

	log   logx.Logger
	store storage.Store
	doc   string
	now   func() time.Time
}

type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open loads doc from store. A missing document is an empty ledger; an
// unreadable one is logged and also starts empty.
func Open(ctx context.Context, store storage.Store, doc string, log logx.Logger, opts ...Option) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{
		records: map[string]Record{},
		log:     log.With(logx.String("comp", "ledger")),
		store:   store,
		doc:     doc,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if store == nil {
		return l
	}
	b, err := store.ReadDocument(ctx, doc)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		l.log.Error("ledger load failed", logx.String("doc", doc), logx.Err(err))
	default:
		if err := json.Unmarshal(b, &l.records); err != nil {
			l.log.Error("ledger decode failed; starting empty", logx.String("doc", doc), logx.Err(err))
			l.records = map[string]Record{}
		}
	}
	for id, r := range l.records {
		if r.ID == "" {
			r.ID = id
			l.records[id] = r
		}
	}
	metrics.LedgerRecords.Set(float64(len(l.records)))
	l.log.Info("ledger loaded", logx.Int("records", len(l.records)))
	return l
}

// AddParams describes a new reminder.
type AddParams struct {
	EventID            string
	EventSummary       string
	EventStart         string
	Channel            Channel
	OffsetMinutes      int
	Target             string
	CustomMessagePush  string
	CustomMessageAlexa string
}

// Add inserts a record and returns its id. The same event, channel and
// offset may be added more than once; ids differ by creation second.
func (l *Ledger) Add(ctx context.Context, p AddParams) (string, error) {
	if strings.TrimSpace(p.EventID) == "" {
		return "", ErrMissingEvent
	}
	ch, err := ParseChannel(string(p.Channel))
	if err != nil {
		return "", err
	}
	if p.OffsetMinutes < 0 {
		return "", ErrInvalidOffset
	}
	start, ok := CanonicalStart(p.EventStart)
	if !ok {
		l.log.Warn("event_start not parseable; stored as given", logx.String("event_id", p.EventID), logx.String("event_start", p.EventStart))
	}
	target := strings.TrimSpace(p.Target)
	if target == "" {
		target = TargetAuto
	}

	now := l.now().UTC()
	rec := Record{
		ID:                 fmt.Sprintf("notif_%s_%s_%d_%d", p.EventID, ch, p.OffsetMinutes, now.Unix()),
		EventID:            p.EventID,
		EventSummary:       p.EventSummary,
		EventStart:         start,
		Channel:            ch,
		OffsetMinutes:      p.OffsetMinutes,
		Target:             target,
		CustomMessagePush:  p.CustomMessagePush,
		CustomMessageAlexa: p.CustomMessageAlexa,
		CreatedAt:          now.Truncate(time.Minute).Format(time.RFC3339),
		Enabled:            true,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ID] = rec
	l.persistLocked(ctx)
	l.log.Info("notification added",
		logx.String("id", rec.ID),
		logx.String("channel", string(ch)),
		logx.Int("offset_minutes", rec.OffsetMinutes),
		logx.String("target", rec.Target),
	)
	return rec.ID, nil
}

// Remove deletes id and reports whether it existed.
func (l *Ledger) Remove(ctx context.Context, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[id]; !ok {
		return false
	}
	delete(l.records, id)
	l.persistLocked(ctx)
	return true
}

// Toggle flips Enabled and reports whether id existed.
func (l *Ledger) Toggle(ctx context.Context, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return false
	}
	r.Enabled = !r.Enabled
	l.records[id] = r
	l.persistLocked(ctx)
	l.log.Debug("notification toggled", logx.String("id", id), logx.Bool("enabled", r.Enabled))
	return true
}

// RemoveMany deletes every listed id in one write and returns how many
// were present.
func (l *Ledger) RemoveMany(ctx context.Context, ids []string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := l.records[id]; ok {
			delete(l.records, id)
			n++
		}
	}
	if n > 0 {
		l.persistLocked(ctx)
	}
	return n
}

func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	return r, ok
}

// ListForEvent returns the records whose event_id is eventID, ordered by id.
func (l *Ledger) ListForEvent(eventID string) []Record {
	l.mu.Lock()
	out := make([]Record, 0, 4)
	for _, r := range l.records {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns a copy of every record keyed by id.
func (l *Ledger) All() map[string]Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Record, len(l.records))
	for id, r := range l.records {
		out[id] = r
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) persistLocked(ctx context.Context) {
	metrics.LedgerRecords.Set(float64(len(l.records)))
	if l.store == nil {
		return
	}
	b, err := json.MarshalIndent(l.records, "", "  ")
	if err == nil {
		err = l.store.WriteDocument(ctx, l.doc, b)
	}
	if err != nil {
		metrics.LedgerPersistErrors.Inc()
		l.log.Error("ledger persist failed", logx.String("doc", l.doc), logx.Err(err))
	}
}
