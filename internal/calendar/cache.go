package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"bettercal/internal/metrics"
	"bettercal/internal/storage"
	logx "bettercal/pkg/logx"
)

const (
	day = 24 * time.Hour

	PastWindow      = 30 * day
	FutureWindow    = 120 * day
	AllEventsWindow = 365 * day
)

// MergeFunc attaches ledger records to a snapshot. It must not modify its
// argument.
type MergeFunc func(Snapshot) Snapshot

type CacheOptions struct {
	Store    storage.Store
	Document string
	Log      logx.Logger
	// Location anchors "today" for the refresh window.
	Location *time.Location
	Merge    MergeFunc
	Now      func() time.Time
}

// Cache keeps the windowed event snapshot. Refresh rewrites it wholesale.
type Cache struct {
	store storage.Store
	doc   string
	log   logx.Logger
	merge MergeFunc
	now   func() time.Time

	mu       sync.RWMutex
	sources  []Source
	selected map[string]bool
	loc      *time.Location

	refreshMu sync.Mutex
}

func NewCache(opts CacheOptions) *Cache {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Cache{
		store: opts.Store,
		doc:   opts.Document,
		log:   opts.Log.With(logx.String("comp", "calendar.cache")),
		merge: opts.Merge,
		now:   opts.Now,
		loc:   opts.Location,
	}
}

// SetSources replaces the calendar list. selected limits Refresh to those
// ids; empty selects every source.
func (c *Cache) SetSources(sources []Source, selected []string) {
	sel := make(map[string]bool, len(selected))
	for _, id := range selected {
		sel[id] = true
	}
	c.mu.Lock()
	c.sources = append([]Source(nil), sources...)
	c.selected = sel
	c.mu.Unlock()
}

func (c *Cache) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
}

// Sources returns every configured source in configuration order.
func (c *Cache) Sources() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Source(nil), c.sources...)
}

func (c *Cache) Source(id string) (Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

func (c *Cache) active() ([]Source, *time.Location) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.selected) == 0 {
		return append([]Source(nil), c.sources...), c.loc
	}
	out := make([]Source, 0, len(c.selected))
	for _, s := range c.sources {
		if c.selected[s.ID] {
			out = append(out, s)
		}
	}
	return out, c.loc
}

type fetchResult struct {
	id     string
	events []Event
	err    error
}

func (c *Cache) fetch(ctx context.Context, sources []Source, from, to time.Time) []fetchResult {
	results := make([]fetchResult, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raws, err := src.Provider.Events(ctx, from, to)
			if err != nil {
				results[i] = fetchResult{id: src.ID, err: err}
				return
			}
			evs, skipped := NormalizeAll(src.ID, raws)
			if skipped > 0 {
				c.log.Debug("skipped invalid events", logx.String("calendar", src.ID), logx.Int("skipped", skipped))
			}
			sort.SliceStable(evs, func(a, b int) bool { return evs[a].Start.Compare(evs[b].Start) < 0 })
			results[i] = fetchResult{id: src.ID, events: evs}
		}()
	}
	wg.Wait()
	return results
}

// Refresh fetches the window [today-30d, today+120d) from every selected
// calendar and replaces the stored snapshot. A failing calendar is stored
// as an empty list. It returns an error only when every calendar failed,
// in which case the previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) (Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	started := time.Now()
	sources, loc := c.active()
	now := c.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	from, to := today.Add(-PastWindow), today.Add(FutureWindow)

	snap := Snapshot{LastUpdated: c.now().UTC(), Events: make(map[string][]Event, len(sources))}
	failed := 0
	var lastErr error
	for _, r := range c.fetch(ctx, sources, from, to) {
		if r.err != nil {
			failed++
			lastErr = r.err
			metrics.CalendarFetchErrors.WithLabelValues(r.id).Inc()
			c.log.Warn("calendar fetch failed", logx.String("calendar", r.id), logx.Err(r.err))
			snap.Events[r.id] = []Event{}
			continue
		}
		snap.Events[r.id] = r.events
		metrics.CalendarEvents.WithLabelValues(r.id).Set(float64(len(r.events)))
	}
	if len(sources) > 0 && failed == len(sources) {
		return Snapshot{}, fmt.Errorf("refresh: all %d calendars failed: %w", failed, lastErr)
	}

	if err := c.write(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("refresh: write snapshot: %w", err)
	}
	metrics.CalendarRefreshDuration.Observe(time.Since(started).Seconds())
	metrics.CalendarLastRefresh.Set(float64(snap.LastUpdated.Unix()))
	c.log.Info("calendars refreshed",
		logx.Int("calendars", len(sources)),
		logx.Int("failed", failed),
		logx.Int("events", len(snap.Flatten())),
		logx.Duration("took", time.Since(started)),
	)
	return snap, nil
}

func (c *Cache) write(ctx context.Context, snap Snapshot) error {
	if c.store == nil {
		return errors.New("no store")
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return c.store.WriteDocument(ctx, c.doc, b)
}

// ReadStored returns the snapshot as stored, without ledger records. A
// missing snapshot is an empty one.
func (c *Cache) ReadStored(ctx context.Context) (Snapshot, error) {
	empty := Snapshot{Events: map[string][]Event{}}
	if c.store == nil {
		return empty, nil
	}
	b, err := c.store.ReadDocument(ctx, c.doc)
	if errors.Is(err, storage.ErrNotFound) {
		return empty, nil
	}
	if err != nil {
		return empty, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return empty, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Events == nil {
		snap.Events = map[string][]Event{}
	}
	return snap, nil
}

// Read returns the stored snapshot with ledger records attached.
func (c *Cache) Read(ctx context.Context) (Snapshot, error) {
	snap, err := c.ReadStored(ctx)
	if err != nil {
		return snap, err
	}
	if c.merge != nil {
		snap = c.merge(snap)
	}
	return snap, nil
}

// AllEvents queries every calendar live over now±365 days, bypassing the
// snapshot. Failing calendars are skipped.
func (c *Cache) AllEvents(ctx context.Context) ([]Event, error) {
	now := c.now()
	return c.query(ctx, c.Sources(), now.Add(-AllEventsWindow), now.Add(AllEventsWindow))
}

// FindEvent looks uid up live across every calendar within [from, to).
func (c *Cache) FindEvent(ctx context.Context, uid string, from, to time.Time) (Event, error) {
	evs, err := c.query(ctx, c.Sources(), from, to)
	if err != nil {
		return Event{}, err
	}
	for _, ev := range evs {
		if ev.UID == uid {
			return ev, nil
		}
	}
	return Event{}, fmt.Errorf("%w: %s", ErrNotFound, uid)
}

func (c *Cache) query(ctx context.Context, sources []Source, from, to time.Time) ([]Event, error) {
	var out []Event
	failed := 0
	var lastErr error
	for _, r := range c.fetch(ctx, sources, from, to) {
		if r.err != nil {
			failed++
			lastErr = r.err
			c.log.Warn("calendar query failed", logx.String("calendar", r.id), logx.Err(r.err))
			continue
		}
		out = append(out, r.events...)
	}
	if len(sources) > 0 && failed == len(sources) {
		return nil, lastErr
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Start.Compare(out[b].Start) < 0 })
	return out, nil
}
