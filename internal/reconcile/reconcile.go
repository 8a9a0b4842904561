// Package reconcile projects ledger records onto a calendar snapshot.
//
// Matching is deliberately loose by default: provider UIDs are not always
// stable across refreshes, so a record whose event_id no longer matches is
// still attached when its summary and start agree. That fallback can attach
// a record to the wrong event when two events share a summary and start;
// StrictUID avoids it at the cost of orphaning records whose UID changed.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"bettercal/internal/calendar"
	"bettercal/internal/ledger"
)

// MatchFunc reports whether rec belongs to ev.
type MatchFunc func(ev calendar.Event, rec ledger.Record) bool

// MatchByUIDOrSummary matches on event id, then on summary equality plus a
// start string that is equal to, or contains, the record's start.
func MatchByUIDOrSummary(ev calendar.Event, rec ledger.Record) bool {
	if rec.EventID == ev.UID {
		return true
	}
	if rec.EventSummary != ev.Summary || rec.EventStart == "" {
		return false
	}
	start := ev.Start.String()
	return start == rec.EventStart || strings.Contains(start, rec.EventStart)
}

// StrictUID matches on event id only.
func StrictUID(ev calendar.Event, rec ledger.Record) bool {
	return rec.EventID == ev.UID
}

// Strategy resolves a config name ("fuzzy", "strict") to a MatchFunc.
func Strategy(name string) (MatchFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fuzzy":
		return MatchByUIDOrSummary, nil
	case "strict":
		return StrictUID, nil
	}
	return nil, fmt.Errorf("unknown reconcile strategy %q", name)
}

// Merge returns a deep copy of snap in which every event carries the
// records that match it, ordered by id. Neither input is modified.
func Merge(snap calendar.Snapshot, records map[string]ledger.Record, match MatchFunc) calendar.Snapshot {
	if match == nil {
		match = MatchByUIDOrSummary
	}
	recs := make([]ledger.Record, 0, len(records))
	for _, r := range records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	out := calendar.Snapshot{
		LastUpdated: snap.LastUpdated,
		Events:      make(map[string][]calendar.Event, len(snap.Events)),
	}
	for calID, evs := range snap.Events {
		cp := make([]calendar.Event, len(evs))
		for i, ev := range evs {
			ev.Notifications = []ledger.Record{}
			for _, r := range recs {
				if match(ev, r) {
					ev.Notifications = append(ev.Notifications, r)
				}
			}
			cp[i] = ev
		}
		out.Events[calID] = cp
	}
	return out
}

// Merger binds a record source and a strategy into a calendar.MergeFunc.
func Merger(all func() map[string]ledger.Record, match func() MatchFunc) calendar.MergeFunc {
	return func(snap calendar.Snapshot) calendar.Snapshot {
		return Merge(snap, all(), match())
	}
}
