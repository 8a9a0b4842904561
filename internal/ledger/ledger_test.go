package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bettercal/internal/storage"
	logx "bettercal/pkg/logx"
)

type memStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	writes   int
	writeErr error
}

func newMemStore() *memStore { return &memStore{docs: map[string][]byte{}} }

func (m *memStore) ReadDocument(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

func (m *memStore) WriteDocument(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.docs[name] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) AppendDispatch(context.Context, storage.DispatchRecord) error { return nil }
func (m *memStore) Close() error                                                { return nil }

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	t := c.t
	c.t = c.t.Add(time.Second)
	return t
}

const doc = "notifications_home.json"

func TestAddDefaults(t *testing.T) {
	t.Parallel()

	clk := &stepClock{t: time.Date(2026, 5, 4, 10, 20, 37, 0, time.UTC)}
	l := Open(context.Background(), newMemStore(), doc, logx.Nop(), WithClock(clk.now))

	id, err := l.Add(context.Background(), AddParams{
		EventID:       "evt1",
		EventSummary:  "Dentist",
		EventStart:    "2026-05-05T09:30:45+02:00",
		Channel:       ChannelPush,
		OffsetMinutes: 30,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if want := "notif_evt1_push_30_1777890037"; id != want {
		t.Fatalf("id = %q, want %q", id, want)
	}
	r, ok := l.Get(id)
	if !ok {
		t.Fatalf("Get(%q) missing", id)
	}
	if r.Target != TargetAuto || !r.Enabled {
		t.Fatalf("target=%q enabled=%v, want auto/true", r.Target, r.Enabled)
	}
	if r.EventStart != "2026-05-05T07:30:00Z" {
		t.Fatalf("EventStart = %q, want 2026-05-05T07:30:00Z", r.EventStart)
	}
	if r.CreatedAt != "2026-05-04T10:20:00Z" {
		t.Fatalf("CreatedAt = %q, want 2026-05-04T10:20:00Z", r.CreatedAt)
	}
	fire, err := r.FireAt()
	if err != nil || !fire.Equal(time.Date(2026, 5, 5, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("FireAt() = %v, %v", fire, err)
	}
}

func TestAddRejects(t *testing.T) {
	t.Parallel()

	l := Open(context.Background(), newMemStore(), doc, logx.Nop())
	tests := []struct {
		name string
		p    AddParams
		want error
	}{
		{"channel", AddParams{EventID: "e", Channel: "sms"}, ErrInvalidChannel},
		{"offset", AddParams{EventID: "e", Channel: ChannelAlexa, OffsetMinutes: -1}, ErrInvalidOffset},
		{"event", AddParams{Channel: ChannelPush}, ErrMissingEvent},
	}
	for _, tt := range tests {
		if _, err := l.Add(context.Background(), tt.p); !errors.Is(err, tt.want) {
			t.Fatalf("%s: Add() error = %v, want %v", tt.name, err, tt.want)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
}

func TestDuplicatesCoexist(t *testing.T) {
	t.Parallel()

	clk := &stepClock{t: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	l := Open(context.Background(), newMemStore(), doc, logx.Nop(), WithClock(clk.now))
	p := AddParams{EventID: "e", EventStart: "2026-01-02", Channel: ChannelPush, OffsetMinutes: 60}
	a, _ := l.Add(context.Background(), p)
	b, _ := l.Add(context.Background(), p)
	if a == b {
		t.Fatalf("ids collide: %q", a)
	}
	if got := len(l.ListForEvent("e")); got != 2 {
		t.Fatalf("ListForEvent() = %d records, want 2", got)
	}
}

func TestRemoveToggleAndReload(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	ctx := context.Background()
	clk := &stepClock{t: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	l := Open(ctx, st, doc, logx.Nop(), WithClock(clk.now))
	a, _ := l.Add(ctx, AddParams{EventID: "e1", EventStart: "2026-01-02T10:00:00Z", Channel: ChannelPush, OffsetMinutes: 15})
	b, _ := l.Add(ctx, AddParams{EventID: "e2", EventStart: "2026-01-03T10:00:00Z", Channel: ChannelAlexa, OffsetMinutes: 5, Target: "media_player.kitchen"})
	c, _ := l.Add(ctx, AddParams{EventID: "e2", EventStart: "2026-01-03T10:00:00Z", Channel: ChannelPush, OffsetMinutes: 0})

	if !l.Toggle(ctx, b) {
		t.Fatalf("Toggle(%q) = false", b)
	}
	if l.Toggle(ctx, "nope") {
		t.Fatalf("Toggle(nope) = true")
	}
	if !l.Remove(ctx, a) || l.Remove(ctx, a) {
		t.Fatalf("Remove() did not report presence correctly")
	}

	reloaded := Open(ctx, st, doc, logx.Nop())
	all := reloaded.All()
	if len(all) != 2 {
		t.Fatalf("reloaded records = %d, want 2", len(all))
	}
	if all[b].Enabled {
		t.Fatalf("toggled record still enabled after reload")
	}
	if all[b].Target != "media_player.kitchen" {
		t.Fatalf("Target = %q", all[b].Target)
	}
	if n := reloaded.RemoveMany(ctx, []string{b, c, "missing"}); n != 2 {
		t.Fatalf("RemoveMany() = %d, want 2", n)
	}
}

func TestPersistFailureKeepsMemory(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.writeErr = errors.New("disk full")
	l := Open(context.Background(), st, doc, logx.Nop())
	id, err := l.Add(context.Background(), AddParams{EventID: "e", EventStart: "2026-01-02", Channel: ChannelPush})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, ok := l.Get(id); !ok {
		t.Fatalf("record lost after failed persist")
	}
	if st.writes != 1 {
		t.Fatalf("writes = %d, want 1", st.writes)
	}
}

func TestCorruptDocumentStartsEmpty(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.docs[doc] = []byte("{not json")
	if l := Open(context.Background(), st, doc, logx.Nop()); l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
}

func TestParseStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Time
		err  bool
	}{
		{in: "2026-03-01", want: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2026-03-01T09:15:59Z", want: time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)},
		{in: "2026-03-01T09:15:00", want: time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)},
		{in: "2026-03-01T09:15:00.123456", want: time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)},
		{in: "2026-03-01T10:15:00+01:00", want: time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)},
		{in: "tomorrow", err: true},
		{in: "", err: true},
	}
	for _, tt := range tests {
		got, err := ParseStart(tt.in)
		if tt.err {
			if err == nil {
				t.Fatalf("ParseStart(%q) error = nil", tt.in)
			}
			continue
		}
		if err != nil || !got.Equal(tt.want) {
			t.Fatalf("ParseStart(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
}
