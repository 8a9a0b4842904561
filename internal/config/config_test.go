package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
instance_id: home
timezone: Europe/Rome
calendars:
  - id: family
    kind: local
    path: ./family.ics
  - id: work
    kind: ics
    url: https://example.com/work.ics
selected_calendars: [family]
dispatch:
  services:
    - name: phone
      kind: webhook
      url: https://example.com/hook
scheduler:
  enabled: true
api:
  enabled: true
  addr: 127.0.0.1:8089
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Domain != DefaultDomain {
		t.Fatalf("Domain = %q, want %q", cfg.Domain, DefaultDomain)
	}
	if got := cfg.UpdateInterval(); got != 5*time.Minute {
		t.Fatalf("UpdateInterval() = %v, want 5m", got)
	}
	if cfg.Reconcile.Strategy != "fuzzy" {
		t.Fatalf("Reconcile.Strategy = %q, want fuzzy", cfg.Reconcile.Strategy)
	}
	if cfg.Reminders.TickSchedule != "* * * * *" || cfg.Reminders.CleanupSchedule != "*/15 * * * *" {
		t.Fatalf("Reminders = %+v", cfg.Reminders)
	}
	if cfg.EventsDocument() != "events_home.json" || cfg.LedgerDocument() != "notifications_home.json" {
		t.Fatalf("documents = %q %q", cfg.EventsDocument(), cfg.LedgerDocument())
	}
	if cfg.Calendars[0].Name != "family" {
		t.Fatalf("Calendars[0].Name = %q, want family", cfg.Calendars[0].Name)
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return committed config")
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", `{"instance_id":"a","bogus":1}`, "bogus"},
		{"trailing data", `{"instance_id":"a"}{"instance_id":"b"}`, "trailing"},
		{"missing instance", `{"calendars":[]}`, "InstanceID"},
		{"interval too large", `{"instance_id":"a","update_interval_minutes":61}`, "UpdateIntervalMinutes"},
		{"bad kind", `{"instance_id":"a","calendars":[{"id":"x","kind":"caldav"}]}`, "Kind"},
		{"ics without url", `{"instance_id":"a","calendars":[{"id":"x","kind":"ics"}]}`, "URL"},
		{"duplicate calendar", `{"instance_id":"a","calendars":[{"id":"x","kind":"local","path":"a"},{"id":"x","kind":"local","path":"b"}]}`, "duplicate"},
		{"unknown selected", `{"instance_id":"a","selected_calendars":["nope"]}`, "unknown calendar"},
		{"bad strategy", `{"instance_id":"a","reconcile":{"strategy":"magic"}}`, "Strategy"},
		{"bad duration", `{"instance_id":"a","telegram":{"poll_timeout":"soon"}}`, "poll_timeout"},
		{"telegram service without token", `{"instance_id":"a","dispatch":{"services":[{"name":"tg","kind":"telegram","chat_id":1}]}}`, "telegram.token"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, "config.json", tt.body)).Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{InstanceID: "a", UpdateIntervalMinutes: 5}
	b := &Config{InstanceID: "a", UpdateIntervalMinutes: 10, API: APIConfig{Token: "secret"}}
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "update_interval_minutes,api" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("attrs empty")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"instance_id":"a"}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"instance_id":"a","update_interval_minutes":9}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.UpdateIntervalMinutes != 9 {
			t.Fatalf("UpdateIntervalMinutes = %d, want 9", cfg.UpdateIntervalMinutes)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "90s", want: 90 * time.Second},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "xd", wantErr: true},
		{raw: "-1s", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseDurationField(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
