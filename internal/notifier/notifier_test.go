package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bettercal/internal/eventbus"
	kit "bettercal/internal/transport"
	logx "bettercal/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                      { return nil }
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("429 too many requests")
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) NotificationEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(NotificationEvent)
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestNotifyRetriesThenSends(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.SubscribePrefix(32, "notifier.")
	defer unsub()
	ad := &fakeAdapter{fails: 1}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, ad, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := kit.Notification{Channel: "me", Target: kit.ChatTarget{ChatID: 42}, Text: "📅 Reminder: 'Dentist' starts in 30 minutes (at 09:30)"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	ev := waitEvent(t, events, "notifier.sent")
	if ev.ChatID != 42 || ev.Channel != "me" {
		t.Fatalf("sent event = %+v", ev)
	}
	if h := s.History(); len(h) != 1 || h[0].Text != n.Text {
		t.Fatalf("History() = %+v", h)
	}
}

func TestNotifyDedupAndDisabled(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.SubscribePrefix(32, "notifier.deduped")
	defer unsub()
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100, DedupWindow: time.Minute}, &fakeAdapter{}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := kit.Notification{Channel: "me", Target: kit.ChatTarget{ChatID: 1}, Text: "same"}
	_ = s.Notify(context.Background(), n)
	_ = s.Notify(context.Background(), n)
	waitEvent(t, events, "notifier.deduped")

	off := New(Config{}, &fakeAdapter{}, logx.Nop(), nil)
	if err := off.Notify(context.Background(), n); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify() on disabled error = %v, want ErrDisabled", err)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, &fakeAdapter{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify() after Stop error = %v, want ErrStopped", err)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v", attempt, d)
		}
	}
}
