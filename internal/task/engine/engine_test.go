package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"bettercal/internal/eventbus"
	logx "bettercal/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(TaskEvent)
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.SubscribePrefix(16, "task.")
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error { ran.Store(true); return nil }}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	ev := waitEvent(t, ch, "task.finished")
	if ev.Name != "ok" || ev.Attempts != 1 || !ran.Load() {
		t.Fatalf("event = %+v ran=%v", ev, ran.Load())
	}
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, BreakerFailures: -1})
	ch, unsub := bus.SubscribePrefix(16, "task.f")
	defer unsub()

	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if ev := waitEvent(t, ch, "task.finished"); ev.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", ev.Attempts)
	}

	perm := errors.New("permanent")
	_ = s.Enqueue(Task{
		Name: "perm",
		Opt:  TaskOptions{RetryMax: 5},
		Run:  func(ctx context.Context) error { return NoRetry(perm) },
	})
	ev := waitEvent(t, ch, "task.failed")
	if ev.Attempts != 1 || ev.Error != "permanent" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name: "tick",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue() error = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, BreakerFailures: 2, BreakerCooldown: time.Hour})
	ch, unsub := bus.SubscribePrefix(16, "task.failed")
	defer unsub()

	fail := Task{Name: "webhook", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error { return errors.New("down") }}
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(fail); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		waitEvent(t, ch, "task.failed")
	}
	if err := s.Enqueue(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Enqueue() error = %v, want ErrCircuitOpen", err)
	}
	snap := s.Snapshot()
	if len(snap.Breakers) != 1 || snap.Breakers[0].State != "open" {
		t.Fatalf("breakers = %+v", snap.Breakers)
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() error = %v, want ErrStopped", err)
	}
	d := New(Config{}, logx.Nop(), nil)
	if err := d.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue() error = %v, want ErrDisabled", err)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, time.Second},
	}
	rng := rand.New(rand.NewSource(1))
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, rng); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestStopWaitsForRunningTask(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), eventbus.New())
	s.Start(context.Background())

	started := make(chan struct{})
	var ctxErr atomic.Value
	var finished atomic.Bool
	if err := s.Enqueue(Task{Name: "reminders.tick", Run: func(ctx context.Context) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		finished.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	if !finished.Load() {
		t.Fatalf("Stop returned before the running task finished")
	}
	if err := ctxErr.Load(); err != nil {
		t.Fatalf("running task saw ctx error %v", err)
	}
}
