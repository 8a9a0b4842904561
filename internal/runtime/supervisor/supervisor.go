package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	logx "bettercal/pkg/logx"
)

// Supervisor runs named goroutines as suture services under one root tree
// bound to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	root   *suture.Supervisor
	serveC <-chan error

	log         logx.Logger
	cancelOnErr bool
	timeout     time.Duration

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type SupervisorOption func(*Supervisor)

// GoroutineStats aggregates runs of one named goroutine.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type SupervisorSnapshot struct {
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first fatal error.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// WithShutdownTimeout bounds how long each service gets to return after
// the context is cancelled.
func WithShutdownTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		timeout: 10 * time.Second,
		stats:   map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	s.root = suture.New("bettercal", suture.Spec{
		EventHook:        s.onEvent,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          s.timeout,
	})
	s.serveC = s.root.ServeBackground(ctx)
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

func (s *Supervisor) onEvent(ev suture.Event) {
	switch e := ev.(type) {
	case suture.EventServicePanic:
		s.notePanic(e.ServiceName)
		s.log.Error("service panicked",
			logx.String("name", e.ServiceName),
			logx.String("panic", e.PanicMsg),
			logx.Stack(e.Stacktrace),
			logx.Bool("restarting", e.Restarting))
	case suture.EventServiceTerminate:
		if err, ok := e.Err.(error); ok && errors.Is(err, suture.ErrDoNotRestart) {
			return
		}
		s.log.Warn("service terminated",
			logx.String("name", e.ServiceName),
			logx.Any("err", e.Err),
			logx.Bool("restarting", e.Restarting))
	case suture.EventBackoff:
		s.log.Warn("supervisor backing off", logx.String("supervisor", e.SupervisorName))
	case suture.EventResume:
		s.log.Info("supervisor resumed", logx.String("supervisor", e.SupervisorName))
	case suture.EventStopTimeout:
		s.log.Error("service did not stop in time", logx.String("name", e.ServiceName))
	default:
		s.log.Debug("supervisor event", logx.String("event", ev.String()))
	}
}

// Go runs fn once. Errors other than context cancellation are recorded and,
// with WithCancelOnError, stop the whole tree.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.add(&service{sup: s, name: name, fn: fn, cfg: restartCfg{maxRestarts: -1, stopOnCleanExit: true, fatalOnFinalErr: true}})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // 0 unlimited, -1 never restart
	stopOnCleanExit bool
	fatalOnFinalErr bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithFatalOnFinalError records the error (and cancels, with
// WithCancelOnError) when the restart budget is exhausted.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalOnFinalErr = enabled }
}

// WithPublishFirstError records the first failure even while restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit stops instead of restarting when fn returns nil.
// Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it after errors or panics until the
// context ends. Meant for pollers and watchers.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}
	s.add(&service{sup: s, name: name, fn: fn, cfg: cfg, backoff: cfg.minBackoff})
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

func (s *Supervisor) add(svc *service) {
	s.wg.Add(1)
	svc.done = s.wg.Done
	s.root.Add(svc)
}

// Stop cancels the tree and waits for every service to return.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all services returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if s.ctx.Err() != nil {
		select {
		case <-s.serveC:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Err()
}

// Snapshot returns per-name run statistics, active ones first.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	snap := SupervisorSnapshot{}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

func (s *Supervisor) stat(name string) *GoroutineStats {
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.mu.Lock()
	st := s.stat(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) noteStop(name string, err error) {
	s.mu.Lock()
	st := s.stat(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = time.Now()
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string) {
	s.mu.Lock()
	s.stat(name).Panics++
	s.mu.Unlock()
}

// service adapts a goroutine body to suture.Service.
type service struct {
	sup  *Supervisor
	name string
	fn   func(ctx context.Context) error
	cfg  restartCfg
	done func()

	runs     int
	backoff  time.Duration
	doneOnce sync.Once
}

func (v *service) String() string { return v.name }

func (v *service) finish(err error) error {
	v.doneOnce.Do(v.done)
	return err
}

func (v *service) Serve(ctx context.Context) error {
	if v.runs > 0 && !v.wait(ctx) {
		return v.finish(suture.ErrDoNotRestart)
	}
	v.runs++
	v.sup.noteStart(v.name, v.runs > 1)

	err := v.run(ctx)
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		v.sup.noteStop(v.name, nil)
		return v.finish(suture.ErrDoNotRestart)
	}
	if err == nil && v.cfg.stopOnCleanExit {
		v.sup.noteStop(v.name, nil)
		return v.finish(suture.ErrDoNotRestart)
	}
	if err == nil {
		err = errors.New("exited")
	}
	err = fmt.Errorf("%s: %w", v.name, err)
	v.sup.noteStop(v.name, err)
	if v.cfg.publishFirstErr {
		v.sup.setErr(err)
	}

	if v.cfg.maxRestarts < 0 || (v.cfg.maxRestarts > 0 && v.runs > v.cfg.maxRestarts) {
		v.sup.log.Error("service gave up", logx.String("name", v.name), logx.Int("runs", v.runs), logx.Err(err))
		if v.cfg.fatalOnFinalErr {
			v.sup.setErr(err)
			if v.sup.cancelOnErr {
				v.sup.cancel()
			}
		}
		return v.finish(suture.ErrDoNotRestart)
	}
	v.sup.log.Warn("service restarting", logx.String("name", v.name), logx.Duration("backoff", v.backoff), logx.Err(err))
	return err
}

// run calls fn, turning a panic into an error so restart accounting stays
// in one place.
func (v *service) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			v.sup.notePanic(v.name)
			v.sup.log.Error("goroutine panicked", logx.String("name", v.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return v.fn(ctx)
}

// wait sleeps for the current backoff with 20% jitter and doubles it.
func (v *service) wait(ctx context.Context) bool {
	d := v.backoff
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	v.backoff = min(v.backoff*2, v.cfg.maxBackoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
