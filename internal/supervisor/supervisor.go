package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"encodeq/internal/config"
	"encodeq/internal/faults"
	"encodeq/internal/ipc"
	"encodeq/internal/logging"
	"encodeq/internal/queue"
	"encodeq/internal/recovery"
	"encodeq/internal/worker"
)

// ErrNotRunning is returned by commands issued while the loop is stopped.
var ErrNotRunning = fmt.Errorf("%w: supervisor not running", faults.ErrTransportFault)

// Options wires a Supervisor.
type Options struct {
	Config    *config.Config
	Launcher  worker.Launcher
	Scheduler *queue.Scheduler
	Policy    recovery.Policy
	Logger    *slog.Logger
	// SpawnBackoff spaces respawn attempts after launch failures.
	SpawnBackoff ipc.Backoff
}

// Supervisor owns the scheduler and the worker pool.
type Supervisor struct {
	cfg      *config.Config
	launcher worker.Launcher
	sched    *queue.Scheduler
	policy   recovery.Policy
	logger   *slog.Logger
	backoff  ipc.Backoff

	ops     chan func()
	done    chan struct{}
	runCtx  context.Context
	helpers sync.WaitGroup

	mu        sync.Mutex
	running   bool
	observers []Observer

	// Loop-owned state.
	slots      []*slot
	scans      []*scanRequest
	restarts   int
	started    time.Time
	redispatch bool
}

// New validates opts and returns an idle supervisor. Call Run to start it.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "supervisor", "new", "config required", nil)
	}
	if opts.Launcher == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "supervisor", "new", "launcher required", nil)
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = queue.NewScheduler(queue.WithLogger(opts.Logger))
	}
	policy := opts.Policy
	if policy.MissesToConfirm <= 0 {
		policy.MissesToConfirm = opts.Config.Supervisor.MissedPingsToCrash
	}
	if policy.MaxCrashRetries <= 0 {
		policy.MaxCrashRetries = opts.Config.Supervisor.MaxCrashRetries
	}
	backoff := opts.SpawnBackoff
	if backoff == nil {
		backoff = ipc.Exponential{Initial: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	s := &Supervisor{
		cfg:      opts.Config,
		launcher: opts.Launcher,
		sched:    sched,
		policy:   policy,
		logger:   logging.NewComponentLogger(opts.Logger, "supervisor"),
		backoff:  backoff,
		ops:      make(chan func(), 64),
		done:     make(chan struct{}),
	}
	size := max(opts.Config.Supervisor.PoolSize, 1)
	for i := range size {
		s.slots = append(s.slots, &slot{index: i})
	}
	return s, nil
}

// Scheduler exposes the queue the supervisor drains.
func (s *Supervisor) Scheduler() *queue.Scheduler { return s.sched }

// Subscribe registers an observer. Observers added after Run starts only
// see later updates.
func (s *Supervisor) Subscribe(fn Observer) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Running reports whether the loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run drives the pool until ctx ends, then shuts every worker down. Jobs
// still active at that point stay active in the journal and are reclaimed
// by the next run.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	s.runCtx = ctx
	s.started = time.Now()
	s.logger.Info("supervisor started",
		logging.Int("pool_size", len(s.slots)),
		logging.String("idle_policy", s.cfg.Supervisor.IdlePolicy),
		logging.Int("queued", s.sched.Len()))

	if s.cfg.Supervisor.IdlePolicy == config.IdleKeepWarm {
		for _, sl := range s.slots {
			s.spawn(sl)
		}
	}
	s.dispatch()

	for {
		select {
		case <-ctx.Done():
			s.shutdownAll()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			close(s.done)
			s.helpers.Wait()
			s.logger.Info("supervisor stopped", logging.Int("restarts", s.restarts))
			return nil
		case op := <-s.ops:
			op()
			if s.redispatch {
				s.redispatch = false
				s.dispatch()
			}
		}
	}
}

// kick schedules a dispatch pass after the current operation.
func (s *Supervisor) kick() { s.redispatch = true }

// post hands op to the loop. It reports false once the loop has exited.
func (s *Supervisor) post(op func()) bool {
	select {
	case s.ops <- op:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (s *Supervisor) do(ctx context.Context, fn func() error) error {
	if !s.Running() {
		return ErrNotRunning
	}
	result := make(chan error, 1)
	if !s.post(func() { result <- fn() }) {
		return ErrNotRunning
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotRunning
	}
}

// helper runs fn on its own goroutine, tracked so Run can wait for it.
func (s *Supervisor) helper(fn func()) {
	s.helpers.Add(1)
	go func() {
		defer s.helpers.Done()
		fn()
	}()
}

func (s *Supervisor) notify(u Update) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(u)
	}
}

// shutdownAll stops every worker at loop exit. Idle workers get a graceful
// Shutdown; busy ones are terminated.
func (s *Supervisor) shutdownAll() {
	grace := s.cfg.Supervisor.ShutdownGrace()
	var wg sync.WaitGroup
	for _, sl := range s.slots {
		sl.stopTimers()
		h := sl.handle
		if h == nil {
			continue
		}
		sl.cancelSession()
		sl.handle = nil
		wg.Add(1)
		go func() {
			defer wg.Done()
			retire(h, grace)
		}()
	}
	wg.Wait()
	for _, req := range s.scans {
		req.finish(protocolScanAborted())
	}
	s.scans = nil
}

// retire asks h's worker to exit and terminates it if it does not within
// grace.
func retire(h *worker.Handle, grace time.Duration) {
	defer h.Close()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := h.Shutdown(ctx); err == nil {
		select {
		case <-h.Exited():
			return
		case <-ctx.Done():
		}
	}
	h.Terminate(grace)
}
