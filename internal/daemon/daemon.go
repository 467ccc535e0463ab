package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"encodeq/internal/config"
	"encodeq/internal/control"
	"encodeq/internal/logging"
	"encodeq/internal/queue"
	"encodeq/internal/supervisor"
	"encodeq/internal/worker"
)

// finishedRetention bounds how long terminal entries stay in the database.
const finishedRetention = 30 * 24 * time.Hour

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another encodeq daemon instance is already running")

// Daemon owns the process lifecycle: lock, store, supervisor, and control
// socket.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	launcher worker.Launcher

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	sup       atomic.Pointer[supervisor.Supervisor]
}

// New constructs a daemon. When launcher is nil, workers are started from
// the configured worker binary.
func New(cfg *config.Config, logger *slog.Logger, launcher worker.Launcher) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if launcher == nil {
		launcher = &worker.ExecLauncher{
			Binary:       cfg.Worker.Binary,
			Engine:       cfg.Worker.Engine,
			EngineBinary: cfg.Worker.EngineBinary,
			ProbeBinary:  cfg.Worker.ProbeBinary,
			Logger:       logger,
		}
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		launcher: launcher,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the control socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Running reports whether Run is active.
func (d *Daemon) Running() bool { return d.running.Load() }

// Supervisor returns the active supervisor, or nil before Run wires it.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup.Load() }

// Run holds the instance lock and serves until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	store, err := queue.Open(d.cfg.QueueDBPath())
	if err != nil {
		logging.ErrorWithContext(d.logger, "open queue store", "queue_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions"))
		return err
	}
	defer store.Close()

	sched, err := d.restoreQueue(ctx, store)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Options{
		Config:    d.cfg,
		Launcher:  d.launcher,
		Scheduler: sched,
		Logger:    d.logger,
	})
	if err != nil {
		return err
	}
	sup.Subscribe(d.logUpdate)
	d.sup.Store(sup)

	g, gctx := errgroup.WithContext(ctx)
	server, err := control.NewServer(gctx, d.cfg.ControlSocketPath(), sup, control.Info{
		PID:         os.Getpid(),
		LockPath:    d.lockPath,
		QueueDBPath: store.Path(),
	}, d.logger)
	if err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	server.Serve(gctx)
	d.readyOnce.Do(func() { close(d.ready) })

	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		server.Close()
		server.Wait()
		return nil
	})

	d.logger.Info("encodeq daemon started",
		logging.String("lock", d.lockPath),
		logging.String("socket", server.Path()),
		logging.Int("pool_size", d.cfg.Supervisor.PoolSize))
	err = g.Wait()
	d.logger.Info("encodeq daemon stopped")
	return err
}

// restoreQueue loads the persisted queue, purges old history, and seeds a
// journaled scheduler.
func (d *Daemon) restoreQueue(ctx context.Context, store *queue.Store) (*queue.Scheduler, error) {
	if purged, err := store.PurgeFinished(ctx, time.Now().Add(-finishedRetention)); err != nil {
		logging.WarnWithContext(d.logger, "purge finished jobs failed", "queue_purge_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "old history stays in the database"))
	} else if purged > 0 {
		d.logger.Info("purged finished jobs", logging.Int64("count", purged))
	}

	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	sched := queue.NewScheduler(queue.WithJournal(store), queue.WithLogger(d.logger))
	reclaimed := sched.Restore(entries)
	stats := sched.Stats()
	d.logger.Info("queue restored",
		logging.String(logging.FieldEventType, "queue_restored"),
		logging.Int("queued", stats.Queued),
		logging.Int("reclaimed", reclaimed),
		logging.Int("history", stats.Completed+stats.Failed+stats.Cancelled))
	return sched, nil
}

func (d *Daemon) logUpdate(u supervisor.Update) {
	switch u.Kind {
	case supervisor.UpdateProgress:
		if u.Progress == nil {
			return
		}
		d.logger.Debug("job progress",
			logging.String(logging.FieldJobID, u.Entry.ID()),
			logging.Float64("percent", u.Progress.Percent),
			logging.Int("pass", u.Progress.Pass),
			logging.Duration("eta", u.Progress.ETA()))
	case supervisor.UpdatePaused, supervisor.UpdateResumed:
		d.logger.Info("job "+string(u.Kind),
			logging.String(logging.FieldJobID, u.Entry.ID()),
			logging.Int(logging.FieldWorkerSlot, u.Slot))
	}
}
