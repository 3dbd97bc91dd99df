package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"extractflow/internal/batch"
	"extractflow/internal/config"
	"extractflow/internal/extraction"
	"extractflow/internal/extractor"
	"extractflow/internal/logging"
	"extractflow/internal/notifications"
	"extractflow/internal/preflight"
	"extractflow/internal/quality"
	"extractflow/internal/runstore"
	"extractflow/internal/schedule"
	"extractflow/internal/services"
)

const shutdownTimeout = 30 * time.Second

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *runstore.Store
	rules      *quality.Holder
	watcher    *quality.Watcher
	controller *extraction.Controller
	orch       *batch.Orchestrator
	scheduler  *schedule.Scheduler
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	mu        sync.Mutex
	running   atomic.Bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool
	PID           int
	StartedAt     time.Time
	DatabasePath  string
	LockFilePath  string
	ActiveBatches int
	RuleVersion   int64
	Schedules     []schedule.Entry
	Preflight     []preflight.Result
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *runstore.Store, ext extractor.Extractor, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || ext == nil {
		return nil, errors.New("daemon requires config, store, and extractor")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	rules := quality.NewHolder(store, logger)
	controller := extraction.NewController(store, ext, rules, extraction.SettingsFromConfig(cfg), logger)
	orch := batch.New(store, controller, rules, batch.SettingsFromConfig(cfg), logger)
	scheduler, err := schedule.New(cfg.Schedules, orch, logger)
	if err != nil {
		return nil, err
	}
	if notifier := notifications.NewService(cfg); notifications.Enabled(notifier) {
		orch.SetNotifier(notifier)
		scheduler.SetNotifier(notifier)
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		rules:      rules,
		controller: controller,
		orch:       orch,
		scheduler:  scheduler,
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
	}
	if cfg.Quality.RulesPath != "" && cfg.Quality.WatchRules {
		watcher, err := quality.NewWatcher(rules, cfg.Quality.RulesPath, logger)
		if err != nil {
			return nil, err
		}
		d.watcher = watcher
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, restores rule state, recovers interrupted
// batches, and begins serving.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.stopped {
		return errors.New("daemon was stopped; construct a new one to restart")
	}

	if err := d.cfg.EnsureDirectories(); err != nil {
		return services.Wrap(services.ErrConfiguration, "daemon", "start", "", err)
	}
	if failed := preflight.Failed(preflight.RunAll(ctx, d.cfg)); len(failed) > 0 {
		details := make([]string, 0, len(failed))
		for _, r := range failed {
			details = append(details, r.Name+": "+r.Detail)
		}
		return services.Wrap(services.ErrConfiguration, "daemon", "preflight", strings.Join(details, "; "), nil)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another extractflow daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		if err != nil {
			cancel()
			d.shutdown()
		}
	}()
	d.cancel = cancel

	if err := d.rules.Load(runCtx); err != nil {
		return fmt.Errorf("load quality rules: %w", err)
	}
	if err := d.applyRulesFile(runCtx); err != nil {
		return err
	}

	resumed, err := d.orch.Recover(runCtx)
	if err != nil {
		return fmt.Errorf("recover batches: %w", err)
	}
	d.scheduler.Start(runCtx)
	if err := d.api.start(runCtx); err != nil {
		return err
	}

	d.startedAt = time.Now()
	d.running.Store(true)
	d.logger.Info("extractflow daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Int("resumed_batches", resumed),
		logging.Int64("rule_version", d.rules.Snapshot().Version),
	)
	return nil
}

func (d *Daemon) applyRulesFile(ctx context.Context) error {
	path := d.cfg.Quality.RulesPath
	if path == "" {
		return nil
	}
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch quality rules: %w", err)
		}
		return nil
	}
	if _, err := d.rules.ReplaceFromFile(ctx, path); err != nil {
		logging.WarnWithContext(d.logger, "quality rules file rejected; keeping stored rules", "rules_rejected",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix the rules file and restart, or PUT /api/quality-rules"),
		)
	}
	return nil
}

// Stop stops background processing and releases the daemon lock. Batches
// still dispatching stay running in the store for the next Start.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	d.shutdown()
	d.running.Store(false)
	d.logger.Info("extractflow daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

func (d *Daemon) shutdown() {
	d.stopped = true
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.api.stop()
	if err := d.scheduler.Stop(ctx); err != nil {
		d.logger.Warn("scheduler did not stop in time", logging.Error(err))
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.orch.Shutdown(ctx); err != nil {
		logging.WarnWithContext(d.logger, "batch dispatch did not drain in time", "shutdown_timeout",
			logging.Error(err),
			logging.String(logging.FieldImpact, "in-flight runs are failed on next start"),
		)
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Orchestrator exposes batch control.
func (d *Daemon) Orchestrator() *batch.Orchestrator { return d.orch }

// Rules exposes the quality rule holder.
func (d *Daemon) Rules() *quality.Holder { return d.rules }

// Store exposes the run store.
func (d *Daemon) Store() *runstore.Store { return d.store }

// APIAddr reports the address the API listens on, or "" when disabled.
func (d *Daemon) APIAddr() string {
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	startedAt := d.startedAt
	d.mu.Unlock()
	return Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		StartedAt:     startedAt,
		DatabasePath:  d.cfg.DatabasePath(),
		LockFilePath:  d.lockPath,
		ActiveBatches: d.orch.ActiveCount(),
		RuleVersion:   d.rules.Snapshot().Version,
		Schedules:     d.scheduler.Entries(),
		Preflight:     preflight.RunAll(ctx, d.cfg),
	}
}
