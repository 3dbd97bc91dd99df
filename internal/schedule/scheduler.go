package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"extractflow/internal/batch"
	"extractflow/internal/config"
	"extractflow/internal/logging"
	"extractflow/internal/manifest"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// Submitter is the part of the orchestrator the scheduler drives.
type Submitter interface {
	Submit(ctx context.Context, sub batch.Submission) (*runstore.BatchRun, error)
	Start(ctx context.Context, batchID string) (*runstore.BatchRun, error)
	Status(ctx context.Context, batchID string) (*batch.Status, error)
}

// Notifier is told when a cron firing fails to submit its batch.
type Notifier interface {
	ScheduleFailed(ctx context.Context, schedule string, err error) error
}

// Entry describes one configured schedule.
type Entry struct {
	Name        string    `json:"name"`
	Cron        string    `json:"cron"`
	Manifest    string    `json:"manifest"`
	Next        time.Time `json:"next"`
	Prev        time.Time `json:"prev,omitzero"`
	LastBatchID string    `json:"last_batch_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type job struct {
	cfg       config.Schedule
	id        cron.EntryID
	lastBatch string
	lastErr   string
}

// Scheduler owns a cron runner with one entry per configured schedule.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *slog.Logger
	now       func() time.Time
	notifier  Notifier

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as
// @hourly.
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// New validates every schedule and registers it. Nothing fires until Start.
func New(schedules []config.Schedule, submitter Submitter, logger *slog.Logger) (*Scheduler, error) {
	logger = logging.NewComponentLogger(logger, "scheduler")
	s := &Scheduler{
		submitter: submitter,
		logger:    logger,
		now:       time.Now,
		jobs:      make(map[string]*job, len(schedules)),
		ctx:       context.Background(),
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{logger})),
		cron.WithLogger(cronLogger{logger}),
	)
	for _, sched := range schedules {
		if _, err := ParseCron(sched.Cron); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "scheduler", "parse cron",
				fmt.Sprintf("schedule %q: %q", sched.Name, sched.Cron), err)
		}
		if _, dup := s.jobs[sched.Name]; dup {
			return nil, services.Wrap(services.ErrConfiguration, "scheduler", "register",
				fmt.Sprintf("schedule %q is defined twice", sched.Name), nil)
		}
		j := &job{cfg: sched}
		name := sched.Name
		id, err := s.cron.AddFunc(sched.Cron, func() { s.fire(name) })
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "scheduler", "register", sched.Name, err)
		}
		j.id = id
		s.jobs[name] = j
	}
	return s, nil
}

// SetNotifier registers n for failed firings. Call it before Start.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start begins firing schedules. Submissions use ctx for logging and store
// access; cancelling it does not stop the runner, Stop does.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started",
		logging.String(logging.FieldEventType, "scheduler_started"),
		logging.Int("schedules", len(s.jobs)),
	)
}

// Stop halts the runner and waits for in-progress submissions.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if _, err := s.Trigger(ctx, name); err != nil {
		logging.WarnWithContext(s.logger, "scheduled batch not submitted", "schedule_failed",
			logging.String("schedule", name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the manifest path and the active prompt"),
		)
		if s.notifier != nil {
			if nerr := s.notifier.ScheduleFailed(ctx, name, err); nerr != nil {
				s.logger.Warn("schedule notification failed", logging.String("schedule", name), logging.Error(nerr))
			}
		}
	}
}

// Trigger submits and starts the named schedule's manifest now. A schedule
// whose previous batch is still pending, running or paused is skipped and
// returns the earlier batch.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*runstore.BatchRun, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	var last string
	if ok {
		last = j.lastBatch
	}
	s.mu.Unlock()
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "scheduler", "trigger", fmt.Sprintf("schedule %q", name), nil)
	}

	if last != "" {
		status, err := s.submitter.Status(ctx, last)
		if err == nil && !status.Batch.State.IsTerminal() {
			s.logger.Info("previous scheduled batch still active; skipping",
				logging.String(logging.FieldEventType, "schedule_skipped"),
				logging.String("schedule", name),
				logging.String(logging.FieldBatchID, last),
				logging.String("state", string(status.Batch.State)),
			)
			return status.Batch, nil
		}
	}

	started, err := s.submit(ctx, j.cfg)
	s.mu.Lock()
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
		j.lastBatch = started.ID
	}
	s.mu.Unlock()
	return started, err
}

func (s *Scheduler) submit(ctx context.Context, cfg config.Schedule) (*runstore.BatchRun, error) {
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	name := m.Name
	if name == "" {
		name = cfg.Name
	}
	name = fmt.Sprintf("%s (%s)", name, s.now().UTC().Format(time.RFC3339))

	submitted, err := s.submitter.Submit(ctx, batch.Submission{Name: name, Units: m.BatchUnits()})
	if err != nil {
		return nil, err
	}
	started, err := s.submitter.Start(ctx, submitted.ID)
	if err != nil {
		return nil, err
	}
	logging.WithContext(services.WithBatchID(ctx, started.ID), s.logger).Info("scheduled batch started",
		logging.String(logging.FieldEventType, "schedule_fired"),
		logging.String("schedule", cfg.Name),
		logging.Int("units", len(m.Units)),
	)
	return started, nil
}

// Entries reports every schedule with its next fire time, sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for name, j := range s.jobs {
		entry := s.cron.Entry(j.id)
		next := entry.Next
		if next.IsZero() && entry.Schedule != nil {
			next = entry.Schedule.Next(s.now())
		}
		out = append(out, Entry{
			Name:        name,
			Cron:        j.cfg.Cron,
			Manifest:    j.cfg.Manifest,
			Next:        next,
			Prev:        entry.Prev,
			LastBatchID: j.lastBatch,
			LastError:   j.lastErr,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{logging.Error(err)}, keysAndValues...)...)
}
