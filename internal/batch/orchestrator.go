package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"extractflow/internal/config"
	"extractflow/internal/extraction"
	"extractflow/internal/logging"
	"extractflow/internal/quality"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// Settings holds orchestrator limits.
type Settings struct {
	Concurrency   int
	FailurePolicy string
}

// SettingsFromConfig reads orchestrator limits from configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Concurrency:   cfg.Orchestrator.Concurrency,
		FailurePolicy: cfg.Orchestrator.FailurePolicy,
	}
}

// Submission describes a batch to create.
type Submission struct {
	Name  string
	Units []*runstore.BatchUnit
}

// Notifier is told about batches that reached a terminal state while
// dispatching.
type Notifier interface {
	BatchFinished(ctx context.Context, batch *runstore.BatchRun) error
}

// Orchestrator owns batch lifecycles for one process.
type Orchestrator struct {
	store      *runstore.Store
	controller *extraction.Controller
	rules      *quality.Holder
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
	notifier   Notifier

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu     sync.Mutex
	active map[string]*activeBatch
	wg     sync.WaitGroup
}

// New builds an orchestrator. Dispatch goroutines outlive the contexts of
// the calls that start them and end on Shutdown.
func New(store *runstore.Store, controller *extraction.Controller, rules *quality.Holder, settings Settings, logger *slog.Logger) *Orchestrator {
	if settings.Concurrency < 1 {
		settings.Concurrency = 1
	}
	if settings.FailurePolicy == "" {
		settings.FailurePolicy = config.FailurePolicyFailBatch
	}
	base, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:      store,
		controller: controller,
		rules:      rules,
		settings:   settings,
		logger:     logging.NewComponentLogger(logger, "orchestrator"),
		now:        time.Now,
		baseCtx:    base,
		baseCancel: cancel,
		active:     make(map[string]*activeBatch),
	}
}

// SetNotifier registers n for batch completion alerts. Call it before any
// batch starts.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Submit validates configuration and stores a pending batch whose expected
// total is the sum of its units' expected counts. A missing prompt or a rule
// document that no longer parses rejects the submission.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*runstore.BatchRun, error) {
	if len(sub.Units) == 0 {
		return nil, services.Wrap(services.ErrValidation, "orchestrator", "submit", "", ErrEmptyBatch)
	}
	for i, unit := range sub.Units {
		if unit == nil || strings.TrimSpace(unit.Document) == "" {
			return nil, services.Wrap(services.ErrValidation, "orchestrator", "submit", fmt.Sprintf("unit %d has no document", i), nil)
		}
	}

	promptName, prompt, err := o.store.ActivePrompt(ctx)
	if errors.Is(err, runstore.ErrNoActivePrompt) {
		return nil, services.Wrap(services.ErrConfiguration, "orchestrator", "submit", "activate a prompt before submitting batches", err)
	}
	if err != nil {
		return nil, err
	}
	if err := o.checkRules(ctx); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(sub.Name)
	if name == "" {
		name = "batch " + o.now().UTC().Format(time.RFC3339)
	}
	batch := &runstore.BatchRun{
		Name:          name,
		State:         runstore.BatchPending,
		PromptName:    promptName,
		PromptVersion: prompt.Index,
	}
	for _, unit := range sub.Units {
		count := unit.ExpectedCount
		if count <= 0 {
			count = len(unit.Expected)
		}
		batch.TotalExpectedEntities += int64(count)
	}
	if err := o.store.CreateBatch(ctx, batch, sub.Units); err != nil {
		return nil, err
	}
	logging.WithContext(services.WithBatchID(ctx, batch.ID), o.logger).Info("batch submitted",
		logging.String(logging.FieldEventType, "batch_submitted"),
		logging.String("name", batch.Name),
		logging.Int("units", len(sub.Units)),
		logging.Int64("total_expected_entities", batch.TotalExpectedEntities),
		logging.String("prompt", fmt.Sprintf("%s@v%d", promptName, prompt.Index)),
	)
	return batch, nil
}

func (o *Orchestrator) checkRules(ctx context.Context) error {
	if o.rules == nil {
		return nil
	}
	doc, err := o.rules.Document(ctx)
	if err != nil {
		return err
	}
	if _, _, err := quality.Parse(doc.RulesJSON); err != nil {
		return err
	}
	return nil
}

// Start moves a pending batch to running and begins dispatching its units.
func (o *Orchestrator) Start(ctx context.Context, batchID string) (*runstore.BatchRun, error) {
	batch, err := o.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	prompt, err := o.store.GetPromptVersion(ctx, batch.PromptName, batch.PromptVersion)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "orchestrator", "start", "batch prompt unavailable", err)
	}
	units, err := o.store.ListUnits(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[batch.ID]; ok {
		return nil, &runstore.InvalidStateError{Entity: "batch", ID: batch.ID, From: string(runstore.BatchRunning), To: string(runstore.BatchRunning)}
	}
	if err := batch.Start(o.now()); err != nil {
		return nil, err
	}
	if err := o.store.SaveBatch(ctx, batch); err != nil {
		return nil, err
	}

	work := make([]unitWork, 0, len(units))
	for _, unit := range units {
		work = append(work, unitWork{unit: unit})
	}
	ab := o.launch(batch, prompt.Content, work)
	logging.WithContext(services.WithBatchID(ctx, batch.ID), o.logger).Info("batch started",
		logging.String(logging.FieldEventType, "batch_started"),
		logging.Int("units", len(units)),
		logging.Int("concurrency", o.settings.Concurrency),
	)
	return ab.snapshot(), nil
}

// Shutdown stops dispatch for every active batch. In-flight runs are
// cancelled and recorded as failed; batches stay running in the store so
// Recover can pick them up after a restart.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseCancel(errors.New(runstore.DaemonStopReason))
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) getBatch(ctx context.Context, batchID string) (*runstore.BatchRun, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
	}
	return batch, err
}

func (o *Orchestrator) lookup(batchID string) *activeBatch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[batchID]
}
