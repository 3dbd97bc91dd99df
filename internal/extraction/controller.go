package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"extractflow/internal/config"
	"extractflow/internal/extractor"
	"extractflow/internal/logging"
	"extractflow/internal/matcher"
	"extractflow/internal/quality"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

const maxBackoff = 30 * time.Second

// Settings holds the limits a Controller enforces.
type Settings struct {
	MaxRetryDepth    int
	TransientRetries int
	RetryBackoff     time.Duration
	RunTimeout       time.Duration
	FailureThreshold int
}

// SettingsFromConfig reads controller limits from configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxRetryDepth:    cfg.Orchestrator.MaxRetryDepth,
		TransientRetries: cfg.Orchestrator.TransientRetries,
		RetryBackoff:     cfg.RetryBackoff(),
		RunTimeout:       cfg.RunTimeout(),
		FailureThreshold: cfg.Quality.FailureThreshold,
	}
}

// Store is the persistence a Controller needs. *runstore.Store satisfies it.
type Store interface {
	CreateRun(ctx context.Context, run *runstore.ExtractionRun) error
	GetRun(ctx context.Context, id string) (*runstore.ExtractionRun, error)
	SaveRun(ctx context.Context, run *runstore.ExtractionRun) error
	CompleteExecution(ctx context.Context, run *runstore.ExtractionRun, entities []runstore.ExtractionEntity) error
	ListEntities(ctx context.Context, runID string) ([]runstore.ExtractionEntity, error)
	ListChildren(ctx context.Context, parentID string) ([]*runstore.ExtractionRun, error)
}

// Controller runs extraction attempts for units.
type Controller struct {
	store     Store
	extractor extractor.Extractor
	rules     *quality.Holder
	settings  Settings
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController wires a controller to its collaborators.
func NewController(store Store, ext extractor.Extractor, rules *quality.Holder, settings Settings, logger *slog.Logger) *Controller {
	if settings.MaxRetryDepth < 1 {
		settings.MaxRetryDepth = 1
	}
	return &Controller{
		store:     store,
		extractor: ext,
		rules:     rules,
		settings:  settings,
		logger:    logging.NewComponentLogger(logger, "extraction"),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Settings returns the limits in effect.
func (c *Controller) Settings() Settings {
	return c.settings
}

// Start creates a pending run for unit. With a parent, the parent must exist,
// belong to the same unit, have ended failed or quality_failed, and not have
// been retried already. The attempt number is the length of the parent's
// lineage plus one; a corrupt lineage returns ErrLineageCycle.
func (c *Controller) Start(ctx context.Context, unit *runstore.BatchUnit, parentRunID *string) (*runstore.ExtractionRun, error) {
	if unit == nil {
		return nil, errors.New("start run: nil unit")
	}
	run := &runstore.ExtractionRun{
		BatchID: unit.BatchID,
		UnitID:  unit.ID,
		Attempt: 1,
		State:   runstore.RunPending,
	}

	if parentRunID != nil && *parentRunID != "" {
		parentID := *parentRunID
		invalid := func(reason string) error {
			return &InvalidRetryError{ParentRunID: parentID, UnitID: unit.ID, Reason: reason}
		}
		parent, err := c.store.GetRun(ctx, parentID)
		if errors.Is(err, runstore.ErrNotFound) {
			return nil, invalid("parent run not found")
		}
		if err != nil {
			return nil, err
		}
		if parent.UnitID != unit.ID {
			return nil, invalid("parent belongs to another unit")
		}
		if !parent.State.IsRetryable() {
			return nil, invalid(fmt.Sprintf("parent is %s", parent.State))
		}
		chain, err := c.Lineage(ctx, parentID)
		if err != nil {
			return nil, err
		}
		children, err := c.store.ListChildren(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			return nil, invalid("parent already retried")
		}
		depth := len(chain)
		if depth >= c.settings.MaxRetryDepth {
			return nil, fmt.Errorf("unit %s after %d attempts: %w", unit.ID, depth, ErrRetryExhausted)
		}
		run.ParentRunID = &parentID
		run.Attempt = depth + 1
	}

	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "run_created"),
		logging.String(logging.FieldBatchID, run.BatchID),
		logging.String(logging.FieldUnitID, run.UnitID),
		logging.String(logging.FieldRunID, run.ID),
		logging.Int("attempt", run.Attempt),
	}
	if run.ParentRunID != nil {
		attrs = append(attrs, logging.String(logging.FieldParentRunID, *run.ParentRunID))
	}
	logging.WithContext(ctx, c.logger).Debug("extraction run created", logging.Args(attrs...)...)
	return run, nil
}

// Execute calls the extractor for a pending run and stores its entities with
// entity_index assigned in output order. Transient extractor errors are
// retried. A final failure marks the run failed with no entities and returns
// an error wrapping ErrRunFailed.
func (c *Controller) Execute(ctx context.Context, run *runstore.ExtractionRun, prompt, document string) ([]runstore.ExtractionEntity, error) {
	ctx = runContext(ctx, run)
	logger := logging.WithContext(ctx, c.logger)

	if err := run.Begin(c.now()); err != nil {
		return nil, err
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	resp, err := c.extractWithRetry(ctx, logger, extractor.Request{RunID: run.ID, Prompt: prompt, Document: document})
	if err != nil {
		message := failureMessage(ctx, err)
		if failErr := c.failRun(ctx, run, message, services.IsTransient(err)); failErr != nil {
			return nil, errors.Join(err, failErr)
		}
		logging.ErrorWithContext(logger, "extraction failed", "run_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorKind, services.Kind(err)),
			logging.String(logging.FieldErrorHint, "check extractor connectivity and credentials"),
		)
		return nil, fmt.Errorf("%w: %w", ErrRunFailed, err)
	}

	entities := make([]runstore.ExtractionEntity, len(resp.Entities))
	for i, e := range resp.Entities {
		index := i
		entities[i] = runstore.ExtractionEntity{
			EntityIndex: &index,
			Type:        e.Type,
			Name:        e.Name,
			Fields:      e.Fields,
			Confidence:  e.Confidence,
		}
	}
	if run.RecordUsage(resp.Usage) {
		sum, _ := resp.Usage.Sum()
		logging.WarnWithContext(logger, "token total disagrees with breakdown", "token_anomaly",
			logging.Alert("token_anomaly"),
			logging.Int64("reported_total_tokens", *run.TotalTokens),
			logging.Int64("summed_tokens", sum),
			logging.String(logging.FieldErrorHint, "extractor usage report is inconsistent"),
			logging.String(logging.FieldImpact, "reported total kept and flagged"),
		)
	}
	if err := c.store.CompleteExecution(ctx, run, entities); err != nil {
		return nil, err
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "run_extracted"),
		logging.Int("entities", len(entities)),
		logging.String("model", resp.Model),
	}
	if run.TotalTokens != nil {
		attrs = append(attrs, logging.Int64("total_tokens", *run.TotalTokens))
	}
	logger.Info("extraction completed", logging.Args(attrs...)...)
	return entities, nil
}

func (c *Controller) extractWithRetry(ctx context.Context, logger *slog.Logger, req extractor.Request) (extractor.Response, error) {
	if c.extractor == nil {
		return extractor.Response{}, services.Wrap(services.ErrConfiguration, "extraction", "execute", "no extractor configured", nil)
	}
	for attempt := 0; ; attempt++ {
		resp, err := c.extractor.Extract(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return extractor.Response{}, err
		}
		if !services.IsTransient(err) || attempt >= c.settings.TransientRetries {
			return extractor.Response{}, err
		}
		delay := c.backoff(attempt)
		if hinted, ok := extractor.RetryAfter(err); ok {
			delay = hinted
		}
		logger.Warn("transient extractor error; retrying",
			logging.String(logging.FieldEventType, "extractor_retry"),
			logging.Int("retry", attempt+1),
			logging.Int("max_retries", c.settings.TransientRetries),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return extractor.Response{}, err
		}
	}
}

func (c *Controller) backoff(attempt int) time.Duration {
	delay := c.settings.RetryBackoff
	for i := 0; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// EvaluateQuality checks the run's stored entities against the active rule
// snapshot. More error-severity violations than the failure threshold marks
// the run quality_failed.
func (c *Controller) EvaluateQuality(ctx context.Context, run *runstore.ExtractionRun) (quality.Report, error) {
	ctx = runContext(ctx, run)
	logger := logging.WithContext(ctx, c.logger)
	if run.State != runstore.RunRunning {
		return quality.Report{}, &runstore.InvalidStateError{Entity: "run", ID: run.ID, From: string(run.State), To: "quality evaluation"}
	}

	entities, err := c.store.ListEntities(ctx, run.ID)
	if err != nil {
		return quality.Report{}, err
	}
	var rules *quality.RuleSet
	if c.rules != nil {
		rules = c.rules.Snapshot()
	}
	report := c.safeEvaluate(logger, entities, rules)

	blocking := report.Count(quality.SeverityError)
	run.ViolationCount = report.Total()
	if blocking > c.settings.FailureThreshold {
		message := fmt.Sprintf("%d error-severity violations exceed threshold %d", blocking, c.settings.FailureThreshold)
		if err := run.FailQuality(run.ViolationCount, message, c.now()); err != nil {
			return report, err
		}
		if err := c.store.SaveRun(ctx, run); err != nil {
			return report, err
		}
		logging.WarnWithContext(logger, "run failed quality gate", "run_quality_failed",
			logging.Int("violations", run.ViolationCount),
			logging.Int("error_violations", blocking),
			logging.Int("threshold", c.settings.FailureThreshold),
			logging.Int64("rule_version", report.RuleVersion),
			logging.String(logging.FieldErrorHint, "inspect violations or adjust quality rules"),
			logging.String(logging.FieldImpact, "run eligible for retry"),
		)
		return report, nil
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return report, err
	}
	return report, nil
}

// MatchAgainstExpected pairs the run's entities with the unit's baseline,
// stores the match count, and closes the run as succeeded.
func (c *Controller) MatchAgainstExpected(ctx context.Context, run *runstore.ExtractionRun, expected []runstore.ExpectedEntity) (matcher.Result, error) {
	ctx = runContext(ctx, run)
	logger := logging.WithContext(ctx, c.logger)
	if run.State != runstore.RunRunning {
		return matcher.Result{}, &runstore.InvalidStateError{Entity: "run", ID: run.ID, From: string(run.State), To: string(runstore.RunSucceeded)}
	}

	entities, err := c.store.ListEntities(ctx, run.ID)
	if err != nil {
		return matcher.Result{}, err
	}
	result := c.safeMatch(logger, entities, expected)
	if err := run.Succeed(int64(result.MatchedCount), c.now()); err != nil {
		return result, err
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return result, err
	}
	logger.Info("run matched",
		logging.String(logging.FieldEventType, "run_succeeded"),
		logging.Int("matched", result.MatchedCount),
		logging.Int("expected", len(expected)),
		logging.Int("unmatched_extracted", len(result.UnmatchedExtracted)),
	)
	return result, nil
}

func (c *Controller) safeEvaluate(logger *slog.Logger, entities []runstore.ExtractionEntity, rules *quality.RuleSet) (report quality.Report) {
	defer func() {
		if r := recover(); r != nil {
			logging.WarnWithContext(logger, "quality evaluation panicked; reporting no violations", "quality_evaluation_error",
				logging.String("panic", fmt.Sprint(r)),
				logging.String(logging.FieldImpact, "run not gated by quality rules"),
			)
			report = quality.Report{}
		}
	}()
	return quality.Evaluate(entities, rules)
}

func (c *Controller) safeMatch(logger *slog.Logger, entities []runstore.ExtractionEntity, expected []runstore.ExpectedEntity) (result matcher.Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.WarnWithContext(logger, "matching panicked; reporting zero matches", "match_error",
				logging.String("panic", fmt.Sprint(r)),
				logging.String(logging.FieldImpact, "run contributes no matches"),
			)
			result = matcher.Result{}
		}
	}()
	return matcher.Match(entities, expected)
}

func (c *Controller) failRun(ctx context.Context, run *runstore.ExtractionRun, message string, transient bool) error {
	if run.State.IsTerminal() {
		return nil
	}
	if err := run.Fail(message, transient, c.now()); err != nil {
		return err
	}
	// The run context may already be done; the failure must still land.
	return c.store.SaveRun(context.WithoutCancel(ctx), run)
}

func runContext(ctx context.Context, run *runstore.ExtractionRun) context.Context {
	ctx = services.WithBatchID(ctx, run.BatchID)
	ctx = services.WithUnitID(ctx, run.UnitID)
	return services.WithRunID(ctx, run.ID)
}

func failureMessage(ctx context.Context, err error) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause.Error()
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
