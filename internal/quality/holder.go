package quality

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"extractflow/internal/logging"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

// RuleStore persists the single rule document.
type RuleStore interface {
	GetQualityRules(ctx context.Context) (*runstore.QualityRuleConfig, error)
	ReplaceQualityRules(ctx context.Context, rulesJSON []byte) (*runstore.QualityRuleConfig, error)
}

// Holder owns the process-wide active RuleSet.
type Holder struct {
	store   RuleStore
	logger  *slog.Logger
	current atomic.Pointer[RuleSet]
	// writeMu orders Replace calls so the stored version and the swapped
	// snapshot never disagree.
	writeMu sync.Mutex
}

// NewHolder returns a holder with an empty rule set until Load is called.
func NewHolder(store RuleStore, logger *slog.Logger) *Holder {
	h := &Holder{store: store, logger: logging.NewComponentLogger(logger, "quality")}
	h.current.Store(&RuleSet{})
	return h
}

// Load reads the stored document and makes it active. A stored document that
// no longer parses is a configuration error and leaves the current set alone.
func (h *Holder) Load(ctx context.Context) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	cfg, err := h.store.GetQualityRules(ctx)
	if err != nil {
		return err
	}
	set, warnings, err := Parse(cfg.RulesJSON)
	if err != nil {
		return err
	}
	set.Version = cfg.Version
	h.logWarnings(warnings, set.Version)
	h.current.Store(&set)
	h.logger.Info("quality rules loaded",
		logging.Int("rules", set.Len()),
		logging.Int64("version", set.Version),
	)
	return nil
}

// Snapshot returns the active rule set. The result must not be modified.
func (h *Holder) Snapshot() *RuleSet {
	return h.current.Load()
}

// Replace validates, stores, and activates a new document. Rejected documents
// change nothing. Entry-level warnings do not block the replace.
func (h *Holder) Replace(ctx context.Context, rulesJSON []byte) (*RuleSet, []Warning, error) {
	set, warnings, err := Parse(rulesJSON)
	if err != nil {
		return nil, nil, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	cfg, err := h.store.ReplaceQualityRules(ctx, rulesJSON)
	if err != nil {
		return nil, nil, err
	}
	set.Version = cfg.Version
	h.logWarnings(warnings, set.Version)
	h.current.Store(&set)
	h.logger.Info("quality rules replaced",
		logging.String(logging.FieldEventType, "quality_rules_replaced"),
		logging.Int("rules", set.Len()),
		logging.Int64("version", set.Version),
		logging.Int("warnings", len(warnings)),
	)
	return &set, warnings, nil
}

// ReplaceFromFile activates the rules document stored at path.
func (h *Holder) ReplaceFromFile(ctx context.Context, path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "quality", "read rules file", path, err)
	}
	set, _, err := h.Replace(ctx, data)
	return set, err
}

// Document returns the stored document as last written.
func (h *Holder) Document(ctx context.Context) (*runstore.QualityRuleConfig, error) {
	return h.store.GetQualityRules(ctx)
}

func (h *Holder) logWarnings(warnings []Warning, version int64) {
	for _, w := range warnings {
		logging.WarnWithContext(h.logger, "quality rule skipped", "quality_rule_invalid",
			logging.String("rule_id", w.RuleID),
			logging.String("reason", w.Reason),
			logging.Int64("version", version),
			logging.String(logging.FieldErrorHint, "fix the rule entry and replace the rule set"),
			logging.String(logging.FieldImpact, "rule is not evaluated"),
		)
	}
}
