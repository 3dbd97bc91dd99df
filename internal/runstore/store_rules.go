package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const emptyRules = `{"rules":{}}`

// GetQualityRules returns the active rule record. A fresh database reports an
// empty rule mapping at version 0.
func (s *Store) GetQualityRules(ctx context.Context) (*QualityRuleConfig, error) {
	var (
		rules      string
		updatedRaw sql.NullString
		version    int64
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT rules_json, updated_at, version FROM quality_rule_config WHERE id = 1`,
	).Scan(&rules, &updatedRaw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return &QualityRuleConfig{RulesJSON: []byte(emptyRules)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quality rules: %w", err)
	}
	return &QualityRuleConfig{
		RulesJSON: []byte(rules),
		UpdatedAt: timeValue(updatedRaw),
		Version:   version,
	}, nil
}

// ReplaceQualityRules stores rulesJSON wholesale and bumps the version.
func (s *Store) ReplaceQualityRules(ctx context.Context, rulesJSON []byte) (*QualityRuleConfig, error) {
	ctx = ensureContext(ctx)
	now := timeNow()
	var cfg *QualityRuleConfig
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quality_rule_config (id, rules_json, updated_at, version) VALUES (1, ?, ?, 1)
            ON CONFLICT(id) DO UPDATE SET
                rules_json = excluded.rules_json,
                updated_at = excluded.updated_at,
                version = quality_rule_config.version + 1`,
			string(rulesJSON), formatTime(now),
		); err != nil {
			return fmt.Errorf("replace quality rules: %w", err)
		}
		var version int64
		if err := tx.QueryRowContext(ctx, `SELECT version FROM quality_rule_config WHERE id = 1`).Scan(&version); err != nil {
			return fmt.Errorf("read rule version: %w", err)
		}
		cfg = &QualityRuleConfig{RulesJSON: append([]byte(nil), rulesJSON...), UpdatedAt: now, Version: version}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
