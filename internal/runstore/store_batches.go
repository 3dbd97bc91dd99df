package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const batchColumns = "id, name, state, matched_entities, total_expected_entities, wall_clock_paused_ms, pause_started_at, started_at, completed_at, prompt_name, prompt_version, failed_units, match_anomaly, error_message, created_at, updated_at"

const unitColumns = "id, batch_id, ordinal, name, document, expected_count, expected_json, final_run_id, outcome"

func scanBatch(scanner rowScanner) (*BatchRun, error) {
	var (
		b             BatchRun
		state         string
		pauseStarted  sql.NullString
		started       sql.NullString
		completed     sql.NullString
		promptName    sql.NullString
		promptVersion sql.NullInt64
		matchAnomaly  int
		errorMessage  sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
	)
	if err := scanner.Scan(
		&b.ID,
		&b.Name,
		&state,
		&b.MatchedEntities,
		&b.TotalExpectedEntities,
		&b.WallClockPausedMS,
		&pauseStarted,
		&started,
		&completed,
		&promptName,
		&promptVersion,
		&b.FailedUnits,
		&matchAnomaly,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	b.State = BatchState(state)
	b.PauseStartedAt = timePtr(pauseStarted)
	b.StartedAt = timePtr(started)
	b.CompletedAt = timePtr(completed)
	b.PromptName = promptName.String
	b.PromptVersion = int(promptVersion.Int64)
	b.MatchAnomaly = matchAnomaly != 0
	b.ErrorMessage = errorMessage.String
	b.CreatedAt = timeValue(createdRaw)
	b.UpdatedAt = timeValue(updatedRaw)
	return &b, nil
}

func scanUnit(scanner rowScanner) (*BatchUnit, error) {
	var (
		u            BatchUnit
		expectedJSON sql.NullString
		finalRunID   sql.NullString
		outcome      sql.NullString
	)
	if err := scanner.Scan(
		&u.ID,
		&u.BatchID,
		&u.Ordinal,
		&u.Name,
		&u.Document,
		&u.ExpectedCount,
		&expectedJSON,
		&finalRunID,
		&outcome,
	); err != nil {
		return nil, err
	}
	if expectedJSON.Valid && expectedJSON.String != "" {
		if err := json.Unmarshal([]byte(expectedJSON.String), &u.Expected); err != nil {
			return nil, fmt.Errorf("decode expected entities for unit %s: %w", u.ID, err)
		}
	}
	u.FinalRunID = finalRunID.String
	u.Outcome = UnitOutcome(outcome.String)
	return &u, nil
}

// CreateBatch inserts a pending batch and its units in one transaction.
// Missing IDs are generated and units without a declared expected count
// default to the number of expected entities.
func (s *Store) CreateBatch(ctx context.Context, batch *BatchRun, units []*BatchUnit) error {
	if batch == nil {
		return errors.New("create batch: nil batch")
	}
	now := timeNow()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.State == "" {
		batch.State = BatchPending
	}
	batch.CreatedAt = now
	batch.UpdatedAt = now

	for i, unit := range units {
		if unit.ID == "" {
			unit.ID = uuid.NewString()
		}
		unit.BatchID = batch.ID
		unit.Ordinal = i
		if unit.ExpectedCount <= 0 {
			unit.ExpectedCount = len(unit.Expected)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_run (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			batch.ID,
			batch.Name,
			batch.State,
			batch.MatchedEntities,
			batch.TotalExpectedEntities,
			batch.WallClockPausedMS,
			nullableTime(batch.PauseStartedAt),
			nullableTime(batch.StartedAt),
			nullableTime(batch.CompletedAt),
			nullableString(batch.PromptName),
			batch.PromptVersion,
			batch.FailedUnits,
			boolToInt(batch.MatchAnomaly),
			nullableString(batch.ErrorMessage),
			formatTime(batch.CreatedAt),
			formatTime(batch.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for _, unit := range units {
			expected, err := marshalJSON(unit.Expected)
			if err != nil {
				return fmt.Errorf("encode expected entities: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO batch_unit (`+unitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				unit.ID,
				unit.BatchID,
				unit.Ordinal,
				unit.Name,
				unit.Document,
				unit.ExpectedCount,
				expected,
				nullableString(unit.FinalRunID),
				nullableString(string(unit.Outcome)),
			); err != nil {
				return fmt.Errorf("insert unit %d: %w", unit.Ordinal, err)
			}
		}
		return nil
	})
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*BatchRun, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+batchColumns+` FROM batch_run WHERE id = ?`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns batches newest first, optionally filtered by state.
func (s *Store) ListBatches(ctx context.Context, states ...BatchState) ([]*BatchRun, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_run`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (` + makePlaceholders(len(states)) + `)`
		for _, state := range states {
			args = append(args, state)
		}
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*BatchRun
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// SaveBatch writes every mutable batch column.
func (s *Store) SaveBatch(ctx context.Context, batch *BatchRun) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		return saveBatch(ctx, s.db, batch)
	})
}

// CompleteUnit records a unit's final run and saves the batch aggregate in
// one transaction, so a crash never leaves one without the other.
func (s *Store) CompleteUnit(ctx context.Context, batch *BatchRun, unitID, finalRunID string, outcome UnitOutcome) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batch_unit SET final_run_id = ?, outcome = ? WHERE id = ? AND batch_id = ?`,
			nullableString(finalRunID), nullableString(string(outcome)), unitID, batch.ID)
		if err != nil {
			return fmt.Errorf("set unit outcome: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
		}
		return saveBatch(ctx, tx, batch)
	})
}

func saveBatch(ctx context.Context, db execer, batch *BatchRun) error {
	batch.UpdatedAt = timeNow()
	res, err := db.ExecContext(ctx,
		`UPDATE batch_run SET
            name = ?, state = ?, matched_entities = ?, total_expected_entities = ?,
            wall_clock_paused_ms = ?, pause_started_at = ?, started_at = ?, completed_at = ?,
            prompt_name = ?, prompt_version = ?, failed_units = ?, match_anomaly = ?,
            error_message = ?, updated_at = ?
        WHERE id = ?`,
		batch.Name,
		batch.State,
		batch.MatchedEntities,
		batch.TotalExpectedEntities,
		batch.WallClockPausedMS,
		nullableTime(batch.PauseStartedAt),
		nullableTime(batch.StartedAt),
		nullableTime(batch.CompletedAt),
		nullableString(batch.PromptName),
		batch.PromptVersion,
		batch.FailedUnits,
		boolToInt(batch.MatchAnomaly),
		nullableString(batch.ErrorMessage),
		formatTime(batch.UpdatedAt),
		batch.ID,
	)
	if err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", batch.ID, ErrNotFound)
	}
	return nil
}

// DeleteBatch removes a batch together with its units, runs, and entities.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM batch_run WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return nil
}

// Summary aggregates run state counts and token totals for a batch.
func (s *Store) Summary(ctx context.Context, batchID string) (BatchSummary, error) {
	summary := BatchSummary{RunCounts: make(map[RunState]int)}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT state, COUNT(*),
            COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
            COALESCE(SUM(reasoning_tokens), 0), COALESCE(SUM(total_tokens), 0)
        FROM extraction_run WHERE batch_id = ? GROUP BY state`, batchID)
	if err != nil {
		return summary, fmt.Errorf("summarize batch: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state                                string
			count                                int
			input, output, reasoning, totalCount int64
		)
		if err := rows.Scan(&state, &count, &input, &output, &reasoning, &totalCount); err != nil {
			return summary, fmt.Errorf("scan summary: %w", err)
		}
		summary.RunCounts[RunState(state)] = count
		summary.InputTokens += input
		summary.OutputTokens += output
		summary.ReasoningTokens += reasoning
		summary.TotalTokens += totalCount
	}
	return summary, rows.Err()
}

// ListUnits returns a batch's units in submission order.
func (s *Store) ListUnits(ctx context.Context, batchID string) ([]*BatchUnit, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+unitColumns+` FROM batch_unit WHERE batch_id = ? ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()
	var units []*BatchUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

// GetUnit fetches a unit by id.
func (s *Store) GetUnit(ctx context.Context, id string) (*BatchUnit, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+unitColumns+` FROM batch_unit WHERE id = ?`, id)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return unit, nil
}
