package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const runColumns = "id, batch_id, unit_id, parent_run_id, attempt, state, input_tokens, output_tokens, reasoning_tokens, total_tokens, token_anomaly, matched_count, violation_count, error_message, transient, started_at, finished_at, created_at, updated_at"

const terminalRunStates = "'succeeded', 'failed', 'quality_failed'"

func scanRun(scanner rowScanner) (*ExtractionRun, error) {
	var (
		r            ExtractionRun
		parentRunID  sql.NullString
		state        string
		input        sql.NullInt64
		output       sql.NullInt64
		reasoning    sql.NullInt64
		total        sql.NullInt64
		tokenAnomaly int
		errorMessage sql.NullString
		transient    int
		started      sql.NullString
		finished     sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&r.ID,
		&r.BatchID,
		&r.UnitID,
		&parentRunID,
		&r.Attempt,
		&state,
		&input,
		&output,
		&reasoning,
		&total,
		&tokenAnomaly,
		&r.MatchedCount,
		&r.ViolationCount,
		&errorMessage,
		&transient,
		&started,
		&finished,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	r.ParentRunID = stringPtr(parentRunID)
	r.State = RunState(state)
	r.InputTokens = int64Ptr(input)
	r.OutputTokens = int64Ptr(output)
	r.ReasoningTokens = int64Ptr(reasoning)
	r.TotalTokens = int64Ptr(total)
	r.TokenAnomaly = tokenAnomaly != 0
	r.ErrorMessage = errorMessage.String
	r.Transient = transient != 0
	r.StartedAt = timePtr(started)
	r.FinishedAt = timePtr(finished)
	r.CreatedAt = timeValue(createdRaw)
	r.UpdatedAt = timeValue(updatedRaw)
	return &r, nil
}

// CreateRun inserts a pending run. The caller validates lineage.
func (s *Store) CreateRun(ctx context.Context, run *ExtractionRun) error {
	if run == nil {
		return errors.New("create run: nil run")
	}
	now := timeNow()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.State == "" {
		run.State = RunPending
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.execWithRetry(ctx,
		`INSERT INTO extraction_run (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.BatchID,
		run.UnitID,
		nullableStringPtr(run.ParentRunID),
		run.Attempt,
		run.State,
		nullableInt64(run.InputTokens),
		nullableInt64(run.OutputTokens),
		nullableInt64(run.ReasoningTokens),
		nullableInt64(run.TotalTokens),
		boolToInt(run.TokenAnomaly),
		run.MatchedCount,
		run.ViolationCount,
		nullableString(run.ErrorMessage),
		boolToInt(run.Transient),
		nullableTime(run.StartedAt),
		nullableTime(run.FinishedAt),
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*ExtractionRun, error) {
	return getRun(ensureContext(ctx), s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRun(ctx context.Context, q queryRower, id string) (*ExtractionRun, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM extraction_run WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// saveRun writes mutable columns unless the stored row is already terminal.
func saveRun(ctx context.Context, db execer, q queryRower, run *ExtractionRun) error {
	run.UpdatedAt = timeNow()
	res, err := db.ExecContext(ctx,
		`UPDATE extraction_run SET
            state = ?, input_tokens = ?, output_tokens = ?, reasoning_tokens = ?, total_tokens = ?,
            token_anomaly = ?, matched_count = ?, violation_count = ?, error_message = ?,
            transient = ?, started_at = ?, finished_at = ?, updated_at = ?
        WHERE id = ? AND state NOT IN (`+terminalRunStates+`)`,
		run.State,
		nullableInt64(run.InputTokens),
		nullableInt64(run.OutputTokens),
		nullableInt64(run.ReasoningTokens),
		nullableInt64(run.TotalTokens),
		boolToInt(run.TokenAnomaly),
		run.MatchedCount,
		run.ViolationCount,
		nullableString(run.ErrorMessage),
		boolToInt(run.Transient),
		nullableTime(run.StartedAt),
		nullableTime(run.FinishedAt),
		formatTime(run.UpdatedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getRun(ctx, q, run.ID); err != nil {
			return err
		}
		return fmt.Errorf("run %s: %w", run.ID, ErrRunTerminal)
	}
	return nil
}

// SaveRun persists a run's mutable fields. Terminal runs are immutable and
// return ErrRunTerminal.
func (s *Store) SaveRun(ctx context.Context, run *ExtractionRun) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		return saveRun(ctx, s.db, s.db, run)
	})
}

// CompleteExecution saves the run and replaces its entities atomically.
func (s *Store) CompleteExecution(ctx context.Context, run *ExtractionRun, entities []ExtractionEntity) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveRun(ctx, tx, tx, run); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM extraction_entity WHERE run_id = ?`, run.ID); err != nil {
			return fmt.Errorf("clear entities: %w", err)
		}
		for i := range entities {
			entity := &entities[i]
			entity.RunID = run.ID
			fields, err := marshalJSON(entity.Fields)
			if err != nil {
				return fmt.Errorf("encode entity fields: %w", err)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO extraction_entity (run_id, entity_index, entity_type, name, fields_json, confidence)
                VALUES (?, ?, ?, ?, ?, ?)`,
				run.ID,
				nullableInt(entity.EntityIndex),
				entity.Type,
				entity.Name,
				fields,
				entity.Confidence,
			)
			if err != nil {
				return fmt.Errorf("insert entity: %w", err)
			}
			if id, err := res.LastInsertId(); err == nil {
				entity.ID = id
			}
		}
		return nil
	})
}

// ListEntities returns a run's entities in entity_index order, unindexed last.
func (s *Store) ListEntities(ctx context.Context, runID string) ([]ExtractionEntity, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, run_id, entity_index, entity_type, name, fields_json, confidence
        FROM extraction_entity WHERE run_id = ?
        ORDER BY entity_index IS NULL, entity_index, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []ExtractionEntity
	for rows.Next() {
		var (
			entity ExtractionEntity
			index  sql.NullInt64
			fields sql.NullString
		)
		if err := rows.Scan(&entity.ID, &entity.RunID, &index, &entity.Type, &entity.Name, &fields, &entity.Confidence); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if index.Valid {
			v := int(index.Int64)
			entity.EntityIndex = &v
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &entity.Fields); err != nil {
				return nil, fmt.Errorf("decode entity fields: %w", err)
			}
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (s *Store) listRuns(ctx context.Context, where string, args ...any) ([]*ExtractionRun, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+runColumns+` FROM extraction_run WHERE `+where+` ORDER BY created_at, attempt, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*ExtractionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunsByBatch returns every run of a batch in creation order.
func (s *Store) ListRunsByBatch(ctx context.Context, batchID string) ([]*ExtractionRun, error) {
	return s.listRuns(ctx, "batch_id = ?", batchID)
}

// ListRunsByUnit returns every run of a unit in creation order.
func (s *Store) ListRunsByUnit(ctx context.Context, unitID string) ([]*ExtractionRun, error) {
	return s.listRuns(ctx, "unit_id = ?", unitID)
}

// ListChildren returns the runs spawned directly from parentID.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*ExtractionRun, error) {
	return s.listRuns(ctx, "parent_run_id = ?", parentID)
}

// DeleteRun removes a run and its entities. Runs that parent retries are kept
// and ErrRunHasChildren is returned.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var children int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM extraction_run WHERE parent_run_id = ?`, id).Scan(&children); err != nil {
			return fmt.Errorf("count children: %w", err)
		}
		if children > 0 {
			return fmt.Errorf("run %s has %d children: %w", id, children, ErrRunHasChildren)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM extraction_run WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// FailInFlightRuns marks every pending or running run as failed with reason.
// The daemon calls it on startup so no run stays running after a crash.
func (s *Store) FailInFlightRuns(ctx context.Context, reason string) (int64, error) {
	now := formatTime(timeNow())
	res, err := s.execWithRetry(ctx,
		`UPDATE extraction_run
        SET state = ?, error_message = ?, finished_at = ?, updated_at = ?
        WHERE state IN (?, ?)`,
		RunFailed, reason, now, now, RunPending, RunRunning)
	if err != nil {
		return 0, fmt.Errorf("fail in-flight runs: %w", err)
	}
	return res.RowsAffected()
}
