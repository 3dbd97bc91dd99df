package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddPromptVersion appends a version to the named prompt, creating the prompt
// on first use. Version indexes start at 1.
func (s *Store) AddPromptVersion(ctx context.Context, name, content, notes, author string) (*PromptVersion, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("prompt name is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("prompt content is required")
	}
	ctx = ensureContext(ctx)
	now := timeNow()
	var version *PromptVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prompts (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
			name, formatTime(now)); err != nil {
			return fmt.Errorf("ensure prompt: %w", err)
		}
		var promptID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM prompts WHERE name = ?`, name).Scan(&promptID); err != nil {
			return fmt.Errorf("lookup prompt: %w", err)
		}
		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_index), 0) + 1 FROM prompt_versions WHERE prompt_id = ?`, promptID,
		).Scan(&next); err != nil {
			return fmt.Errorf("next prompt version: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prompt_versions (prompt_id, version_index, content, notes, author, created_at)
            VALUES (?, ?, ?, ?, ?, ?)`,
			promptID, next, content, nullableString(notes), nullableString(author), formatTime(now)); err != nil {
			return fmt.Errorf("insert prompt version: %w", err)
		}
		version = &PromptVersion{PromptID: promptID, Index: next, Content: content, Notes: notes, Author: author, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// ActivatePrompt marks name as the single active prompt pinned to version.
// A version of 0 pins the latest version.
func (s *Store) ActivatePrompt(ctx context.Context, name string, version int) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var promptID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM prompts WHERE name = ?`, name).Scan(&promptID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("prompt %q: %w", name, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup prompt: %w", err)
		}
		if version <= 0 {
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(version_index), 0) FROM prompt_versions WHERE prompt_id = ?`, promptID,
			).Scan(&version); err != nil {
				return fmt.Errorf("latest prompt version: %w", err)
			}
		}
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM prompt_versions WHERE prompt_id = ? AND version_index = ?`, promptID, version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check prompt version: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("prompt %q version %d: %w", name, version, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE prompts SET active = 0 WHERE active = 1`); err != nil {
			return fmt.Errorf("clear active prompt: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompts SET active = 1, active_version = ? WHERE id = ?`, version, promptID); err != nil {
			return fmt.Errorf("activate prompt: %w", err)
		}
		return nil
	})
}

// ActivePrompt returns the active prompt name and its pinned version.
func (s *Store) ActivePrompt(ctx context.Context) (string, *PromptVersion, error) {
	var (
		name    string
		version PromptVersion
		notes   sql.NullString
		author  sql.NullString
		created sql.NullString
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT p.name, v.prompt_id, v.version_index, v.content, v.notes, v.author, v.created_at
        FROM prompts p
        JOIN prompt_versions v ON v.prompt_id = p.id AND v.version_index = p.active_version
        WHERE p.active = 1`,
	).Scan(&name, &version.PromptID, &version.Index, &version.Content, &notes, &author, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNoActivePrompt
	}
	if err != nil {
		return "", nil, fmt.Errorf("active prompt: %w", err)
	}
	version.Notes = notes.String
	version.Author = author.String
	version.CreatedAt = timeValue(created)
	return name, &version, nil
}

// GetPromptVersion returns one version of a named prompt.
func (s *Store) GetPromptVersion(ctx context.Context, name string, index int) (*PromptVersion, error) {
	var (
		version PromptVersion
		notes   sql.NullString
		author  sql.NullString
		created sql.NullString
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT v.prompt_id, v.version_index, v.content, v.notes, v.author, v.created_at
        FROM prompt_versions v JOIN prompts p ON p.id = v.prompt_id
        WHERE p.name = ? AND v.version_index = ?`, name, index,
	).Scan(&version.PromptID, &version.Index, &version.Content, &notes, &author, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prompt %q version %d: %w", name, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt version: %w", err)
	}
	version.Notes = notes.String
	version.Author = author.String
	version.CreatedAt = timeValue(created)
	return &version, nil
}

// ListPrompts returns every prompt with its versions in index order.
func (s *Store) ListPrompts(ctx context.Context) ([]*Prompt, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, active, active_version, created_at FROM prompts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	var (
		prompts []*Prompt
		byID    = make(map[int64]*Prompt)
	)
	for rows.Next() {
		var (
			p             Prompt
			active        int
			activeVersion sql.NullInt64
			created       sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &active, &activeVersion, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		p.Active = active != 0
		p.ActiveVersion = int(activeVersion.Int64)
		p.CreatedAt = timeValue(created)
		prompts = append(prompts, &p)
		byID[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	vrows, err := s.db.QueryContext(ctx,
		`SELECT prompt_id, version_index, content, notes, author, created_at
        FROM prompt_versions ORDER BY prompt_id, version_index`)
	if err != nil {
		return nil, fmt.Errorf("list prompt versions: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var (
			v       PromptVersion
			notes   sql.NullString
			author  sql.NullString
			created sql.NullString
		)
		if err := vrows.Scan(&v.PromptID, &v.Index, &v.Content, &notes, &author, &created); err != nil {
			return nil, fmt.Errorf("scan prompt version: %w", err)
		}
		v.Notes = notes.String
		v.Author = author.String
		v.CreatedAt = timeValue(created)
		if p, ok := byID[v.PromptID]; ok {
			p.Versions = append(p.Versions, v)
		}
	}
	return prompts, vrows.Err()
}
