package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AnalysisPreset is a stored template for running an analysis.
type AnalysisPreset struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Kind           string  `json:"type"`
	PromptTemplate string  `json:"prompt_template"`
	Schedule       *string `json:"schedule"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// CLIPreset is a stored template for launching a CLI tool in a terminal
// session.
type CLIPreset struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	CLIBinary  string   `json:"cli_binary"`
	Flags      string   `json:"flags"`
	WorkingDir *string  `json:"working_dir"`
	EnvVars    *string  `json:"env_vars"`
	BudgetUSD  *float64 `json:"budget_usd"`
}

// ListAnalysisPresets returns all analysis presets ordered by name.
func (s *Store) ListAnalysisPresets(ctx context.Context) ([]AnalysisPreset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, prompt_template, schedule, created_at, updated_at
		 FROM presets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	defer rows.Close()

	var out []AnalysisPreset
	for rows.Next() {
		var p AnalysisPreset
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.PromptTemplate, &p.Schedule,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preset: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetAnalysisPreset returns the preset with the given id, or nil.
func (s *Store) GetAnalysisPreset(ctx context.Context, id int64) (*AnalysisPreset, error) {
	var p AnalysisPreset
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, prompt_template, schedule, created_at, updated_at
		 FROM presets WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Kind, &p.PromptTemplate, &p.Schedule, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preset %d: %w", id, err)
	}
	return &p, nil
}

// CreateAnalysisPreset inserts a preset and returns its id.
func (s *Store) CreateAnalysisPreset(ctx context.Context, name, kind, promptTemplate string, schedule *string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO presets (name, type, prompt_template, schedule) VALUES (?, ?, ?, ?)`,
		name, kind, promptTemplate, schedule)
	if err != nil {
		return 0, fmt.Errorf("create preset: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAnalysisPreset rewrites the preset's editable fields and bumps
// updated_at, which invalidates older cached analyses for it.
func (s *Store) UpdateAnalysisPreset(ctx context.Context, id int64, name, kind, promptTemplate string, schedule *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE presets SET name = ?, type = ?, prompt_template = ?, schedule = ?,
		 updated_at = datetime('now') WHERE id = ?`,
		name, kind, promptTemplate, schedule, id)
	if err != nil {
		return fmt.Errorf("update preset %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("preset %d not found", id)
	}
	return nil
}

// DeleteAnalysisPreset removes a preset. Analyses referencing it remain for
// forensics.
func (s *Store) DeleteAnalysisPreset(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM presets WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete preset %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListCLIPresets returns all CLI-launch presets ordered by name.
func (s *Store) ListCLIPresets(ctx context.Context) ([]CLIPreset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cli_binary, flags, working_dir, env_vars, budget_usd
		 FROM cli_presets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list cli presets: %w", err)
	}
	defer rows.Close()

	var out []CLIPreset
	for rows.Next() {
		var p CLIPreset
		if err := rows.Scan(&p.ID, &p.Name, &p.CLIBinary, &p.Flags, &p.WorkingDir,
			&p.EnvVars, &p.BudgetUSD); err != nil {
			return nil, fmt.Errorf("scan cli preset: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetCLIPreset returns the CLI preset with the given id, or nil.
func (s *Store) GetCLIPreset(ctx context.Context, id int64) (*CLIPreset, error) {
	var p CLIPreset
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, cli_binary, flags, working_dir, env_vars, budget_usd
		 FROM cli_presets WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.CLIBinary, &p.Flags, &p.WorkingDir, &p.EnvVars, &p.BudgetUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cli preset %d: %w", id, err)
	}
	return &p, nil
}

// CreateCLIPreset inserts a CLI-launch preset and returns its id.
func (s *Store) CreateCLIPreset(ctx context.Context, name, cliBinary, flags string, workingDir, envVars *string, budgetUSD *float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cli_presets (name, cli_binary, flags, working_dir, env_vars, budget_usd)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, cliBinary, flags, workingDir, envVars, budgetUSD)
	if err != nil {
		return 0, fmt.Errorf("create cli preset: %w", err)
	}
	return res.LastInsertId()
}
