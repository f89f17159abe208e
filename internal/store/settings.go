package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// GetSetting returns the value for key, or ("", false) when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a settings row.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// MaxConcurrency reads the analysis concurrency cap, falling back to the
// default when unset or unparsable.
func (s *Store) MaxConcurrency(ctx context.Context) int {
	value, ok, err := s.GetSetting(ctx, SettingMaxConcurrency)
	if err != nil || !ok {
		return DefaultMaxConcurrency
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return DefaultMaxConcurrency
	}
	return n
}

// DefaultCLI reads the configured analysis CLI binary, falling back to the
// default when unset.
func (s *Store) DefaultCLI(ctx context.Context) string {
	value, ok, err := s.GetSetting(ctx, SettingDefaultCLIBinary)
	if err != nil || !ok || value == "" {
		return DefaultCLIBinary
	}
	return value
}

// AnalysisModel reads the model override passed to the analysis CLI.
// Empty means the tool's own default: the flag is omitted entirely.
func (s *Store) AnalysisModel(ctx context.Context) string {
	value, ok, err := s.GetSetting(ctx, SettingAnalysisModel)
	if err != nil || !ok {
		return ""
	}
	return value
}

// AnalysisBudgetUSD reads the per-run spend cap. Nil means uncapped; the
// budget flag is omitted. Unparsable or non-positive values are ignored.
func (s *Store) AnalysisBudgetUSD(ctx context.Context) *float64 {
	value, ok, err := s.GetSetting(ctx, SettingAnalysisBudgetUSD)
	if err != nil || !ok || value == "" {
		return nil
	}
	budget, err := strconv.ParseFloat(value, 64)
	if err != nil || budget <= 0 {
		return nil
	}
	return &budget
}
