package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Analysis statuses. Terminal states are sticky.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Analysis is one run of one preset at one commit, possibly with a
// drill-down target.
type Analysis struct {
	ID             int64    `json:"id"`
	RepoPath       string   `json:"repo_path"`
	CommitSHA      string   `json:"commit_sha"`
	Branch         string   `json:"branch"`
	PresetID       int64    `json:"preset_id"`
	Level          int64    `json:"level"`
	TargetNodeID   *string  `json:"target_node_id"`
	Status         string   `json:"status"`
	RawOutput      *string  `json:"raw_output"`
	ParsedGraph    *string  `json:"parsed_graph"`
	ParsedFindings *string  `json:"parsed_findings"`
	ErrorMessage   *string  `json:"error_message"`
	CreatedAt      string   `json:"created_at"`
	CompletedAt    *string  `json:"completed_at"`
}

const analysisColumns = `id, repo_path, commit_sha, branch, preset_id, level, target_node_id,
	status, raw_output, parsed_graph, parsed_findings, error_message, created_at, completed_at`

const analysisColumnsQualified = `a.id, a.repo_path, a.commit_sha, a.branch, a.preset_id, a.level,
	a.target_node_id, a.status, a.raw_output, a.parsed_graph, a.parsed_findings, a.error_message,
	a.created_at, a.completed_at`

func scanAnalysis(row interface{ Scan(...any) error }) (Analysis, error) {
	var a Analysis
	err := row.Scan(&a.ID, &a.RepoPath, &a.CommitSHA, &a.Branch, &a.PresetID, &a.Level,
		&a.TargetNodeID, &a.Status, &a.RawOutput, &a.ParsedGraph, &a.ParsedFindings,
		&a.ErrorMessage, &a.CreatedAt, &a.CompletedAt)
	return a, err
}

// CreateAnalysis inserts a queued analysis row and returns its id.
func (s *Store) CreateAnalysis(ctx context.Context, repoPath, commitSHA, branch string, presetID, level int64, targetNodeID *string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (repo_path, commit_sha, branch, preset_id, level, target_node_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		repoPath, commitSHA, branch, presetID, level, targetNodeID)
	if err != nil {
		return 0, fmt.Errorf("create analysis: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAnalysisStatus writes a status transition. Completed/failed rows get
// completed_at stamped.
func (s *Store) UpdateAnalysisStatus(ctx context.Context, id int64, status string, rawOutput, parsedGraph, parsedFindings, errorMessage *string) error {
	query := `UPDATE analyses SET status = ?, raw_output = ?, parsed_graph = ?,
		parsed_findings = ?, error_message = ? WHERE id = ?`
	if status == StatusCompleted || status == StatusFailed {
		query = `UPDATE analyses SET status = ?, raw_output = ?, parsed_graph = ?,
			parsed_findings = ?, error_message = ?, completed_at = datetime('now') WHERE id = ?`
	}
	if _, err := s.db.ExecContext(ctx, query, status, rawOutput, parsedGraph, parsedFindings, errorMessage, id); err != nil {
		return fmt.Errorf("update analysis %d: %w", id, err)
	}
	return nil
}

// GetAnalysis returns the analysis with the given id, or nil.
func (s *Store) GetAnalysis(ctx context.Context, id int64) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM analyses WHERE id = ?`, analysisColumns), id)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %d: %w", id, err)
	}
	return &a, nil
}

// FindCachedAnalysis looks up a completed record for the identity tuple.
// A record is a valid cache hit only when its preset has not been edited
// since the record was created (presets.updated_at <= analyses.created_at).
// Stale records stay in the table; this query just stops returning them.
func (s *Store) FindCachedAnalysis(ctx context.Context, repoPath, commitSHA string, presetID, level int64, targetNodeID *string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumnsQualified+` FROM analyses a
		 WHERE a.repo_path = ? AND a.commit_sha = ? AND a.preset_id = ?
		   AND a.level = ?
		   AND (a.target_node_id = ? OR (a.target_node_id IS NULL AND ? IS NULL))
		   AND a.status = 'completed'
		   AND EXISTS (
		     SELECT 1 FROM presets p
		     WHERE p.id = a.preset_id AND p.updated_at <= a.created_at
		   )
		 ORDER BY a.created_at DESC LIMIT 1`,
		repoPath, commitSHA, presetID, level, targetNodeID, targetNodeID)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	return &a, nil
}

// ListAnalysesForBranch returns all analyses for a repo+branch, newest
// first.
func (s *Store) ListAnalysesForBranch(ctx context.Context, repoPath, branch string) ([]Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM analyses WHERE repo_path = ? AND branch = ?
			ORDER BY created_at DESC, id DESC`, analysisColumns),
		repoPath, branch)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FailQueuedAnalyses marks every still-queued row failed with the given
// message. Called at shutdown so queued jobs do not resurrect as stale
// records on next start.
func (s *Store) FailQueuedAnalyses(ctx context.Context, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = 'failed', error_message = ?,
		 completed_at = datetime('now') WHERE status = 'queued'`, message)
	if err != nil {
		return fmt.Errorf("fail queued analyses: %w", err)
	}
	return nil
}
