// Package store is the persistence layer: a single WAL-mode SQLite database
// holding settings, presets, and analysis records. The schema is versioned;
// migrations run in order at open and each version is recorded only after
// its migration succeeds.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaVersion is the current schema version. Bump when adding migrations.
const schemaVersion = 2

// Settings keys. The first two are seeded into an empty database; model
// and budget are optional overrides left unset by default.
const (
	SettingMaxConcurrency    = "analysis_max_concurrency"
	SettingDefaultCLIBinary  = "analysis_default_cli_binary"
	SettingAnalysisModel     = "analysis_model"
	SettingAnalysisBudgetUSD = "analysis_budget_usd"

	DefaultMaxConcurrency = 2
	DefaultCLIBinary      = "claude"
)

// Store wraps the database connection. All writes are serialized behind the
// single connection (SetMaxOpenConns(1)); reads share it.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the database at dir/phantom.db, applies
// migrations, and seeds defaults into an empty database.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dbPath := filepath.Join(dir, "phantom.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	ctx := context.Background()
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seed(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DBPath returns the path of the database file.
func (s *Store) DBPath() string { return s.dbPath }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	version, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	for v := version + 1; v <= schemaVersion; v++ {
		if err := s.applyMigration(ctx, v); err != nil {
			return fmt.Errorf("migration v%d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, v); err != nil {
			return fmt.Errorf("record schema version %d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) applyMigration(ctx context.Context, version int) error {
	switch version {
	case 1:
		_, err := s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS presets (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				type TEXT NOT NULL CHECK(type IN ('diagram', 'analysis', 'custom')),
				prompt_template TEXT NOT NULL,
				schedule TEXT,
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS cli_presets (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				cli_binary TEXT NOT NULL,
				flags TEXT NOT NULL DEFAULT '',
				working_dir TEXT,
				env_vars TEXT,
				budget_usd REAL,
				created_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS analyses (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				repo_path TEXT NOT NULL,
				commit_sha TEXT NOT NULL,
				branch TEXT NOT NULL,
				preset_id INTEGER NOT NULL REFERENCES presets(id),
				level INTEGER NOT NULL DEFAULT 1,
				target_node_id TEXT,
				status TEXT NOT NULL DEFAULT 'queued'
					CHECK(status IN ('queued', 'running', 'completed', 'failed')),
				raw_output TEXT,
				parsed_graph TEXT,
				parsed_findings TEXT,
				error_message TEXT,
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				completed_at TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_analyses_lookup
				ON analyses(repo_path, commit_sha, preset_id, level, target_node_id);

			CREATE INDEX IF NOT EXISTS idx_analyses_branch
				ON analyses(repo_path, branch, preset_id);
		`)
		return err
	case 2:
		// Earlier databases lack updated_at on presets; cache validity
		// compares it against analyses.created_at.
		if s.columnExists(ctx, "presets", "updated_at") {
			return nil
		}
		_, err := s.db.ExecContext(ctx,
			`ALTER TABLE presets ADD COLUMN updated_at TEXT NOT NULL DEFAULT (datetime('now'));`)
		return err
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}

func (s *Store) columnExists(ctx context.Context, table, column string) bool {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// seed installs default settings and the four built-in analysis presets
// when the database is empty.
func (s *Store) seed(ctx context.Context) error {
	presets, err := s.ListAnalysisPresets(ctx)
	if err != nil {
		return err
	}
	if len(presets) > 0 {
		return nil
	}

	for _, p := range builtinPresets {
		if _, err := s.CreateAnalysisPreset(ctx, p.name, p.kind, p.prompt, p.schedule); err != nil {
			return fmt.Errorf("seed preset %q: %w", p.name, err)
		}
	}

	if err := s.SetSetting(ctx, SettingMaxConcurrency, fmt.Sprintf("%d", DefaultMaxConcurrency)); err != nil {
		return err
	}
	return s.SetSetting(ctx, SettingDefaultCLIBinary, DefaultCLIBinary)
}

var builtinPresets = []struct {
	name     string
	kind     string
	prompt   string
	schedule *string
}{
	{
		name: "Architecture Diagram",
		kind: "diagram",
		prompt: "Analyze the codebase architecture at {{repo_path}} (branch {{branch}}, commit {{commit_sha}}). " +
			"Produce a fenced JSON architecture graph with version, level, direction, description, nodes, edges, " +
			"and groups. Node IDs must match L<level>_<snake_case>. Show the major modules/services, their " +
			"dependencies, and data flow; use groups for logical groupings and typed edges " +
			"(dependency, dataflow, call, ownership, ipc, control_flow).",
		schedule: strPtr("on_main_change"),
	},
	{
		name: "Performance Analysis",
		kind: "analysis",
		prompt: "Analyze the codebase at {{repo_path}} for performance issues. Look for N+1 queries, unnecessary " +
			"allocations, blocking I/O in async contexts, missing indexes, and hot paths. Produce fenced JSON " +
			"findings with title, severity, category, description, locations, suggestion, and effort.",
		schedule: strPtr("on_main_change"),
	},
	{
		name: "Security Scan",
		kind: "analysis",
		prompt: "Perform a security review of the codebase at {{repo_path}}. Check for injection vulnerabilities, " +
			"authentication/authorization issues, secrets in code, unsafe deserialization, and OWASP Top 10 " +
			"concerns. Produce fenced JSON findings with title, severity, category, description, locations, " +
			"remediation, and effort.",
		schedule: strPtr("on_main_change"),
	},
	{
		name: "Dependency Map",
		kind: "diagram",
		prompt: "Map all external dependencies and internal module dependencies of the codebase at {{repo_path}}. " +
			"Produce a fenced JSON dependency map with internal nodes and edges, external packages with used_by " +
			"references, and any circular_dependencies.",
		schedule: strPtr("on_main_change"),
	},
}

func strPtr(s string) *string { return &s }
