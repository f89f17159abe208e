// Package app binds the terminal pipeline, the analysis engine, and the
// persistence store into the command surface the IPC layer exposes.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/kabletv/phantom/internal/analysis"
	"github.com/kabletv/phantom/internal/gitx"
	"github.com/kabletv/phantom/internal/store"
	"github.com/kabletv/phantom/internal/term"
)

// TerminalEvent pairs a session ID with one of its stream events.
type TerminalEvent struct {
	SessionID term.SessionID
	Event     term.Event
}

// App owns every subsystem. Event consumers set the On* callbacks before
// any session or job starts; both must be non-blocking.
type App struct {
	Store  *store.Store
	Repo   *gitx.Repo
	Mux    *term.Multiplexer
	Runner *analysis.Runner

	defaultBranch string
	defaultShell  string
	watcher       *gitx.Watcher
	scheduler     *analysis.Scheduler

	OnTerminalEvent  func(TerminalEvent)
	OnAnalysisStatus func(analysis.StatusUpdate)
}

// Config configures New.
type Config struct {
	RepoPath      string
	DefaultBranch string // branch the scheduler tracks; default "main"
	DataDir       string // database directory; default <repo>/.phantom
	DefaultShell  string // shell for new sessions; default $SHELL
	RunnerOptions []analysis.Option
}

// New opens the store and builds the subsystems. The scheduler is not
// started until StartScheduler, so callers can wire event handlers first.
func New(cfg Config) (*App, error) {
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfg.RepoPath + "/.phantom"
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a := &App{
		Store: st,
		Repo:  &gitx.Repo{Path: cfg.RepoPath},
		Mux:   term.NewMultiplexer(),
	}
	a.Runner = analysis.NewRunner(st, a.Repo, func(u analysis.StatusUpdate) {
		if a.OnAnalysisStatus != nil {
			a.OnAnalysisStatus(u)
		}
	}, cfg.RunnerOptions...)

	a.defaultBranch = cfg.DefaultBranch
	a.defaultShell = cfg.DefaultShell
	return a, nil
}

// StartScheduler begins watching the repository's refs and scheduling
// analyses. Safe to skip in tests.
func (a *App) StartScheduler() error {
	w, err := gitx.Watch(a.Repo, a.defaultBranch)
	if err != nil {
		return err
	}
	a.watcher = w
	a.scheduler = analysis.StartScheduler(a.Store, a.Repo, a.Runner, w, a.defaultBranch)
	return nil
}

// Close tears everything down: scheduler first (no new jobs), then
// sessions, then the store. Queued jobs are marked failed rather than run.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	a.Mux.CloseAll()
	a.Runner.Shutdown()
	a.Runner.Wait()
	if err := a.Store.FailQueuedAnalyses(context.Background(), "Shut down before running."); err != nil {
		log.Printf("app: fail queued analyses: %v", err)
	}
	if err := a.Store.Close(); err != nil {
		log.Printf("app: close store: %v", err)
	}
}

// sink adapts the multiplexer's event stream onto the app callback.
func (a *App) sink() term.Sink {
	return term.SinkFunc(func(id term.SessionID, ev term.Event) {
		if a.OnTerminalEvent != nil {
			a.OnTerminalEvent(TerminalEvent{SessionID: id, Event: ev})
		}
	})
}

// ── Terminal commands ───────────────────────────────────────────────

// CreateTerminal spawns a shell session and returns its ID. An empty shell
// falls back to the configured default, then $SHELL.
func (a *App) CreateTerminal(shell string, cols, rows uint16, workingDir string) (term.SessionID, error) {
	if shell == "" {
		shell = a.defaultShell
	}
	return a.Mux.Create(term.SpawnSpec{
		Shell: shell,
		Cols:  cols,
		Rows:  rows,
		Dir:   workingDir,
	}, a.sink())
}

// LaunchCLIPreset spawns a session running a stored CLI preset instead of
// the default shell: binary + flags, with its working dir and env applied.
func (a *App) LaunchCLIPreset(ctx context.Context, presetID int64, cols, rows uint16) (term.SessionID, error) {
	preset, err := a.Store.GetCLIPreset(ctx, presetID)
	if err != nil {
		return 0, err
	}
	if preset == nil {
		return 0, fmt.Errorf("cli preset %d not found", presetID)
	}

	dir := a.Repo.Path
	if preset.WorkingDir != nil && *preset.WorkingDir != "" {
		dir = *preset.WorkingDir
	}

	var env []string
	if preset.EnvVars != nil && *preset.EnvVars != "" {
		vars := map[string]string{}
		if err := json.Unmarshal([]byte(*preset.EnvVars), &vars); err != nil {
			return 0, fmt.Errorf("cli preset %d env_vars: %w", presetID, err)
		}
		for k, v := range vars {
			env = append(env, k+"="+v)
		}
	}

	return a.Mux.Create(term.SpawnSpec{
		Shell: preset.CLIBinary,
		Args:  strings.Fields(preset.Flags),
		Cols:  cols,
		Rows:  rows,
		Dir:   dir,
		Env:   env,
	}, a.sink())
}

// WriteInput forwards input bytes to a session.
func (a *App) WriteInput(id term.SessionID, data []byte) error {
	return a.Mux.Write(id, data)
}

// ResizeTerminal resizes a session.
func (a *App) ResizeTerminal(id term.SessionID, cols, rows uint16) error {
	return a.Mux.Resize(id, cols, rows)
}

// CloseTerminal removes a session. Unknown IDs are a no-op.
func (a *App) CloseTerminal(id term.SessionID) {
	a.Mux.Remove(id)
}

// ── Git commands ────────────────────────────────────────────────────

// ListBranches lists local branches.
func (a *App) ListBranches() ([]gitx.BranchInfo, error) {
	return a.Repo.ListBranches()
}

// CurrentBranch returns the checked-out branch.
func (a *App) CurrentBranch() (string, error) {
	return a.Repo.CurrentBranch()
}

// ── Analysis commands ───────────────────────────────────────────────

// RunAnalysis enqueues (or cache-hits) a run and returns the analysis ID.
func (a *App) RunAnalysis(ctx context.Context, presetID int64, branch string, level int64, targetNodeID *string) (int64, error) {
	return a.Runner.RunAnalysis(ctx, presetID, branch, level, targetNodeID)
}

// GetAnalysis returns one record, or nil.
func (a *App) GetAnalysis(ctx context.Context, id int64) (*store.Analysis, error) {
	return a.Store.GetAnalysis(ctx, id)
}

// ListAnalyses returns all records for a branch of this repo.
func (a *App) ListAnalyses(ctx context.Context, branch string) ([]store.Analysis, error) {
	return a.Store.ListAnalysesForBranch(ctx, a.Repo.Path, branch)
}

// GetAnalysisDiff diffs the graphs of a branch analysis against a main
// analysis.
func (a *App) GetAnalysisDiff(ctx context.Context, branchID, mainID int64) (*analysis.GraphDiff, error) {
	branchRec, err := a.Store.GetAnalysis(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if branchRec == nil || branchRec.ParsedGraph == nil {
		return nil, fmt.Errorf("analysis %d has no graph output", branchID)
	}
	mainRec, err := a.Store.GetAnalysis(ctx, mainID)
	if err != nil {
		return nil, err
	}
	if mainRec == nil || mainRec.ParsedGraph == nil {
		return nil, fmt.Errorf("analysis %d has no graph output", mainID)
	}

	branchGraph, err := analysis.ParseGraphJSON(*branchRec.ParsedGraph)
	if err != nil {
		return nil, err
	}
	mainGraph, err := analysis.ParseGraphJSON(*mainRec.ParsedGraph)
	if err != nil {
		return nil, err
	}

	diff := analysis.DiffGraphs(mainGraph, branchGraph)
	return &diff, nil
}

// ── Preset and settings commands ────────────────────────────────────

// ListAnalysisPresets lists analysis presets.
func (a *App) ListAnalysisPresets(ctx context.Context) ([]store.AnalysisPreset, error) {
	return a.Store.ListAnalysisPresets(ctx)
}

// CreateAnalysisPreset inserts a preset.
func (a *App) CreateAnalysisPreset(ctx context.Context, name, kind, promptTemplate string, schedule *string) (int64, error) {
	return a.Store.CreateAnalysisPreset(ctx, name, kind, promptTemplate, schedule)
}

// DeleteAnalysisPreset removes a preset.
func (a *App) DeleteAnalysisPreset(ctx context.Context, id int64) (bool, error) {
	return a.Store.DeleteAnalysisPreset(ctx, id)
}

// ListCLIPresets lists CLI-launch presets.
func (a *App) ListCLIPresets(ctx context.Context) ([]store.CLIPreset, error) {
	return a.Store.ListCLIPresets(ctx)
}

// CreateCLIPreset inserts a CLI-launch preset. envVars is a JSON object of
// KEY=value pairs applied when the preset launches; budgetUSD caps spend.
func (a *App) CreateCLIPreset(ctx context.Context, name, cliBinary, flags string, workingDir, envVars *string, budgetUSD *float64) (int64, error) {
	if envVars != nil && *envVars != "" {
		var probe map[string]string
		if err := json.Unmarshal([]byte(*envVars), &probe); err != nil {
			return 0, fmt.Errorf("env_vars must be a JSON object of strings: %w", err)
		}
	}
	return a.Store.CreateCLIPreset(ctx, name, cliBinary, flags, workingDir, envVars, budgetUSD)
}

// GetSetting reads a settings key.
func (a *App) GetSetting(ctx context.Context, key string) (string, bool, error) {
	return a.Store.GetSetting(ctx, key)
}

// SetSetting writes a settings key. Changing the concurrency cap re-sizes
// the runner's semaphore for subsequent acquires.
func (a *App) SetSetting(ctx context.Context, key, value string) error {
	if err := a.Store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	if key == store.SettingMaxConcurrency {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			a.Runner.SetMaxConcurrency(n)
		}
	}
	return nil
}
