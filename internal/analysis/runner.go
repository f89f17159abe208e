package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/kabletv/phantom/internal/gitx"
	"github.com/kabletv/phantom/internal/store"
)

// DefaultTimeout bounds one analysis subprocess.
const DefaultTimeout = 5 * time.Minute

// killGrace is how long a timed-out subprocess gets between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

// rateLimitWait is the pause before the single automatic retry after a
// rate-limit signal.
const rateLimitWait = 30 * time.Second

// StatusUpdate is emitted on every job status transition.
type StatusUpdate struct {
	AnalysisID int64  `json:"analysis_id"`
	Status     string `json:"status"`
}

// StatusFunc receives status updates. It must not block.
type StatusFunc func(StatusUpdate)

// CommandFactory builds the subprocess for an invocation. The default uses
// exec.CommandContext; tests substitute a helper-process factory.
type CommandFactory func(ctx context.Context, inv *Invocation) *exec.Cmd

func defaultCommandFactory(ctx context.Context, inv *Invocation) *exec.Cmd {
	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = inv.Env
	}
	return cmd
}

// Runner executes analysis jobs through a bounded-concurrency semaphore.
// Scheduler-initiated and UI-initiated jobs share the same permits.
type Runner struct {
	store  *store.Store
	repo   *gitx.Repo
	status StatusFunc
	sem    *semaphore

	commandFactory CommandFactory
	timeout        time.Duration
	retryWait      time.Duration
	tracer         oteltrace.Tracer

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommandFactory substitutes subprocess creation (tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(r *Runner) { r.commandFactory = f }
}

// WithTimeout overrides the per-job subprocess timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithRetryWait overrides the rate-limit retry pause (tests).
func WithRetryWait(d time.Duration) Option {
	return func(r *Runner) { r.retryWait = d }
}

// NewRunner builds a runner whose concurrency cap is read from the settings
// table. status may be nil.
func NewRunner(st *store.Store, repo *gitx.Repo, status StatusFunc, opts ...Option) *Runner {
	if status == nil {
		status = func(StatusUpdate) {}
	}
	r := &Runner{
		store:          st,
		repo:           repo,
		status:         status,
		sem:            newSemaphore(st.MaxConcurrency(context.Background())),
		commandFactory: defaultCommandFactory,
		timeout:        DefaultTimeout,
		retryWait:      rateLimitWait,
		tracer:         otel.Tracer("phantom/analysis"),
		shutdownCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetMaxConcurrency changes the permit cap. Jobs already running drain
// naturally; the new cap applies to subsequent acquires.
func (r *Runner) SetMaxConcurrency(n int) { r.sem.setCapacity(n) }

// Running reports how many jobs currently hold a permit.
func (r *Runner) Running() int { return r.sem.inUse() }

// Wait blocks until all in-flight jobs finish. Used by tests and shutdown.
func (r *Runner) Wait() { r.wg.Wait() }

// Shutdown cancels jobs still waiting for a permit; running subprocesses
// finish normally. Queued records fail with a shutdown message.
func (r *Runner) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdownCh) })
}

// RunAnalysis resolves the branch head, probes the cache, and — on a miss —
// inserts a queued record and starts the job in the background. The
// returned ID identifies either the cached record (idempotent hit) or the
// new one.
func (r *Runner) RunAnalysis(ctx context.Context, presetID int64, branch string, level int64, targetNodeID *string) (int64, error) {
	if level == 0 {
		level = 1
	}

	commitSHA, err := r.repo.HeadCommit(branch)
	if err != nil {
		return 0, err
	}

	cached, err := r.store.FindCachedAnalysis(ctx, r.repo.Path, commitSHA, presetID, level, targetNodeID)
	if err != nil {
		return 0, err
	}
	if cached != nil {
		return cached.ID, nil
	}

	preset, err := r.store.GetAnalysisPreset(ctx, presetID)
	if err != nil {
		return 0, err
	}
	if preset == nil {
		return 0, fmt.Errorf("preset %d not found", presetID)
	}

	analysisID, err := r.store.CreateAnalysis(ctx, r.repo.Path, commitSHA, branch, presetID, level, targetNodeID)
	if err != nil {
		return 0, err
	}
	r.emit(analysisID, store.StatusQueued)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runJob(context.WithoutCancel(ctx), analysisID, preset, branch, commitSHA, level, targetNodeID)
	}()

	return analysisID, nil
}

// runJob is the full pipeline for one queued record: permit, auth check,
// prompt substitution, subprocess, parse, persist.
func (r *Runner) runJob(ctx context.Context, analysisID int64, preset *store.AnalysisPreset, branch, commitSHA string, level int64, targetNodeID *string) {
	ctx, span := r.tracer.Start(ctx, "analysis.run",
		oteltrace.WithAttributes(
			attribute.Int64("preset_id", preset.ID),
			attribute.String("branch", branch),
			attribute.String("commit", commitSHA),
		))
	defer span.End()

	// The permit wait is interruptible by Shutdown; once running, a job is
	// allowed to finish.
	acquireCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.shutdownCh:
			cancel()
		case <-acquireCtx.Done():
		}
	}()
	err := r.sem.acquire(acquireCtx)
	cancel()
	if err != nil {
		r.fail(ctx, analysisID, nil, "Cancelled before start.")
		return
	}
	defer r.sem.release()

	if err := r.store.UpdateAnalysisStatus(ctx, analysisID, store.StatusRunning, nil, nil, nil, nil); err != nil {
		log.Printf("analysis: mark running %d: %v", analysisID, err)
	}
	r.emit(analysisID, store.StatusRunning)

	binary := r.store.DefaultCLI(ctx)
	kind := Detect(binary)
	tool := ForKind(kind)

	_, authSpan := r.tracer.Start(ctx, "analysis.auth_check")
	err = tool.CheckAuth(binary)
	authSpan.End()
	if err != nil {
		r.fail(ctx, analysisID, nil, err.Error())
		return
	}

	prompt, err := r.buildPrompt(ctx, preset, branch, commitSHA, targetNodeID)
	if err != nil {
		r.fail(ctx, analysisID, nil, err.Error())
		return
	}

	shape, categories := ClassifyPreset(preset.Kind, preset.Name)
	inv, err := tool.BuildCommand(ToolContext{
		Binary:    binary,
		Prompt:    prompt,
		Schema:    SchemaForShape(shape),
		WorkDir:   r.repo.Path,
		Model:     r.store.AnalysisModel(ctx),
		BudgetUSD: r.store.AnalysisBudgetUSD(ctx),
	})
	if err != nil {
		r.fail(ctx, analysisID, nil, err.Error())
		return
	}
	defer inv.Cleanup()

	outcome := r.execute(ctx, inv)
	if outcome.rateLimited {
		// Exactly one automatic retry after a pause.
		select {
		case <-time.After(r.retryWait):
		case <-ctx.Done():
		}
		outcome = r.execute(ctx, inv)
		if outcome.rateLimited {
			r.fail(ctx, analysisID, &outcome.stdout, "Rate limited. Try again later.")
			return
		}
	}
	if outcome.errMessage != "" {
		r.fail(ctx, analysisID, &outcome.stdout, outcome.errMessage)
		return
	}

	payload, err := tool.ExtractPayload(inv, outcome.stdout)
	if err != nil {
		r.fail(ctx, analysisID, &outcome.stdout, err.Error())
		return
	}

	_, parseSpan := r.tracer.Start(ctx, "analysis.parse")
	result, violations, err := ParseResult(shape, payload, preset.Name, categories)
	parseSpan.End()
	if err != nil {
		r.fail(ctx, analysisID, &outcome.stdout, err.Error())
		return
	}

	graphJSON, findingsJSON := encodeResult(result)
	if len(violations) > 0 {
		// Structural violations keep the partial parse for forensic display
		// but the record is failed.
		msg := "schema validation failed: " + strings.Join(violations, "; ")
		if err := r.store.UpdateAnalysisStatus(ctx, analysisID, store.StatusFailed,
			&outcome.stdout, graphJSON, findingsJSON, &msg); err != nil {
			log.Printf("analysis: persist %d: %v", analysisID, err)
		}
		r.emit(analysisID, store.StatusFailed)
		return
	}

	if err := r.store.UpdateAnalysisStatus(ctx, analysisID, store.StatusCompleted,
		&outcome.stdout, graphJSON, findingsJSON, nil); err != nil {
		log.Printf("analysis: persist %d: %v", analysisID, err)
	}
	r.emit(analysisID, store.StatusCompleted)
}

func encodeResult(result *Result) (graphJSON, findingsJSON *string) {
	marshal := func(v any) *string {
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		s := string(data)
		return &s
	}
	switch {
	case result.Graph != nil:
		return marshal(result.Graph), nil
	case result.DepMap != nil:
		return marshal(result.DepMap), nil
	case result.Findings != nil:
		return nil, marshal(result.Findings)
	}
	return nil, nil
}

// buildPrompt substitutes the template placeholders. For drill-downs the
// target label and path come from the parent graph node named by
// targetNodeID.
func (r *Runner) buildPrompt(ctx context.Context, preset *store.AnalysisPreset, branch, commitSHA string, targetNodeID *string) (string, error) {
	targetLabel, targetPath := "", ""
	if targetNodeID != nil {
		node, err := r.findParentNode(ctx, branch, *targetNodeID)
		if err != nil {
			return "", err
		}
		targetLabel = node.Label
		if len(node.Metadata) > 0 {
			var meta NodeMetadata
			if err := json.Unmarshal(node.Metadata, &meta); err == nil {
				targetPath = meta.Path
				if targetPath == "" {
					targetPath = meta.File
				}
			}
		}
	}

	return strings.NewReplacer(
		"{{target_label}}", targetLabel,
		"{{target_path}}", targetPath,
		"{{repo_path}}", r.repo.Path,
		"{{branch}}", branch,
		"{{commit_sha}}", commitSHA,
	).Replace(preset.PromptTemplate), nil
}

// findParentNode scans the branch's completed graph analyses, newest first,
// for the node a drill-down targets.
func (r *Runner) findParentNode(ctx context.Context, branch, targetNodeID string) (*GraphNode, error) {
	records, err := r.store.ListAnalysesForBranch(ctx, r.repo.Path, branch)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Status != store.StatusCompleted || rec.ParsedGraph == nil {
			continue
		}
		graph, err := ParseGraphJSON(*rec.ParsedGraph)
		if err != nil {
			continue
		}
		for i := range graph.Nodes {
			if graph.Nodes[i].ID == targetNodeID {
				return &graph.Nodes[i], nil
			}
		}
	}
	return nil, fmt.Errorf("target node %q not found in any completed graph for branch %s", targetNodeID, branch)
}

// execOutcome is one subprocess attempt, classified.
type execOutcome struct {
	stdout      string
	errMessage  string // non-empty means the job failed
	rateLimited bool
}

// execute runs the invocation with the 5-minute timeout and maps the
// process outcome to a failure class, checked in order: timeout, spawn
// failure, rate limit, network error, the tool's own exit-code table
// (MapExitError), and finally a generic nonzero exit described by the first
// stderr line.
func (r *Runner) execute(ctx context.Context, inv *Invocation) execOutcome {
	ctx, span := r.tracer.Start(ctx, "analysis.exec",
		oteltrace.WithAttributes(attribute.String("binary", inv.Argv[0])))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := r.commandFactory(ctx, inv)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// On timeout: SIGTERM, then SIGKILL after the grace period. Partial
	// stdout captured before the kill is preserved.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	runErr := cmd.Run()
	out := execOutcome{stdout: stdout.String()}

	if ctx.Err() == context.DeadlineExceeded {
		out.errMessage = "Analysis timed out after 5 minutes."
		return out
	}
	if runErr == nil {
		return out
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		out.errMessage = fmt.Sprintf("failed to spawn %s: %v", inv.Argv[0], runErr)
		return out
	}

	code := exitErr.ExitCode()
	stderrText := stderr.String()

	if code == 124 || code == 429 || hasRateLimitMarker(stderrText) {
		out.rateLimited = true
		return out
	}
	if hasNetworkMarker(stderrText) {
		out.errMessage = "Network error. Check your internet connection."
		return out
	}
	if msg := MapExitError(inv.Kind, code); msg != "" {
		out.errMessage = msg
		return out
	}
	prefix := firstLine(stderrText)
	if prefix == "" {
		prefix = fmt.Sprintf("exit code %d", code)
	}
	out.errMessage = truncate(prefix, 200)
	return out
}

func hasRateLimitMarker(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}

func hasNetworkMarker(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "network") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "dial tcp")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (r *Runner) fail(ctx context.Context, analysisID int64, rawOutput *string, message string) {
	if err := r.store.UpdateAnalysisStatus(ctx, analysisID, store.StatusFailed,
		rawOutput, nil, nil, &message); err != nil {
		log.Printf("analysis: persist failure %d: %v", analysisID, err)
	}
	r.emit(analysisID, store.StatusFailed)
}

func (r *Runner) emit(analysisID int64, status string) {
	r.status(StatusUpdate{AnalysisID: analysisID, Status: status})
}

// ── Semaphore ───────────────────────────────────────────────────────

// semaphore is a counting semaphore whose capacity can shrink or grow at
// runtime: permits in use drain naturally and the new cap governs
// subsequent acquires.
type semaphore struct {
	mu   sync.Mutex
	cond *sync.Cond
	cap  int
	used int
}

func newSemaphore(capacity int) *semaphore {
	if capacity < 1 {
		capacity = 1
	}
	s := &semaphore{cap: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *semaphore) acquire(ctx context.Context) error {
	// Wake waiters when the context dies.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.used >= s.cap {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.used++
	return nil
}

func (s *semaphore) release() {
	s.mu.Lock()
	s.used--
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *semaphore) setCapacity(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.cap = n
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *semaphore) inUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}
