// Package analysis implements the AI-CLI analysis engine: per-tool command
// construction, structured-output parsing and validation, the graph differ,
// the bounded job runner, and the branch-change scheduler.
package analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kabletv/phantom/internal/jsonutil"
)

// Kind identifies a supported CLI tool family.
type Kind int

const (
	KindClaudeCode Kind = iota
	KindCodex
	KindCursor
	KindUnknown
)

// String returns the tool family name.
func (k Kind) String() string {
	switch k {
	case KindClaudeCode:
		return "claude"
	case KindCodex:
		return "codex"
	case KindCursor:
		return "cursor"
	default:
		return "unknown"
	}
}

// Detect maps a configured binary to its tool family by substring match on
// the basename; first match wins in the order claude, codex, cursor.
func Detect(binary string) Kind {
	name := filepath.Base(binary)
	switch {
	case strings.Contains(name, "claude"):
		return KindClaudeCode
	case strings.Contains(name, "codex"):
		return KindCodex
	case strings.Contains(name, "cursor"):
		return KindCursor
	default:
		return KindUnknown
	}
}

// ToolContext is everything needed to build one invocation.
type ToolContext struct {
	Binary    string
	Prompt    string
	Schema    string // JSON schema for the expected result shape
	WorkDir   string // defaults to the repository root
	Model     string
	BudgetUSD *float64
	Flags     []string // extra flags, used by the Unknown kind only
}

// Invocation is a fully-built command: argv, env, cwd, and any temp files
// the tool reads or writes. Kind rides along so the runner can map
// tool-specific exit codes after the process finishes.
type Invocation struct {
	Kind       Kind
	Argv       []string
	Dir        string
	Env        []string
	SchemaFile string // temp file holding the schema (Codex)
	OutputFile string // temp file the tool writes its result to (Codex)
}

// Cleanup removes the invocation's temp files, if any.
func (inv *Invocation) Cleanup() {
	if inv.SchemaFile != "" {
		_ = os.Remove(inv.SchemaFile)
	}
	if inv.OutputFile != "" {
		_ = os.Remove(inv.OutputFile)
	}
}

// AuthError reports a failed authentication pre-check with a user-facing
// hint.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// NotInstalledError reports a configured binary that is not on PATH.
type NotInstalledError struct {
	Binary string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("%s is not installed or not on PATH", e.Binary)
}

// MapExitError translates tool-specific exit codes into user-facing
// messages. Returns "" when the code carries no special meaning for the
// kind, in which case the caller falls back to the stderr prefix. Rate
// limiting (Codex exit 124, any 429) is classified separately by the
// runner because it is retried.
func MapExitError(kind Kind, code int) string {
	switch kind {
	case KindClaudeCode:
		if code == 3 {
			return "Claude: missing API key. Run `claude login` to authenticate."
		}
	case KindCodex:
		if code == 2 {
			return "Codex: git safety check failed. Ensure the repo is clean."
		}
	}
	return ""
}

// Tool is the per-kind behavior: command construction, auth pre-check, and
// payload extraction. Adding a tool means adding a Kind and one Tool
// implementation; nothing else branches on the kind.
type Tool interface {
	Kind() Kind
	BuildCommand(tc ToolContext) (*Invocation, error)
	CheckAuth(binary string) error
	ExtractPayload(inv *Invocation, stdout string) (string, error)
}

// ForKind returns the Tool implementation for a kind.
func ForKind(k Kind) Tool {
	switch k {
	case KindClaudeCode:
		return claudeTool{}
	case KindCodex:
		return codexTool{}
	case KindCursor:
		return cursorTool{}
	default:
		return unknownTool{}
	}
}

// execCommand is a seam for auth-check tests.
var execCommand = exec.Command

// runAuthProbe runs binary with args and translates failures into auth
// errors.
func runAuthProbe(binary string, hint string, args ...string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return &NotInstalledError{Binary: binary}
	}
	cmd := execCommand(binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := hint
		if line := firstLine(stderr.String()); line != "" {
			msg += " " + line
		}
		return &AuthError{Message: msg}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// ── ClaudeCode ──────────────────────────────────────────────────────

type claudeTool struct{}

func (claudeTool) Kind() Kind { return KindClaudeCode }

func (claudeTool) BuildCommand(tc ToolContext) (*Invocation, error) {
	argv := []string{
		tc.Binary,
		"-p", tc.Prompt,
		"--output-format", "json",
		"--json-schema", tc.Schema,
		"--allowedTools", "Read,Grep,Glob",
	}
	if tc.Model != "" {
		argv = append(argv, "--model", tc.Model)
	}
	argv = append(argv, "--no-session-persistence")
	if tc.BudgetUSD != nil {
		argv = append(argv, "--max-budget-usd", strconv.FormatFloat(*tc.BudgetUSD, 'f', -1, 64))
	}
	return &Invocation{Kind: KindClaudeCode, Argv: argv, Dir: tc.WorkDir}, nil
}

func (claudeTool) CheckAuth(binary string) error {
	return runAuthProbe(binary, "Claude is not authenticated. Run `claude login`.", "auth", "status")
}

func (claudeTool) ExtractPayload(_ *Invocation, stdout string) (string, error) {
	var outer struct {
		StructuredOutput json.RawMessage `json:"structured_output"`
		Result           string          `json:"result"`
	}
	if err := json.Unmarshal([]byte(stdout), &outer); err != nil {
		return "", fmt.Errorf("claude output is not JSON: %w", err)
	}
	if len(outer.StructuredOutput) > 0 && string(outer.StructuredOutput) != "null" {
		return string(outer.StructuredOutput), nil
	}
	if block := ExtractJSONBlock(outer.Result); block != "" {
		return block, nil
	}
	return "", fmt.Errorf("claude output has neither structured_output nor a fenced JSON result")
}

// ── Codex ───────────────────────────────────────────────────────────

type codexTool struct{}

func (codexTool) Kind() Kind { return KindCodex }

func (codexTool) BuildCommand(tc ToolContext) (*Invocation, error) {
	schemaFile, err := writeTemp("phantom-schema-*.json", tc.Schema)
	if err != nil {
		return nil, fmt.Errorf("write schema file: %w", err)
	}
	outFile, err := writeTemp("phantom-codex-out-*.json", "")
	if err != nil {
		_ = os.Remove(schemaFile)
		return nil, fmt.Errorf("create output file: %w", err)
	}

	argv := []string{
		tc.Binary,
		"exec",
		"--full-auto",
		"--json",
		"--ephemeral",
		"--output-schema", schemaFile,
		"-o", outFile,
	}
	if tc.Model != "" {
		argv = append(argv, "-m", tc.Model)
	}
	argv = append(argv, "-C", tc.WorkDir, tc.Prompt)

	return &Invocation{
		Kind:       KindCodex,
		Argv:       argv,
		Dir:        tc.WorkDir,
		SchemaFile: schemaFile,
		OutputFile: outFile,
	}, nil
}

func (codexTool) CheckAuth(binary string) error {
	return runAuthProbe(binary, "Codex is not authenticated. Run `codex login`.", "login", "status")
}

func (codexTool) ExtractPayload(inv *Invocation, stdout string) (string, error) {
	if inv != nil && inv.OutputFile != "" {
		data, err := os.ReadFile(inv.OutputFile)
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			return string(data), nil
		}
	}
	// Fall back to scanning the JSONL progress stream for agent messages.
	if payload := extractCodexStream(stdout); payload != "" {
		return payload, nil
	}
	return "", fmt.Errorf("codex produced no output file and no agent messages")
}

// extractCodexStream scans codex's JSONL progress events and concatenates
// agent message content.
func extractCodexStream(stdout string) string {
	var parts []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var obj map[string]interface{}
		if !jsonutil.UnmarshalLineSafe(line, &obj) {
			continue
		}
		typ := jsonutil.GetString(obj, "type")
		if typ == "AgentMessage" || typ == "agent_message" {
			if content := jsonutil.GetString(obj, "content"); content != "" {
				parts = append(parts, content)
			}
			continue
		}
		if msg := jsonutil.GetMap(obj, "message"); msg != nil {
			if content := jsonutil.GetString(msg, "content"); content != "" {
				parts = append(parts, content)
			}
		}
	}
	joined := strings.Join(parts, "\n")
	if block := ExtractJSONBlock(joined); block != "" {
		return block
	}
	return joined
}

// ── Cursor ──────────────────────────────────────────────────────────

type cursorTool struct{}

func (cursorTool) Kind() Kind { return KindCursor }

func (cursorTool) BuildCommand(tc ToolContext) (*Invocation, error) {
	// Cursor has no schema flag; the expected shape is described in the
	// prompt itself.
	prompt := tc.Prompt
	if tc.Schema != "" {
		prompt += "\n\nRespond with a fenced ```json block conforming to this JSON schema:\n" + tc.Schema
	}
	argv := []string{
		tc.Binary,
		"agent",
		"-p", prompt,
		"--output-format", "json",
		"--mode", "plan",
		"--trust",
		"--workspace", tc.WorkDir,
	}
	return &Invocation{Kind: KindCursor, Argv: argv, Dir: tc.WorkDir}, nil
}

func (cursorTool) CheckAuth(binary string) error {
	return runAuthProbe(binary, "Cursor agent is not authenticated.", "agent", "status")
}

func (cursorTool) ExtractPayload(_ *Invocation, stdout string) (string, error) {
	var outer map[string]any
	text := stdout
	if err := json.Unmarshal([]byte(stdout), &outer); err == nil {
		if result, ok := outer["result"].(string); ok {
			text = result
		}
	}
	if block := ExtractJSONBlock(text); block != "" {
		return block, nil
	}
	return "", fmt.Errorf("cursor output has no fenced JSON block")
}

// ── Unknown ─────────────────────────────────────────────────────────

type unknownTool struct{}

func (unknownTool) Kind() Kind { return KindUnknown }

func (unknownTool) BuildCommand(tc ToolContext) (*Invocation, error) {
	argv := append([]string{tc.Binary}, tc.Flags...)
	argv = append(argv, tc.Prompt)
	return &Invocation{Kind: KindUnknown, Argv: argv, Dir: tc.WorkDir}, nil
}

func (unknownTool) CheckAuth(string) error { return nil }

func (unknownTool) ExtractPayload(_ *Invocation, stdout string) (string, error) {
	return stdout, nil
}

func writeTemp(pattern, content string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if content != "" {
		if _, err := f.WriteString(content); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
