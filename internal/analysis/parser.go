package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ── Result shapes ───────────────────────────────────────────────────

// ArchitectureGraph is the diagram result shape.
type ArchitectureGraph struct {
	Version     int64        `json:"version"`
	Level       int64        `json:"level"`
	Direction   string       `json:"direction"`
	Description string       `json:"description,omitempty"`
	Nodes       []GraphNode  `json:"nodes"`
	Edges       []GraphEdge  `json:"edges"`
	Groups      []GraphGroup `json:"groups"`
}

// GraphNode is one node in an architecture graph.
type GraphNode struct {
	ID       string          `json:"id"`
	Label    string          `json:"label"`
	Type     string          `json:"type"`
	Group    string          `json:"group,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// NodeMetadata is the recognized metadata payload of a graph node. Only
// drill-downs read it; unknown keys pass through untouched in the raw form.
type NodeMetadata struct {
	Path        string `json:"path,omitempty"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Description string `json:"description,omitempty"`
	Drillable   bool   `json:"drillable,omitempty"`
	Signature   string `json:"signature,omitempty"`
	ReturnType  string `json:"return_type,omitempty"`
}

// GraphEdge is one edge; Source and Target must name existing nodes.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
	Type   string `json:"type"`
}

// GraphGroup is a visual grouping nodes may reference.
type GraphGroup struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Findings is the analysis result shape.
type Findings struct {
	Summary  string          `json:"summary"`
	Stats    FindingsStats   `json:"stats"`
	Findings []Finding       `json:"findings"`
	Graph    json.RawMessage `json:"graph,omitempty"` // auxiliary hotspot/attack-surface graph
}

// FindingsStats is always recomputed from the findings array; a
// tool-supplied stats object is discarded.
type FindingsStats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByCategory map[string]int `json:"by_category"`
}

// Finding is a single issue reported by an analysis preset.
type Finding struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Severity    string            `json:"severity"`
	Category    string            `json:"category"`
	Description string            `json:"description,omitempty"`
	Locations   []FindingLocation `json:"locations,omitempty"`
	Suggestion  string            `json:"suggestion,omitempty"`
	Remediation string            `json:"remediation,omitempty"`
	Effort      string            `json:"effort,omitempty"`
}

// FindingLocation points at source implicated by a finding.
type FindingLocation struct {
	File      string `json:"file"`
	LineStart *int   `json:"line_start,omitempty"`
	LineEnd   *int   `json:"line_end,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
}

// DependencyMap is the dependency-diagram result shape.
type DependencyMap struct {
	Version     int64  `json:"version"`
	Description string `json:"description,omitempty"`
	Internal    struct {
		Nodes []GraphNode `json:"nodes"`
		Edges []GraphEdge `json:"edges"`
	} `json:"internal"`
	External             []ExternalDep `json:"external"`
	CircularDependencies [][]string    `json:"circular_dependencies"`
}

// ExternalDep is one third-party package and the internal nodes using it.
type ExternalDep struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	UsedBy  []string `json:"used_by"`
}

// Result is the parsed outcome of one analysis run; exactly one field is
// set.
type Result struct {
	Graph    *ArchitectureGraph
	Findings *Findings
	DepMap   *DependencyMap
}

// ── Preset classification ───────────────────────────────────────────

// Shape selects which result shape a preset produces.
type Shape int

const (
	ShapeGraph Shape = iota
	ShapeDependencyMap
	ShapeFindings
)

// ClassifyPreset maps a preset's kind and name to its result shape and,
// for findings, its closed category set (nil for custom presets).
func ClassifyPreset(kind, name string) (Shape, []string) {
	lower := strings.ToLower(name)
	switch kind {
	case "diagram":
		if strings.Contains(lower, "dependenc") {
			return ShapeDependencyMap, nil
		}
		return ShapeGraph, nil
	case "analysis":
		if strings.Contains(lower, "secur") {
			return ShapeFindings, securityCategories
		}
		return ShapeFindings, performanceCategories
	default: // custom
		return ShapeFindings, nil
	}
}

var performanceCategories = []string{
	"allocation", "blocking_io", "n_plus_one", "indexing",
	"caching", "concurrency", "algorithm", "hot_path",
}

var securityCategories = []string{
	"injection", "authentication", "authorization", "crypto",
	"secrets", "deserialization", "configuration", "validation",
}

var validSeverities = []string{"critical", "high", "medium", "low", "info"}
var validEfforts = []string{"trivial", "small", "medium", "large"}
var validEdgeTypes = []string{"dependency", "dataflow", "call", "ownership", "ipc", "control_flow"}

func severityRank(s string) int {
	for i, v := range validSeverities {
		if v == s {
			return i
		}
	}
	return len(validSeverities)
}

// ── Errors ──────────────────────────────────────────────────────────

// ParseError reports which recovery stage the payload died at. The raw
// output is preserved on the record for forensics.
type ParseError struct {
	Stage  string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed at %s: %s", e.Stage, e.Detail)
}

// ── Extraction & repair ─────────────────────────────────────────────

// ExtractJSONBlock returns the first fenced ```json block in raw, or "".
func ExtractJSONBlock(raw string) string {
	blocks := extractJSONBlocks(raw)
	if len(blocks) == 0 {
		return ""
	}
	return blocks[0]
}

func extractJSONBlocks(raw string) []string {
	var blocks []string
	rest := raw
	for {
		start := strings.Index(rest, "```json")
		if start < 0 {
			break
		}
		rest = rest[start+len("```json"):]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		if block := strings.TrimSpace(rest[:end]); block != "" {
			blocks = append(blocks, block)
		}
		rest = rest[end+3:]
	}
	return blocks
}

// stripTrailingCommas removes commas immediately preceding a closing ] or },
// skipping string contents. The most common malformation in AI output.
func stripTrailingCommas(in string) string {
	var out strings.Builder
	out.Grow(len(in))
	runes := []rune(in)
	inString := false
	escaped := false

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if escaped {
			escaped = false
			out.WriteRune(r)
			continue
		}
		if inString && r == '\\' {
			escaped = true
			out.WriteRune(r)
			continue
		}
		if r == '"' {
			inString = !inString
			out.WriteRune(r)
			continue
		}
		if !inString && r == ',' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t' || runes[j] == '\n' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == ']' || runes[j] == '}') {
				continue // drop the trailing comma
			}
		}
		out.WriteRune(r)
	}
	return out.String()
}

// unescapedQuote matches a quote wedged between word characters, e.g.
// `it"s` — the common unescaped-apostrophe-as-quote failure.
var unescapedQuote = regexp.MustCompile(`([a-zA-Z0-9])"([a-zA-Z0-9])`)

func repairUnescapedQuotes(in string) string {
	return unescapedQuote.ReplaceAllString(in, `$1\"$2`)
}

// decodeCandidates yields progressively more repaired forms of the payload:
// as-is, trailing commas stripped, quotes repaired, then each fenced block
// (with the same repairs).
func decodeCandidates(payload string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	add(payload)
	add(stripTrailingCommas(payload))
	add(repairUnescapedQuotes(stripTrailingCommas(payload)))
	for _, block := range extractJSONBlocks(payload) {
		add(block)
		add(stripTrailingCommas(block))
		add(repairUnescapedQuotes(stripTrailingCommas(block)))
	}
	return out
}

// decodeInto tries every candidate form of payload until one unmarshals
// into v. stage names the caller for error messages.
func decodeInto(payload string, v any, stage string) error {
	var lastErr error
	for _, candidate := range decodeCandidates(payload) {
		dec := json.NewDecoder(strings.NewReader(candidate))
		if err := dec.Decode(v); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty payload")
	}
	return &ParseError{Stage: stage, Detail: lastErr.Error()}
}

// ── Graph parsing ───────────────────────────────────────────────────

var nodeIDPattern = regexp.MustCompile(`^L[123]_[a-z][a-z0-9_]*$`)

// ParseGraph decodes an architecture graph and validates its structure.
// The returned violations are non-fatal: the parsed graph is persisted
// either way, but any violation marks the record failed. When the payload
// contains more than one graph, the first structurally valid one wins.
func ParseGraph(payload string) (*ArchitectureGraph, []string, error) {
	graphs, err := decodeGraphs(payload)
	if err != nil {
		return nil, nil, err
	}

	var first *ArchitectureGraph
	var firstViolations []string
	for i := range graphs {
		v := validateGraph(&graphs[i])
		if len(v) == 0 {
			return &graphs[i], nil, nil
		}
		if first == nil {
			first = &graphs[i]
			firstViolations = v
		}
	}
	return first, firstViolations, nil
}

// decodeGraphs collects every graph the payload yields: each repaired form
// and each fenced block is tried, accepting either a single object or an
// array of graphs.
func decodeGraphs(payload string) ([]ArchitectureGraph, error) {
	var out []ArchitectureGraph
	var lastErr error
	for _, candidate := range decodeCandidates(payload) {
		var one ArchitectureGraph
		if err := json.Unmarshal([]byte(candidate), &one); err == nil {
			out = append(out, one)
			continue
		} else {
			lastErr = err
		}
		var many []ArchitectureGraph
		if err := json.Unmarshal([]byte(candidate), &many); err == nil && len(many) > 0 {
			out = append(out, many...)
		}
	}
	if len(out) == 0 {
		detail := "empty payload"
		if lastErr != nil {
			detail = lastErr.Error()
		}
		return nil, &ParseError{Stage: "graph", Detail: detail}
	}
	return out, nil
}

func validateGraph(g *ArchitectureGraph) []string {
	var violations []string

	if g.Level < 1 || g.Level > 3 {
		violations = append(violations, fmt.Sprintf("level %d outside 1..3", g.Level))
	}
	if g.Direction != "top-down" && g.Direction != "left-right" {
		violations = append(violations, fmt.Sprintf("direction %q is not top-down or left-right", g.Direction))
	}

	levelPrefix := fmt.Sprintf("L%d_", g.Level)
	nodeIDs := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := nodeIDs[n.ID]; dup {
			violations = append(violations, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = struct{}{}
		if !nodeIDPattern.MatchString(n.ID) || !strings.HasPrefix(n.ID, levelPrefix) {
			violations = append(violations, fmt.Sprintf("node id %q does not match L%d_[a-z][a-z0-9_]*", n.ID, g.Level))
		}
	}

	groupIDs := make(map[string]struct{}, len(g.Groups))
	for _, gr := range g.Groups {
		groupIDs[gr.ID] = struct{}{}
	}
	for _, n := range g.Nodes {
		if n.Group != "" {
			if _, ok := groupIDs[n.Group]; !ok {
				violations = append(violations, fmt.Sprintf("node %q references unknown group %q", n.ID, n.Group))
			}
		}
	}

	for _, e := range g.Edges {
		if _, ok := nodeIDs[e.Source]; !ok {
			violations = append(violations, fmt.Sprintf("edge source %q references unknown node", e.Source))
		}
		if _, ok := nodeIDs[e.Target]; !ok {
			violations = append(violations, fmt.Sprintf("edge target %q references unknown node", e.Target))
		}
		if !contains(validEdgeTypes, e.Type) {
			violations = append(violations, fmt.Sprintf("edge %s->%s has invalid type %q", e.Source, e.Target, e.Type))
		}
	}

	return violations
}

// ── Findings parsing ────────────────────────────────────────────────

// ParseFindings decodes a findings document, derives stable IDs, recomputes
// stats, and sorts by severity. categories is the preset's closed category
// set; nil accepts any category (custom presets).
func ParseFindings(payload, presetName string, categories []string) (*Findings, []string, error) {
	var f Findings
	if err := decodeInto(payload, &f, "findings"); err != nil {
		return nil, nil, err
	}

	var violations []string
	short := presetShort(presetName)
	for i := range f.Findings {
		fi := &f.Findings[i]
		fi.ID = FindingID(short, fi.Title)
		if !contains(validSeverities, fi.Severity) {
			violations = append(violations, fmt.Sprintf("finding %q has invalid severity %q", fi.Title, fi.Severity))
		}
		if fi.Effort != "" && !contains(validEfforts, fi.Effort) {
			violations = append(violations, fmt.Sprintf("finding %q has invalid effort %q", fi.Title, fi.Effort))
		}
		if categories != nil && !contains(categories, fi.Category) {
			violations = append(violations, fmt.Sprintf("finding %q has category %q outside the preset's set", fi.Title, fi.Category))
		}
	}

	// Severity order, stable within a rank.
	sort.SliceStable(f.Findings, func(i, j int) bool {
		return severityRank(f.Findings[i].Severity) < severityRank(f.Findings[j].Severity)
	})

	f.Stats = computeStats(f.Findings)
	return &f, violations, nil
}

// FindingID derives the stable finding identifier
// F_<preset_short>_<first8 of sha256(title)>.
func FindingID(presetShort, title string) string {
	sum := sha256.Sum256([]byte(title))
	return "F_" + presetShort + "_" + hex.EncodeToString(sum[:])[:8]
}

// presetShort reduces a preset name to its ID segment: first `/`- or
// space-delimited token, lowercased, non-letters dropped.
func presetShort(name string) string {
	token := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == ' ' })
	head := "unknown"
	if len(token) > 0 {
		head = strings.ToLower(token[0])
	}
	var b strings.Builder
	for _, r := range head {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// computeStats recomputes the totals from the findings array; tool-supplied
// stats are never trusted.
func computeStats(findings []Finding) FindingsStats {
	stats := FindingsStats{
		Total:      len(findings),
		BySeverity: make(map[string]int),
		ByCategory: make(map[string]int),
	}
	for _, f := range findings {
		stats.BySeverity[f.Severity]++
		stats.ByCategory[f.Category]++
	}
	return stats
}

// ── Dependency map parsing ──────────────────────────────────────────

// ParseDependencyMap decodes a dependency map and verifies reference
// integrity: every external used_by and every internal edge endpoint must
// name an internal node. An empty circular_dependencies list is fine.
func ParseDependencyMap(payload string) (*DependencyMap, []string, error) {
	var m DependencyMap
	if err := decodeInto(payload, &m, "dependency_map"); err != nil {
		return nil, nil, err
	}

	var violations []string
	nodeIDs := make(map[string]struct{}, len(m.Internal.Nodes))
	for _, n := range m.Internal.Nodes {
		if _, dup := nodeIDs[n.ID]; dup {
			violations = append(violations, fmt.Sprintf("duplicate internal node id %q", n.ID))
		}
		nodeIDs[n.ID] = struct{}{}
	}
	for _, e := range m.Internal.Edges {
		if _, ok := nodeIDs[e.Source]; !ok {
			violations = append(violations, fmt.Sprintf("edge source %q references unknown node", e.Source))
		}
		if _, ok := nodeIDs[e.Target]; !ok {
			violations = append(violations, fmt.Sprintf("edge target %q references unknown node", e.Target))
		}
	}
	for _, ext := range m.External {
		for _, user := range ext.UsedBy {
			if _, ok := nodeIDs[user]; !ok {
				violations = append(violations, fmt.Sprintf("external %q used_by %q references unknown node", ext.Name, user))
			}
		}
	}
	if m.CircularDependencies == nil {
		m.CircularDependencies = [][]string{}
	}

	return &m, violations, nil
}

// ── Dispatch ────────────────────────────────────────────────────────

// ParseResult routes the payload to the parser for the preset's shape.
func ParseResult(shape Shape, payload, presetName string, categories []string) (*Result, []string, error) {
	switch shape {
	case ShapeGraph:
		g, violations, err := ParseGraph(payload)
		if err != nil {
			return nil, nil, err
		}
		return &Result{Graph: g}, violations, nil
	case ShapeDependencyMap:
		m, violations, err := ParseDependencyMap(payload)
		if err != nil {
			return nil, nil, err
		}
		return &Result{DepMap: m}, violations, nil
	default:
		f, violations, err := ParseFindings(payload, presetName, categories)
		if err != nil {
			return nil, nil, err
		}
		return &Result{Findings: f}, violations, nil
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
