package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONBlock(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "fenced block",
			raw:  "Here:\n```json\n{\"version\": 1}\n```\nDone.",
			want: `{"version": 1}`,
		},
		{
			name: "no block",
			raw:  "nothing here",
			want: "",
		},
		{
			name: "unterminated fence",
			raw:  "```json\n{\"x\":1}",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONBlock(tt.raw))
		})
	}
}

func TestStripTrailingCommas(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"nodes": ["a", "b",], "edges": [1, 2,]}`, `{"nodes": ["a", "b"], "edges": [1, 2]}`},
		{`{"text": "hello, world,", "arr": [1,]}`, `{"text": "hello, world,", "arr": [1]}`},
		{`{"a": 1,
		}`, `{"a": 1
		}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripTrailingCommas(tt.in))
	}
}

func TestParseGraphTrailingComma(t *testing.T) {
	// Spec scenario: trailing comma inside nodes must recover.
	raw := `{"version":1,"level":1,"direction":"top-down","description":"x","nodes":[{"id":"L1_a","label":"A","type":"service"},],"edges":[],"groups":[]}`

	g, violations, err := ParseGraph(raw)
	require.NoError(t, err)
	assert.Empty(t, violations)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "L1_a", g.Nodes[0].ID)
}

func TestParseGraphFromFencedOutput(t *testing.T) {
	raw := "Here is the architecture:\n```json\n" + `{
  "version": 1, "level": 1, "direction": "top-down", "description": "Test",
  "nodes": [
    {"id": "L1_app", "label": "App", "type": "service", "group": "backend"},
    {"id": "L1_db", "label": "Database", "type": "database", "group": "backend"}
  ],
  "edges": [{"source": "L1_app", "target": "L1_db", "label": "queries", "type": "dependency"}],
  "groups": [{"id": "backend", "label": "Backend"}]
}` + "\n```\nDone."

	g, violations, err := ParseGraph(raw)
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.Len(t, g.Nodes, 2)
	assert.Len(t, g.Edges, 1)
}

func TestParseGraphViolations(t *testing.T) {
	raw := `{
		"version": 1, "level": 1, "direction": "top-down",
		"nodes": [
			{"id": "L1_app", "label": "App", "type": "service"},
			{"id": "L1_app", "label": "Dup", "type": "service"},
			{"id": "L2_wrong", "label": "Wrong", "type": "module", "group": "ghost"}
		],
		"edges": [{"source": "L1_app", "target": "L1_missing", "type": "dependency"}],
		"groups": []
	}`

	g, violations, err := ParseGraph(raw)
	require.NoError(t, err)
	require.NotNil(t, g)

	joined := strings.Join(violations, "; ")
	assert.Contains(t, joined, "duplicate node id")
	assert.Contains(t, joined, "L2_wrong")
	assert.Contains(t, joined, "ghost")
	assert.Contains(t, joined, "L1_missing")
}

func TestParseGraphBadLevelAndDirection(t *testing.T) {
	raw := `{"version":1,"level":7,"direction":"sideways","nodes":[],"edges":[],"groups":[]}`
	_, violations, err := ParseGraph(raw)
	require.NoError(t, err)
	joined := strings.Join(violations, "; ")
	assert.Contains(t, joined, "level 7")
	assert.Contains(t, joined, "sideways")
}

func TestParseGraphGarbage(t *testing.T) {
	_, _, err := ParseGraph("total garbage, no json at all")
	require.Error(t, err)
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestParseGraphClampsToFirstValid(t *testing.T) {
	raw := "```json\n" +
		`{"version":1,"level":1,"direction":"top-down","nodes":[{"id":"BAD","label":"b","type":"t"}],"edges":[],"groups":[]}` +
		"\n```\n```json\n" +
		`{"version":1,"level":1,"direction":"top-down","nodes":[{"id":"L1_good","label":"g","type":"service"}],"edges":[],"groups":[]}` +
		"\n```"

	g, violations, err := ParseGraph(raw)
	require.NoError(t, err)
	assert.Empty(t, violations)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "L1_good", g.Nodes[0].ID)
}

func TestParseFindings(t *testing.T) {
	raw := "```json\n" + `{
  "summary": "Found 2 issues",
  "stats": {"total": 999},
  "findings": [
    {
      "title": "Missing auth check", "severity": "medium", "category": "authorization",
      "description": "No auth on endpoint", "locations": [], "suggestion": "Add middleware",
      "effort": "medium"
    },
    {
      "title": "SQL injection risk", "severity": "high", "category": "injection",
      "description": "Unsanitized input",
      "locations": [{"file": "src/db.go", "line_start": 42}],
      "suggestion": "Use parameterized queries", "effort": "small"
    }
  ]
}` + "\n```"

	f, violations, err := ParseFindings(raw, "Security Scan", securityCategories)
	require.NoError(t, err)
	assert.Empty(t, violations)

	// Stats recomputed, not trusting the tool's 999.
	assert.Equal(t, 2, f.Stats.Total)
	assert.Equal(t, 1, f.Stats.BySeverity["high"])
	assert.Equal(t, 1, f.Stats.BySeverity["medium"])
	assert.Equal(t, 1, f.Stats.ByCategory["injection"])

	// Sorted by severity: high before medium.
	require.Len(t, f.Findings, 2)
	assert.Equal(t, "SQL injection risk", f.Findings[0].Title)

	for _, finding := range f.Findings {
		assert.Regexp(t, `^F_security_[0-9a-f]{8}$`, finding.ID)
	}
	assert.NotEqual(t, f.Findings[0].ID, f.Findings[1].ID)
}

func TestParseFindingsViolations(t *testing.T) {
	raw := `{"summary":"s","findings":[
		{"title":"a","severity":"catastrophic","category":"injection","description":"d"},
		{"title":"b","severity":"low","category":"not_in_set","description":"d","effort":"gigantic"}
	]}`

	_, violations, err := ParseFindings(raw, "security", securityCategories)
	require.NoError(t, err)
	joined := strings.Join(violations, "; ")
	assert.Contains(t, joined, "catastrophic")
	assert.Contains(t, joined, "not_in_set")
	assert.Contains(t, joined, "gigantic")
}

func TestParseFindingsCustomCategoryOpenSet(t *testing.T) {
	raw := `{"summary":"s","findings":[
		{"title":"a","severity":"info","category":"anything_goes","description":"d"}
	]}`
	_, violations, err := ParseFindings(raw, "My Custom", nil)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestFindingIDStability(t *testing.T) {
	id1 := FindingID("security", "SQL injection risk")
	id2 := FindingID("security", "SQL injection risk")
	assert.Equal(t, id1, id2)
	assert.Regexp(t, `^F_[a-z]+_[0-9a-f]{8}$`, id1)

	id3 := FindingID("security", "Different title")
	assert.NotEqual(t, id1, id3)
}

func TestPresetShort(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Security Scan", "security"},
		{"Performance Analysis", "performance"},
		{"perf/hot-paths", "perf"},
		{"123", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, presetShort(tt.name), "presetShort(%q)", tt.name)
	}
}

func TestParseDependencyMap(t *testing.T) {
	raw := `{
		"version": 1,
		"internal": {
			"nodes": [
				{"id": "L1_core", "label": "Core", "type": "module"},
				{"id": "L1_api", "label": "API", "type": "module"}
			],
			"edges": [{"source": "L1_api", "target": "L1_core", "type": "dependency"}]
		},
		"external": [{"name": "libfoo", "version": "1.2", "used_by": ["L1_core"]}],
		"circular_dependencies": []
	}`

	m, violations, err := ParseDependencyMap(raw)
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.Len(t, m.Internal.Nodes, 2)
	assert.Empty(t, m.CircularDependencies)
}

func TestParseDependencyMapDanglingRefs(t *testing.T) {
	raw := `{
		"version": 1,
		"internal": {
			"nodes": [{"id": "L1_core", "label": "Core", "type": "module"}],
			"edges": [{"source": "L1_core", "target": "L1_ghost", "type": "dependency"}]
		},
		"external": [{"name": "libfoo", "used_by": ["L1_phantom"]}]
	}`

	m, violations, err := ParseDependencyMap(raw)
	require.NoError(t, err)
	require.NotNil(t, m)
	joined := strings.Join(violations, "; ")
	assert.Contains(t, joined, "L1_ghost")
	assert.Contains(t, joined, "L1_phantom")
	assert.NotNil(t, m.CircularDependencies, "nil circular list normalizes to empty")
}

func TestClassifyPreset(t *testing.T) {
	shape, cats := ClassifyPreset("diagram", "Architecture Diagram")
	assert.Equal(t, ShapeGraph, shape)
	assert.Nil(t, cats)

	shape, _ = ClassifyPreset("diagram", "Dependency Map")
	assert.Equal(t, ShapeDependencyMap, shape)

	shape, cats = ClassifyPreset("analysis", "Security Scan")
	assert.Equal(t, ShapeFindings, shape)
	assert.Equal(t, securityCategories, cats)

	shape, cats = ClassifyPreset("analysis", "Performance Analysis")
	assert.Equal(t, ShapeFindings, shape)
	assert.Equal(t, performanceCategories, cats)

	shape, cats = ClassifyPreset("custom", "Anything")
	assert.Equal(t, ShapeFindings, shape)
	assert.Nil(t, cats)
}

func TestRepairUnescapedQuotes(t *testing.T) {
	in := `{"description": "it"s broken"}`
	repaired := repairUnescapedQuotes(in)
	assert.Contains(t, repaired, `it\"s`)
}
