package analysis

// JSON schemas handed to the CLI tools, one per result shape. Claude gets
// them inline, Codex via a temp file, Cursor as prose in the prompt.

// GraphSchema constrains the architecture-diagram result.
const GraphSchema = `{
  "type": "object",
  "required": ["version", "level", "direction", "nodes", "edges"],
  "properties": {
    "version": {"const": 1},
    "level": {"type": "integer", "minimum": 1, "maximum": 3},
    "direction": {"enum": ["top-down", "left-right"]},
    "description": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "label", "type"],
        "properties": {
          "id": {"type": "string", "pattern": "^L[123]_[a-z][a-z0-9_]*$"},
          "label": {"type": "string"},
          "type": {"type": "string"},
          "group": {"type": "string"},
          "metadata": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target", "type"],
        "properties": {
          "source": {"type": "string"},
          "target": {"type": "string"},
          "label": {"type": "string"},
          "type": {"enum": ["dependency", "dataflow", "call", "ownership", "ipc", "control_flow"]}
        }
      }
    },
    "groups": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "label"],
        "properties": {
          "id": {"type": "string"},
          "label": {"type": "string"},
          "description": {"type": "string"}
        }
      }
    }
  }
}`

// FindingsSchema constrains the findings result shared by performance,
// security, and custom presets.
const FindingsSchema = `{
  "type": "object",
  "required": ["summary", "findings"],
  "properties": {
    "summary": {"type": "string"},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "severity", "category", "description"],
        "properties": {
          "title": {"type": "string"},
          "severity": {"enum": ["critical", "high", "medium", "low", "info"]},
          "category": {"type": "string"},
          "description": {"type": "string"},
          "locations": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["file"],
              "properties": {
                "file": {"type": "string"},
                "line_start": {"type": "integer"},
                "line_end": {"type": "integer"},
                "snippet": {"type": "string"}
              }
            }
          },
          "suggestion": {"type": "string"},
          "remediation": {"type": "string"},
          "effort": {"enum": ["trivial", "small", "medium", "large"]}
        }
      }
    },
    "graph": {"type": "object"}
  }
}`

// DependencyMapSchema constrains the dependency-map result.
const DependencyMapSchema = `{
  "type": "object",
  "required": ["version", "internal", "external"],
  "properties": {
    "version": {"const": 1},
    "description": {"type": "string"},
    "internal": {
      "type": "object",
      "required": ["nodes", "edges"],
      "properties": {
        "nodes": {"type": "array"},
        "edges": {"type": "array"}
      }
    },
    "external": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "used_by"],
        "properties": {
          "name": {"type": "string"},
          "version": {"type": "string"},
          "used_by": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "circular_dependencies": {"type": "array"}
  }
}`

// SchemaForShape returns the schema matching a preset's result shape.
func SchemaForShape(shape Shape) string {
	switch shape {
	case ShapeGraph:
		return GraphSchema
	case ShapeDependencyMap:
		return DependencyMapSchema
	default:
		return FindingsSchema
	}
}
