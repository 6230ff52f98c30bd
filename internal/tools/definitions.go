package tools

import "strings"

// SchemaDraft is the JSON Schema dialect of every published schema.
const SchemaDraft = "http://json-schema.org/draft-07/schema#"

// Definition describes a tool in tools/list.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema is the JSON Schema of a tool's arguments.
type InputSchema struct {
	Schema     string         `json:"$schema"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

func objectSchema(required []string, props map[string]any) InputSchema {
	if props == nil {
		props = map[string]any{}
	}
	props["connection_id"] = map[string]any{"type": "string"}
	return InputSchema{Schema: SchemaDraft, Type: "object", Properties: props, Required: required}
}

// draftSchema is shared by plan.validate, plan.publish and the validator.
func draftSchema() map[string]any {
	return map[string]any{
		"$schema":  SchemaDraft,
		"type":     "object",
		"required": []any{"external_id", "athlete_id", "days"},
		"properties": map[string]any{
			"external_id": map[string]any{"type": "string", "description": "External ID of the plan"},
			"athlete_id":  map[string]any{"type": []any{"string", "integer"}},
			"meta":        map[string]any{"type": "object"},
			"days": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"date", "title", "blocks"},
					"properties": map[string]any{
						"date":   map[string]any{"type": "string"},
						"title":  map[string]any{"type": "string"},
						"blocks": map[string]any{"type": "array"},
					},
				},
			},
		},
	}
}

func readDefinitions() []Definition {
	userID := map[string]any{"type": "integer", "minimum": 0}
	return []Definition{
		{
			Name:        "user.summary.fetch",
			Description: "Read the user summary from the gateway.",
			InputSchema: objectSchema(nil, map[string]any{"user_id": userID}),
		},
		{
			Name:        "user.last_training.fetch",
			Description: "Read trainings in a window (default last 14 days) and return the last finished one.",
			InputSchema: objectSchema(nil, map[string]any{
				"user_id": userID,
				"oldest":  map[string]any{"type": "string", "description": "Start date (YYYY-MM-DD)"},
				"newest":  map[string]any{"type": "string", "description": "End date (YYYY-MM-DD)"},
			}),
		},
	}
}

func planDefinitions() []Definition {
	day := map[string]any{
		"type":    "string",
		"pattern": `^\d{4}-\d{2}-\d{2}$`,
	}
	withDescription := func(schema map[string]any, text string) map[string]any {
		out := make(map[string]any, len(schema)+1)
		for k, v := range schema {
			out[k] = v
		}
		out["description"] = text
		return out
	}

	return []Definition{
		{
			Name:        "plan.validate",
			Description: "Validate a training plan draft against the plan schema.",
			InputSchema: objectSchema([]string{"draft"}, map[string]any{"draft": draftSchema()}),
		},
		{
			Name:        "plan.publish",
			Description: "Publish a plan; dry-run unless confirm:true; idempotent by external_id.",
			InputSchema: objectSchema([]string{"external_id", "draft"}, map[string]any{
				"external_id": map[string]any{"type": "string"},
				"draft":       draftSchema(),
				"confirm":     map[string]any{"type": "boolean", "default": false},
				"user_id":     map[string]any{"type": "integer", "minimum": 0},
			}),
		},
		{
			Name:        "plan.delete",
			Description: "Delete a plan by external_id; requires confirm:true.",
			InputSchema: objectSchema([]string{"external_id"}, map[string]any{
				"external_id": map[string]any{"type": "string"},
				"confirm":     map[string]any{"type": "boolean", "default": false},
				"user_id":     map[string]any{"type": "integer", "minimum": 0},
			}),
		},
		{
			Name:        "plan.update",
			Description: "Partially update a previously published plan. Dry-run by default.",
			InputSchema: objectSchema([]string{"external_id", "patch"}, map[string]any{
				"external_id": map[string]any{"type": "string"},
				"patch":       map[string]any{"type": "object"},
				"confirm": map[string]any{
					"type":        "boolean",
					"default":     false,
					"description": "Set to true to persist changes; default is dry-run.",
				},
				"if_match": map[string]any{
					"type":        []any{"string", "null"},
					"description": "ETag of the current plan version.",
				},
				"user_id": map[string]any{"type": "integer", "minimum": 0},
			}),
		},
		{
			Name:        "plan.status",
			Description: "Fetch publication status and etag for a plan external_id.",
			InputSchema: objectSchema([]string{"external_id"}, map[string]any{
				"external_id": map[string]any{"type": "string"},
				"user_id":     map[string]any{"type": "integer", "minimum": 0},
			}),
		},
		{
			Name:        "plan.list",
			Description: "List plans ordered by updated_at desc with optional filters.",
			InputSchema: objectSchema(nil, map[string]any{
				"athlete_id": map[string]any{"type": "string"},
				"date_from":  withDescription(day, "Start date (YYYY-MM-DD)"),
				"date_to":    withDescription(day, "End date (YYYY-MM-DD)"),
				"limit": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"maximum": MaxLimit,
					"default": DefaultLimit,
				},
				"cursor":  map[string]any{"type": []any{"string", "null"}},
				"user_id": map[string]any{"type": "integer", "minimum": 0},
			}),
		},
	}
}

func sessionDefinitions() []Definition {
	return []Definition{
		{
			Name:        "session.set_user_id",
			Description: "Remember user_id for this connection.",
			InputSchema: objectSchema([]string{"user_id"}, map[string]any{
				"user_id": map[string]any{"type": "integer", "minimum": 0},
			}),
		},
		{
			Name:        "session.get_user_id",
			Description: "Return the user_id remembered for this connection, if any.",
			InputSchema: objectSchema(nil, nil),
		},
		{
			Name:        "session.clear_user_id",
			Description: "Forget the user_id remembered for this connection.",
			InputSchema: objectSchema(nil, nil),
		},
	}
}

// mergeDefinitions flattens groups by name. A later definition replaces an
// earlier one but keeps its position; nameless entries are dropped.
func mergeDefinitions(groups ...[]Definition) []Definition {
	index := make(map[string]int)
	var merged []Definition
	for _, group := range groups {
		for _, def := range group {
			def.Name = strings.TrimSpace(def.Name)
			if def.Name == "" {
				continue
			}
			if i, ok := index[def.Name]; ok {
				merged[i] = def
				continue
			}
			index[def.Name] = len(merged)
			merged = append(merged, def)
		}
	}
	return merged
}
