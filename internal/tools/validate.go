package tools

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Issue is one validation problem of a plan draft.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (s *Service) planValidate(_ context.Context, c *call) (any, error) {
	draft, err := c.args.object("draft")
	if err != nil {
		return nil, err
	}
	issues := s.validateDraft(draft)
	return map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	}, nil
}

// validateDraft checks the draft against the plan schema and requires every
// day date to be a real YYYY-MM-DD calendar day.
func (s *Service) validateDraft(draft map[string]any) []Issue {
	issues := []Issue{}

	result, err := s.schema.Validate(gojsonschema.NewGoLoader(draft))
	if err != nil {
		return append(issues, Issue{Path: "(root)", Message: err.Error()})
	}
	for _, e := range result.Errors() {
		issues = append(issues, Issue{Path: e.Field(), Message: e.Description()})
	}

	days, _ := draft["days"].([]any)
	for i, item := range days {
		day, ok := item.(map[string]any)
		if !ok {
			continue
		}
		value, ok := day["date"].(string)
		if !ok {
			continue
		}
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			issues = append(issues, Issue{
				Path:    fmt.Sprintf("days.%d.date", i),
				Message: "date must be a valid YYYY-MM-DD day",
			})
		}
	}

	slices.SortStableFunc(issues, func(a, b Issue) int { return cmp.Compare(a.Path, b.Path) })
	return issues
}
