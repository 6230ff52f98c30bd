package tools

import (
	"context"
	"fmt"

	"stas-mcp-bridge/internal/gateway"
	"stas-mcp-bridge/internal/session"
)

// Resource URIs.
const (
	ResourceUserSummary  = "user.summary.json"
	ResourceLastTraining = "user.last_training.json"
)

// Resource describes an entry of resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Resources returns the readable resources.
func (s *Service) Resources() []Resource {
	return []Resource{
		{
			URI:         ResourceUserSummary,
			Name:        ResourceUserSummary,
			Description: "Read-only summary for the session user_id.",
			MimeType:    "application/json",
		},
		{
			URI:         ResourceLastTraining,
			Name:        ResourceLastTraining,
			Description: "Recent trainings (last 14 days) for the session user_id.",
			MimeType:    "application/json",
		},
	}
}

// ReadResource returns the JSON payload of a resource. Resources are bound
// to the session user; there is no argument to name another one.
func (s *Service) ReadResource(ctx context.Context, sess *session.Session, uri string) (any, error) {
	if uri != ResourceUserSummary && uri != ResourceLastTraining {
		return nil, &Error{Code: CodeResourceNotFound, Message: fmt.Sprintf("Unknown resource '%s'", uri)}
	}
	userID, ok := sess.UserID()
	if !ok {
		return nil, userIDRequired()
	}

	if uri == ResourceUserSummary {
		summary, err := s.gw.UserSummary(ctx, userID)
		if err != nil {
			return nil, fromGateway(err)
		}
		return summary, nil
	}

	items, err := s.gw.Trainings(ctx, userID, gateway.Window{})
	if err != nil {
		return nil, fromGateway(err)
	}
	if items == nil {
		items = []gateway.Record{}
	}
	return map[string]any{"items": items}, nil
}
