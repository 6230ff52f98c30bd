// Package tools implements the MCP tools and resources on top of the gateway
// client: argument validation, user resolution and result shaping.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"stas-mcp-bridge/internal/gateway"
	"stas-mcp-bridge/internal/linking"
	"stas-mcp-bridge/internal/metrics"
	"stas-mcp-bridge/internal/session"
)

// Gateway is the part of the gateway client the tools depend on.
type Gateway interface {
	UserSummary(ctx context.Context, userID int64) (map[string]any, error)
	TrainingWindow(w gateway.Window) gateway.Window
	Trainings(ctx context.Context, userID int64, w gateway.Window) ([]gateway.Record, error)
	PlanUpdate(ctx context.Context, req gateway.PlanUpdateRequest) (gateway.UpdateResult, error)
	PlanPublish(ctx context.Context, req gateway.PlanPublishRequest) (gateway.PublishResult, error)
	PlanDelete(ctx context.Context, userID int64, externalID string) (gateway.DeleteResult, error)
	PlanStatus(ctx context.Context, userID int64, externalID string) (gateway.PlanLookup, error)
	PlanList(ctx context.Context, q gateway.PlanListQuery) (gateway.PlanPage, error)
}

var _ Gateway = (*gateway.Client)(nil)

// Service dispatches tool calls.
type Service struct {
	gw       Gateway
	links    *linking.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	schema   *gojsonschema.Schema
	defs     []Definition
	handlers map[string]handler
}

// call carries the per-invocation context into a handler.
type call struct {
	session *session.Session
	connID  string
	args    Args
}

type handler func(ctx context.Context, c *call) (any, error)

// Option customizes a Service.
type Option func(*Service)

// WithMetrics records request counters on m; nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService wires the tools to a gateway and a link store. links may be nil
// when account linking is not used.
func NewService(gw Gateway, links *linking.Store, opts ...Option) (*Service, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(draftSchema()))
	if err != nil {
		return nil, fmt.Errorf("failed to compile plan schema: %w", err)
	}

	s := &Service{
		gw:     gw,
		links:  links,
		logger: slog.Default(),
		schema: schema,
		defs:   mergeDefinitions(planDefinitions(), readDefinitions(), sessionDefinitions()),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.handlers = map[string]handler{
		"user.summary.fetch":       s.userSummaryFetch,
		"user.last_training.fetch": s.lastTrainingFetch,
		"plan.update":              s.planUpdate,
		"plan.status":              s.planStatus,
		"plan.list":                s.planList,
		"plan.publish":             s.planPublish,
		"plan.delete":              s.planDelete,
		"plan.validate":            s.planValidate,
		"session.set_user_id":      s.sessionSetUserID,
		"session.get_user_id":      s.sessionGetUserID,
		"session.clear_user_id":    s.sessionClearUserID,
	}
	return s, nil
}

// Definitions returns the tools/list manifest.
func (s *Service) Definitions() []Definition {
	out := make([]Definition, len(s.defs))
	copy(out, s.defs)
	return out
}

// Has reports whether name is a known tool.
func (s *Service) Has(name string) bool {
	_, ok := s.handlers[name]
	return ok
}

// Call runs one tool. connID identifies the agent connection for account
// linking; a string connection_id argument is used when connID is empty.
func (s *Service) Call(ctx context.Context, sess *session.Session, connID, name string, args Args) (any, error) {
	h, ok := s.handlers[name]
	if !ok {
		s.metrics.ToolCall("unknown", string(CodeUnknownTool))
		return nil, &Error{Code: CodeUnknownTool, Message: fmt.Sprintf("unknown tool '%s'", name)}
	}
	if args == nil {
		args = Args{}
	}
	if connID == "" {
		connID, _ = args["connection_id"].(string)
	}
	if sess == nil {
		sess = session.New(connID)
	}

	start := time.Now()
	result, err := h(ctx, &call{session: sess, connID: connID, args: args})
	elapsed := time.Since(start)

	code := "ok"
	if err != nil {
		code = string(CodeOf(err))
		if code == "" {
			code = "internal"
		}
		s.logger.Warn("tool call failed", "tool", name, "code", code, "elapsed", elapsed, "error", err)
	} else {
		s.logger.Info("tool call", "tool", name, "elapsed", elapsed)
	}
	s.metrics.ToolCall(name, code)
	return result, err
}

// resolveUser picks the user for a call: the user_id argument, then the
// session user, then the user linked to the connection.
func (s *Service) resolveUser(c *call) (int64, error) {
	if c.args.has("user_id") {
		return c.args.userID("user_id")
	}
	if id, ok := c.session.UserID(); ok {
		return id, nil
	}
	if s.links != nil && c.connID != "" {
		id, err := s.links.LinkedUserID(c.connID)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, linking.ErrLinkingRequired) {
			return 0, err
		}
	}
	return 0, userIDRequired()
}
