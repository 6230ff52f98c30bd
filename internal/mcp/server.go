package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"stas-mcp-bridge/internal/metrics"
	"stas-mcp-bridge/internal/session"
	"stas-mcp-bridge/internal/tools"
)

// ServerName is reported in serverInfo and the HTTP manifest.
const ServerName = "stas-mcp-bridge"

// Version is the bridge release, overridable at link time.
var Version = "1.0.0"

// Server handles MCP JSON-RPC messages independent of the transport.
type Server struct {
	tools   *tools.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records request counters on m; nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a dispatcher for the given tool service.
func NewServer(svc *tools.Service, opts ...Option) *Server {
	s := &Server{tools: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tools returns the tool service behind the dispatcher.
func (s *Server) Tools() *tools.Service { return s.tools }

// Conn describes the connection a message arrived on. Socket transports
// pin one Session; connectionless ones resolve it from Sessions by
// connection id.
type Conn struct {
	ID        string
	Transport string
	Session   *session.Session
	Sessions  *session.Registry
}

// session returns the session for connID. A connection id with nothing
// stored gets a detached session, so unknown ids never allocate registry
// entries.
func (c Conn) session(connID string) *session.Session {
	if c.Session != nil {
		return c.Session
	}
	if c.Sessions != nil {
		if s, ok := c.Sessions.Lookup(connID); ok {
			return s
		}
	}
	return session.New(connID)
}

// track keeps the registry in step with a session after a tool call: a
// session holding a user is stored, one without is dropped.
func (c Conn) track(s *session.Session) {
	if c.Session != nil || c.Sessions == nil {
		return
	}
	if _, ok := s.UserID(); ok {
		c.Sessions.Put(s)
		return
	}
	c.Sessions.Drop(s.ID())
}

// Handle processes one raw JSON-RPC message. It returns nil for notifications.
func (s *Server) Handle(ctx context.Context, conn Conn, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.metrics.RPCRequest(conn.Transport, "parse_error")
		return newError(nil, CodeParseError, "Parse error", err.Error())
	}
	method := strings.TrimSpace(req.Method)
	s.metrics.RPCRequest(conn.Transport, methodLabel(method))

	if req.IsNotification() {
		s.logger.Debug("notification received", "method", method, "transport", conn.Transport)
		return nil
	}
	if method == "" {
		return newError(req.ID, CodeInvalidRequest, "Invalid Request", "method is required")
	}

	switch method {
	case "initialize":
		return s.handleInitialize(&req)
	case "ping":
		return newResult(req.ID, map[string]any{})
	case "tools/list":
		return newResult(req.ID, map[string]any{"tools": s.tools.Definitions()})
	case "tools/call":
		return s.handleToolsCall(ctx, conn, &req)
	case "resources/list":
		return newResult(req.ID, map[string]any{"resources": s.tools.Resources()})
	case "resources/read":
		return s.handleResourcesRead(ctx, conn, &req)
	default:
		return newError(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method '%s'", method), nil)
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params)

	version := params.ProtocolVersion
	if version == "" {
		version = ProtocolVersion
	}
	return newResult(req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": Version,
		},
	})
}

func (s *Server) handleToolsCall(ctx context.Context, conn Conn, req *Request) *Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Args      json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newError(req.ID, CodeInvalidParams, "Invalid params", err.Error())
	}
	raw := params.Arguments
	if len(raw) == 0 {
		raw = params.Args
	}
	args, err := decodeArguments(raw)
	if err != nil {
		s.logger.Warn("tools/call arguments rejected", "tool", params.Name, "error", err)
		return newError(req.ID, CodeInvalidParams, "Invalid params", err.Error())
	}

	name := strings.TrimSpace(params.Name)
	connID := conn.ID
	if connID == "" {
		connID, _ = args["connection_id"].(string)
	}

	sess := conn.session(connID)
	result, err := s.tools.Call(ctx, sess, connID, name, args)
	if err == nil && strings.HasPrefix(name, "session.") {
		conn.track(sess)
	}
	if err != nil {
		return s.toolError(req.ID, err)
	}

	text, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to encode tool result", "tool", name, "error", err)
		return newError(req.ID, CodeInternalError, "Internal error", err.Error())
	}
	return newResult(req.ID, ToolResult{
		Content:           []Content{{Type: "text", Text: string(text)}},
		StructuredContent: result,
	})
}

func (s *Server) handleResourcesRead(ctx context.Context, conn Conn, req *Request) *Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return newError(req.ID, CodeInvalidParams, "Invalid params", "uri is required")
	}

	payload, err := s.tools.ReadResource(ctx, conn.session(conn.ID), params.URI)
	if err != nil {
		return s.toolError(req.ID, err)
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return newError(req.ID, CodeInternalError, "Internal error", err.Error())
	}
	return newResult(req.ID, map[string]any{
		"contents": []ResourceContent{{
			URI:      params.URI,
			MimeType: "application/json",
			Text:     string(text),
		}},
	})
}

// toolError shapes a tool failure as a JSON-RPC error. The tool code is
// always present as data.code.
func (s *Server) toolError(id json.RawMessage, err error) *Response {
	var te *tools.Error
	if !errors.As(err, &te) {
		s.logger.Error("tool execution failed", "error", err)
		return newError(id, CodeToolError, "Tool execution error", map[string]any{"code": "InternalError"})
	}

	data := make(map[string]any, len(te.Data)+1)
	for k, v := range te.Data {
		data[k] = v
	}
	data["code"] = string(te.Code)

	code := CodeToolError
	switch te.Code {
	case tools.CodeInvalidParams:
		code = CodeInvalidParams
	case tools.CodeUnknownTool, tools.CodeResourceNotFound:
		code = CodeMethodNotFound
	}
	return newError(id, code, te.Message, data)
}

var knownMethods = map[string]bool{
	"initialize":     true,
	"ping":           true,
	"tools/list":     true,
	"tools/call":     true,
	"resources/list": true,
	"resources/read": true,
}

// methodLabel keeps the metric label set bounded.
func methodLabel(method string) string {
	switch {
	case knownMethods[method]:
		return method
	case strings.HasPrefix(method, "notifications/"):
		return "notification"
	default:
		return "other"
	}
}

// decodeArguments accepts an object, a JSON string holding an object, or
// nothing at all.
func decodeArguments(raw json.RawMessage) (tools.Args, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return tools.Args{}, nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("arguments: invalid JSON string: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return tools.Args{}, nil
		}
		raw = []byte(text)
		if raw[0] != '{' {
			return nil, fmt.Errorf("arguments: JSON string must encode an object")
		}
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("arguments: unsupported type; expected object or JSON string")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args tools.Args
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments: invalid JSON: %w", err)
	}
	return args, nil
}
