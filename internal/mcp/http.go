package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"stas-mcp-bridge/internal/linking"
	"stas-mcp-bridge/internal/session"
	"stas-mcp-bridge/internal/tools"
)

// DefaultHeartbeat is the SSE comment and WebSocket ping interval.
const DefaultHeartbeat = 15 * time.Second

// Handler exposes a Server over HTTP, WebSocket and SSE.
type Handler struct {
	rpc       *Server
	links     *linking.Store
	sessions  *session.Registry
	streams   *streamHub
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	logger    *slog.Logger
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithHeartbeat sets the keep-alive interval of streaming transports.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithSessions shares a session registry across handlers.
func WithSessions(r *session.Registry) HandlerOption {
	return func(h *Handler) { h.sessions = r }
}

// NewHandler wires the HTTP surface of the bridge.
func NewHandler(rpc *Server, links *linking.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		rpc:       rpc,
		links:     links,
		sessions:  session.NewRegistry(),
		streams:   newStreamHub(),
		heartbeat: DefaultHeartbeat,
		logger:    rpc.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router serving every bridge endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", h.handleHealthz)
	r.Handle("/metrics", h.rpc.metrics.Handler())

	r.Route("/mcp", func(r chi.Router) {
		r.Get("/", h.handleManifest)
		r.Post("/", h.handleRPC)
		r.Get("/ws", h.handleWebSocket)
	})
	r.Get("/sse", h.handleSSE)
	r.Post("/messages", h.handleMessages)

	r.Get("/_link", h.handleLinkPage)
	r.Post("/_link", h.handleLink)
	r.Get("/_whoami", h.handleWhoami)

	r.Route("/api/user", func(r chi.Router) {
		r.Get("/summary", h.handleUserSummary)
		r.Get("/last_training", h.handleLastTraining)
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Connection-Id,X-Conn")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (h *Handler) handleManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            ServerName,
		"version":         Version,
		"protocolVersion": ProtocolVersion,
		"endpoints": map[string]string{
			"rpc":       "/mcp",
			"websocket": "/mcp/ws",
			"sse":       "/sse",
			"link":      "/_link",
		},
		"tools":     h.rpc.tools.Definitions(),
		"resources": h.rpc.tools.Resources(),
	})
}

// handleRPC answers one JSON-RPC message. Protocol errors are returned with
// HTTP 200; notifications are acknowledged with 202.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusOK, newError(nil, CodeParseError, "Parse error", err.Error()))
		return
	}

	conn := Conn{ID: connectionID(r), Transport: "http", Sessions: h.sessions}
	resp := h.rpc.Handle(r.Context(), conn, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	h.restTool(w, r, "user.summary.fetch", nil)
}

func (h *Handler) handleLastTraining(w http.ResponseWriter, r *http.Request) {
	h.restTool(w, r, "user.last_training.fetch", []string{"oldest", "newest"})
}

// restTool runs a read tool for the user named by the user_id query
// parameter and maps tool failures onto HTTP statuses.
func (h *Handler) restTool(w http.ResponseWriter, r *http.Request, name string, optional []string) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "user_id is required"})
		return
	}

	args := tools.Args{"user_id": userID}
	for _, key := range optional {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			args[key] = v
		}
	}

	result, err := h.rpc.tools.Call(r.Context(), nil, connectionID(r), name, args)
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeToolError(w http.ResponseWriter, err error) {
	var te *tools.Error
	if !errors.As(err, &te) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "InternalError"})
		return
	}

	switch te.Code {
	case tools.CodeGwUnavailable:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": string(te.Code)})
	case tools.CodeGwBadResponse:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": string(te.Code), "status": te.Data["status"]})
	case tools.CodeInvalidParams, tools.CodeUserIDRequired:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": string(te.Code), "detail": te.Message})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": string(te.Code), "detail": te.Message})
	}
}

// connectionID reads the caller's connection id from headers or the query.
func connectionID(r *http.Request) string {
	for _, v := range []string{
		r.Header.Get("X-Connection-Id"),
		r.Header.Get("X-Conn"),
		r.URL.Query().Get("cid"),
		r.URL.Query().Get("connection_id"),
	} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
