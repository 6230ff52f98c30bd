package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stas-mcp-bridge/internal/session"
)

const sseSendTimeout = 5 * time.Second

type stream struct {
	session *session.Session
	events  chan []byte
}

// streamHub tracks open SSE streams by session id.
type streamHub struct {
	mu      sync.Mutex
	streams map[string]*stream
}

func newStreamHub() *streamHub {
	return &streamHub{streams: make(map[string]*stream)}
}

func (hub *streamHub) open(id string) *stream {
	st := &stream{session: session.New(id), events: make(chan []byte, 16)}
	hub.mu.Lock()
	hub.streams[id] = st
	hub.mu.Unlock()
	return st
}

func (hub *streamHub) get(id string) (*stream, bool) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	st, ok := hub.streams[id]
	return st, ok
}

func (hub *streamHub) close(id string) {
	hub.mu.Lock()
	delete(hub.streams, id)
	hub.mu.Unlock()
}

// handleSSE opens an event stream. The first event names the endpoint the
// client posts its messages to; responses arrive as message events.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	id := uuid.NewString()
	st := h.streams.open(id)
	defer h.streams.close(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "endpoint", "/messages?session_id="+id)
	flusher.Flush()
	h.logger.Info("sse stream opened", "session_id", id, "remote", r.RemoteAddr)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("sse stream closed", "session_id", id)
			return
		case msg := <-st.events:
			writeEvent(w, "message", string(msg))
			flusher.Flush()
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// handleMessages accepts a JSON-RPC message for an open SSE stream.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	st, ok := h.streams.get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session_id"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	resp := h.rpc.Handle(r.Context(), Conn{ID: id, Transport: "sse", Session: st.session}, body)
	if resp != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode response"})
			return
		}
		select {
		case st.events <- data:
		case <-time.After(sseSendTimeout):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stream is not draining"})
			return
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeEvent emits one SSE event; multi-line data is split per the framing rules.
func writeEvent(w io.Writer, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = io.WriteString(w, "\n")
}
