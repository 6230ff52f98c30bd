package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stas-mcp-bridge/internal/session"
)

const pingWriteWait = 5 * time.Second

// handleWebSocket serves JSON-RPC over one socket. Each socket owns a session.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	id := uuid.NewString()
	conn := Conn{ID: id, Transport: "websocket", Session: session.New(id)}
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.pingLoop(ctx, ws)

	h.logger.Info("websocket connected", "connection_id", id, "remote", r.RemoteAddr)
	defer h.logger.Info("websocket closed", "connection_id", id)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read failed", "connection_id", id, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		resp := h.rpc.Handle(ctx, conn, data)
		if resp == nil {
			continue
		}
		out, err := json.Marshal(resp)
		if err != nil {
			h.logger.Error("failed to encode websocket response", "connection_id", id, "error", err)
			continue
		}
		if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
			h.logger.Warn("websocket write failed", "connection_id", id, "error", err)
			return
		}
	}
}

// pingLoop keeps idle sockets alive. WriteControl may run concurrently with
// the reader loop's writes.
func (h *Handler) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				return
			}
		}
	}
}
