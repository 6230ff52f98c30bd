package mcp

import (
	"encoding/json"
	"errors"
	"html/template"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"stas-mcp-bridge/internal/linking"
)

var linkPage = template.Must(template.New("link").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Link connection</title></head>
<body>
<h1>Link connection</h1>
<p>Connection <code>{{.ConnectionID}}</code>{{if .Linked}} is linked to user <strong>{{.UserID}}</strong>.{{else}} is not linked yet.{{end}}</p>
<form method="post" action="/_link">
<input type="hidden" name="connection_id" value="{{.ConnectionID}}">
<label>User ID <input type="number" name="user_id" min="0" required></label>
<button type="submit">Link</button>
</form>
</body>
</html>
`))

type linkView struct {
	ConnectionID string
	Linked       bool
	UserID       int64
}

// handleLinkPage marks a connection pending and shows its link state.
func (h *Handler) handleLinkPage(w http.ResponseWriter, r *http.Request) {
	connID := connectionID(r)
	if err := h.links.SetPending(connID); err != nil {
		writeLinkError(w, err)
		return
	}
	h.writeLinkStatus(w, connID, wantsHTML(r))
}

// handleLink links a connection to a user from a JSON body or a form post.
func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	var (
		connID string
		rawID  string
		isForm bool
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		parse := r.ParseForm
		if mediaType == "multipart/form-data" {
			parse = func() error { return r.ParseMultipartForm(64 << 10) }
		}
		if err := parse(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid form body"})
			return
		}
		isForm = true
		connID = strings.TrimSpace(r.PostForm.Get("connection_id"))
		rawID = strings.TrimSpace(r.PostForm.Get("user_id"))
	default:
		var body struct {
			ConnectionID string          `json:"connection_id"`
			UserID       json.RawMessage `json:"user_id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON body"})
			return
		}
		connID = strings.TrimSpace(body.ConnectionID)
		rawID = strings.Trim(strings.TrimSpace(string(body.UserID)), `"`)
	}
	if connID == "" {
		connID = connectionID(r)
	}

	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "user_id must be an integer"})
		return
	}
	if err := h.links.SetLinked(connID, userID); err != nil {
		writeLinkError(w, err)
		return
	}
	h.logger.Info("connection linked", "connection_id", connID, "user_id", userID)
	h.writeLinkStatus(w, connID, isForm)
}

func (h *Handler) handleWhoami(w http.ResponseWriter, r *http.Request) {
	h.writeLinkStatus(w, connectionID(r), false)
}

func (h *Handler) writeLinkStatus(w http.ResponseWriter, connID string, html bool) {
	status, err := h.links.Status(connID)
	if err != nil {
		writeLinkError(w, err)
		return
	}

	if html {
		view := linkView{ConnectionID: connID, Linked: status.Linked}
		if status.UserID != nil {
			view.UserID = *status.UserID
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := linkPage.Execute(w, view); err != nil {
			h.logger.Warn("failed to render link page", "connection_id", connID, "error", err)
		}
		return
	}

	body := map[string]any{"connection_id": connID, "linked": status.Linked}
	if status.UserID != nil {
		body["user_id"] = *status.UserID
	}
	writeJSON(w, http.StatusOK, body)
}

func writeLinkError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, linking.ErrConnectionIDRequired), errors.Is(err, linking.ErrInvalidUserID):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
