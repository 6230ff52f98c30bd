package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stas-mcp-bridge/internal/gateway"
	"stas-mcp-bridge/internal/session"
)

func userSession(t *testing.T, id int64) *session.Session {
	t.Helper()
	sess := session.New("plan-tests")
	require.NoError(t, sess.SetUserID(id))
	return sess
}

func TestPlanUpdateDryRunNeverWrites(t *testing.T) {
	tests := []struct {
		name string
		args Args
	}{
		{name: "confirm omitted", args: Args{"external_id": "demo", "patch": map[string]any{"title": "x"}}},
		{name: "confirm false", args: Args{"external_id": "demo", "patch": map[string]any{"title": "x"}, "confirm": false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
				respondJSON(w, http.StatusOK, `{"would_change": true, "diff": {"title": ["a","x"]}, "updated": true, "etag": "e"}`)
			})

			got, err := svc.Call(context.Background(), userSession(t, 2), "", "plan.update", tt.args)
			require.NoError(t, err)

			for _, req := range st.all() {
				assert.NotEqual(t, "false", req.Query.Get("dry_run"), "dry-run guard bypassed")
			}
			result := got.(map[string]any)
			assert.Contains(t, result, "would_change")
			assert.Contains(t, result, "diff")
			assert.NotContains(t, result, "updated")
			assert.NotContains(t, result, "etag")
			assert.Equal(t, true, result["would_change"])
			assert.Equal(t, "demo", result["external_id"])
			assert.Equal(t, "plan:demo", result["external_id_normalized"])
		})
	}
}

func TestPlanUpdateConfirmed(t *testing.T) {
	svc, st, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, `{"updated": true, "etag": "etag-2"}`)
	})

	patch := map[string]any{
		"days": []any{
			map[string]any{"date": "2025-01-03"},
			map[string]any{"date": "2025-01-01"},
		},
	}
	got, err := svc.Call(context.Background(), userSession(t, 2), "", "plan.update", Args{
		"external_id": "demo",
		"patch":       patch,
		"confirm":     true,
		"if_match":    " etag-1 ",
	})
	require.NoError(t, err)

	reqs := st.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "false", reqs[0].Query.Get("dry_run"))
	assert.Equal(t, "etag-1", reqs[0].Header.Get("If-Match"))
	assert.Equal(t, "plan:2025-01-01:demo", reqs[0].Body["external_id"])

	assert.Equal(t, map[string]any{
		"external_id":            "demo",
		"external_id_normalized": "plan:2025-01-01:demo",
		"updated":                true,
		"etag":                   "etag-2",
	}, got)
}

func TestPlanUpdateConflict(t *testing.T) {
	for _, key := range []string{"etag_current", "etag", "current_etag"} {
		t.Run(key, func(t *testing.T) {
			svc, st, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
				respondJSON(w, http.StatusConflict, `{"`+key+`": "etag-now"}`)
			})

			_, err := svc.Call(context.Background(), userSession(t, 2), "", "plan.update", Args{
				"external_id": "plan:x",
				"patch":       map[string]any{},
				"confirm":     true,
				"if_match":    "etag-old",
			})
			te := requireToolError(t, err, CodeConflict)
			assert.Equal(t, "etag-now", te.Data["etag_current"])
			assert.Len(t, st.all(), 1, "409 must not be retried")
		})
	}

	t.Run("no etag in payload", func(t *testing.T) {
		svc, _, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusConflict, `conflict`)
		})
		_, err := svc.Call(context.Background(), userSession(t, 2), "", "plan.update", Args{
			"external_id": "plan:x",
			"patch":       map[string]any{},
		})
		te := requireToolError(t, err, CodeConflict)
		assert.Contains(t, te.Data, "etag_current")
		assert.Nil(t, te.Data["etag_current"])
	})
}

func TestPlanStatusTool(t *testing.T) {
	sum := sha256.Sum256([]byte(`{"key":"value"}`))
	etag := hex.EncodeToString(sum[:])

	tests := []struct {
		name   string
		status int
		body   string
		want   map[string]any
	}{
		{
			name:   "published",
			status: http.StatusOK,
			body:   `[{"external_id":"plan:a","payload":{"key":"value"},"updated_at":"2025-01-02T03:04:05Z"}]`,
			want:   map[string]any{"status": "published", "etag": etag, "updated_at": "2025-01-02T03:04:05Z"},
		},
		{
			name:   "upstream etag wins",
			status: http.StatusOK,
			body:   `[{"external_id":"plan:a","etag":"up-7","payload":{"key":"value"}}]`,
			want:   map[string]any{"status": "published", "etag": "up-7"},
		},
		{
			name:   "published without payload",
			status: http.StatusOK,
			body:   `[{"external_id":"plan:a"}]`,
			want:   map[string]any{"status": "published"},
		},
		{
			name:   "missing",
			status: http.StatusOK,
			body:   `[]`,
			want:   map[string]any{"status": "missing"},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"detail":"no such plan"}`,
			want:   map[string]any{"status": "missing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
				respondJSON(w, tt.status, tt.body)
			})

			got, err := svc.Call(context.Background(), userSession(t, 1), "", "plan.status", Args{"external_id": "a"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanListTool(t *testing.T) {
	svc, st, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, `[
			{"external_id":"plan:a","updated_at":"2025-01-01"},
			{"external_id":"plan:b","updated_at":"2025-01-03"},
			{"external_id":"misc"}
		]`)
	})

	got, err := svc.Call(context.Background(), userSession(t, 1), "", "plan.list", Args{
		"limit":     json.Number("1"),
		"date_from": "2025-01-01",
		"date_to":   "2025-01-31",
		"cursor":    nil,
	})
	require.NoError(t, err)

	reqs := st.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "2025-01-01", reqs[0].Query.Get("oldest"))
	assert.Equal(t, "2025-01-31", reqs[0].Query.Get("newest"))

	out := roundTrip(t, got)
	items := out["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "plan:b", items[0].(map[string]any)["external_id"])
	assert.Equal(t, "1", out["next_cursor"])

	got, err = svc.Call(context.Background(), userSession(t, 1), "", "plan.list", Args{"cursor": "1"})
	require.NoError(t, err)
	out = roundTrip(t, got)
	assert.Len(t, out["items"], 1)
	assert.Nil(t, out["next_cursor"])
	assert.Contains(t, out, "next_cursor")
}

func validDraft() map[string]any {
	return map[string]any{
		"external_id": "base-week",
		"athlete_id":  "ath-1",
		"days": []any{
			map[string]any{"date": "2025-02-04", "title": "Tempo", "blocks": []any{}},
			map[string]any{"date": "2025-02-03", "title": "Easy", "blocks": []any{}},
		},
	}
}

func TestPlanPublish(t *testing.T) {
	svc, st, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dry_run") == "true" {
			respondJSON(w, http.StatusOK, `{"would_change": true, "diff": {"days": 2}}`)
			return
		}
		respondJSON(w, http.StatusOK, `{"updated": true, "count": 2, "etag": "e-pub"}`)
	})
	ctx := context.Background()
	sess := userSession(t, 8)

	got, err := svc.Call(ctx, sess, "", "plan.publish", Args{"external_id": "base-week", "draft": validDraft()})
	require.NoError(t, err)
	out := roundTrip(t, got)
	assert.Equal(t, "dry_run", out["status"])
	assert.Equal(t, true, out["would_change"])
	assert.Equal(t, "plan:2025-02-03:base-week", out["external_id_normalized"])
	require.Len(t, st.all(), 1)
	assert.Equal(t, "true", st.all()[0].Query.Get("dry_run"))

	got, err = svc.Call(ctx, sess, "", "plan.publish", Args{"draft": validDraft(), "confirm": true})
	require.NoError(t, err)
	out = roundTrip(t, got)
	assert.Equal(t, "published", out["status"])
	assert.Equal(t, float64(2), out["count"])
	assert.Equal(t, "e-pub", out["etag"])
	assert.Equal(t, true, out["updated"])

	reqs := st.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "false", reqs[1].Query.Get("dry_run"))
	assert.Equal(t, "plan:2025-02-03:base-week", reqs[1].Body["external_id"])
	assert.Contains(t, reqs[1].Body, "draft")
}

func TestPlanPublishRejectsInvalidDraft(t *testing.T) {
	svc, st, _ := newTestService(t, nil)

	draft := validDraft()
	delete(draft, "athlete_id")
	_, err := svc.Call(context.Background(), userSession(t, 8), "", "plan.publish", Args{
		"external_id": "x",
		"draft":       draft,
		"confirm":     true,
	})
	te := requireToolError(t, err, CodeInvalidParams)
	assert.NotEmpty(t, te.Data["issues"])
	assert.Empty(t, st.all())
}

func TestPlanDelete(t *testing.T) {
	t.Run("probe without confirm", func(t *testing.T) {
		svc, st, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, `[{"external_id":"plan:gone"}]`)
		})

		got, err := svc.Call(context.Background(), userSession(t, 1), "", "plan.delete", Args{"external_id": "gone"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"external_id": "plan:gone", "would_delete": true, "status": "published"}, got)
		for _, req := range st.all() {
			assert.Equal(t, http.MethodGet, req.Method)
		}
	})

	t.Run("confirmed", func(t *testing.T) {
		svc, st, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		got, err := svc.Call(context.Background(), userSession(t, 1), "", "plan.delete", Args{"external_id": "gone", "confirm": true})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"external_id": "plan:gone", "deleted": true}, got)
		require.Len(t, st.all(), 1)
		assert.Equal(t, http.MethodDelete, st.all()[0].Method)
	})

	t.Run("confirmed missing", func(t *testing.T) {
		svc, _, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusNotFound, `{}`)
		})

		got, err := svc.Call(context.Background(), userSession(t, 1), "", "plan.delete", Args{"external_id": "gone", "confirm": true})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"external_id": "plan:gone", "deleted": false, "status": "missing"}, got)
	})
}

func TestPlanValidate(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	badDate := validDraft()
	badDate["days"] = []any{map[string]any{"date": "2025-02-30", "title": "X", "blocks": []any{}}}

	missingTitle := validDraft()
	missingTitle["days"] = []any{map[string]any{"date": "2025-02-03", "blocks": []any{}}}

	tests := []struct {
		name      string
		draft     map[string]any
		wantValid bool
		wantPath  string
	}{
		{name: "valid", draft: validDraft(), wantValid: true},
		{name: "impossible date", draft: badDate, wantPath: "days.0.date"},
		{name: "missing title", draft: missingTitle, wantPath: "days.0"},
		{name: "empty", draft: map[string]any{}, wantPath: "(root)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Call(context.Background(), nil, "", "plan.validate", Args{"draft": tt.draft})
			require.NoError(t, err)
			result := got.(map[string]any)
			assert.Equal(t, tt.wantValid, result["valid"])

			issues := result["issues"].([]Issue)
			if tt.wantValid {
				assert.Empty(t, issues)
				return
			}
			var paths []string
			for _, issue := range issues {
				paths = append(paths, issue.Path)
			}
			assert.Contains(t, paths, tt.wantPath)
		})
	}
}

func TestStatusResultShape(t *testing.T) {
	assert.Equal(t, map[string]any{"status": "missing"}, statusResult(gateway.PlanLookup{State: gateway.PlanMissing, ETag: "ignored"}))
}
