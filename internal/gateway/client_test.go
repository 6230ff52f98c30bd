package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stas-mcp-bridge/internal/config"
	"stas-mcp-bridge/internal/metrics"
)

var testToday = time.Date(2024, 5, 10, 15, 4, 5, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().Gateway
	cfg.BaseURL = srv.URL + "/gw/"
	base := []Option{
		WithPolicy(Policy{Attempts: 3}),
		WithClock(func() time.Time { return testToday }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRateLimiter(nil),
	}
	c, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return c, &calls
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(config.Gateway{BaseURL: "  "})
	assert.Error(t, err)
}

func TestClientSendsAuthAndUserID(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/gw"+PathUserSummary, r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("user_id"))
		assert.Equal(t, "Bearer t_eyJ1aWQiOjQyfQ", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		writeJSON(w, http.StatusOK, `{"ok":true,"ctl":42.5}`)
	})

	summary, err := c.UserSummary(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, true, summary["ok"])
	assert.Equal(t, json.Number("42.5"), summary["ctl"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientRetriesServerErrors(t *testing.T) {
	m := metrics.New()
	var n atomic.Int32
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, `{"error":"busy"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"ok":true}`)
	}, WithMetrics(m))

	summary, err := c.UserSummary(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, true, summary["ok"])
	assert.Equal(t, int32(3), calls.Load())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var retries float64
	for _, f := range families {
		if f.GetName() == "stas_bridge_gateway_retries_total" {
			for _, metric := range f.GetMetric() {
				retries += metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), retries)
}

func TestClientUnavailableAfterBudget(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `{}`)
	}, WithPolicy(Policy{Attempts: 2}))

	_, err := c.UserSummary(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(config.Gateway{BaseURL: base, RequestTimeout: time.Second},
		WithPolicy(Policy{Attempts: 2}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	_, err = c.UserSummary(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantPayload any
	}{
		{
			name:        "json payload",
			status:      http.StatusUnprocessableEntity,
			body:        `{"detail":"bad window"}`,
			wantPayload: map[string]any{"detail": "bad window"},
		},
		{
			name:        "text payload",
			status:      http.StatusForbidden,
			body:        "forbidden",
			wantPayload: "forbidden",
		},
		{
			name:   "empty payload",
			status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.UserSummary(context.Background(), 1)
			var bad *BadResponseError
			require.ErrorAs(t, err, &bad)
			assert.False(t, errors.Is(err, ErrUnavailable))
			assert.Equal(t, tt.status, bad.StatusCode)
			assert.Equal(t, tt.wantPayload, bad.Payload)
			assert.Equal(t, int32(1), calls.Load())

			status, ok := StatusOf(err)
			assert.True(t, ok)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestClientMalformedJSON(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"ok":`)
	})

	_, err := c.UserSummary(context.Background(), 1)
	var bad *BadResponseError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, "invalid JSON from gateway", bad.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUserSummaryRejectsNonObject(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[1,2]`)
	})

	_, err := c.UserSummary(context.Background(), 1)
	var bad *BadResponseError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, "user summary must be an object", bad.Message)
}

func TestClientHonoursContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{}`)
	}, WithPolicy(Policy{Attempts: 3, Schedule: []time.Duration{time.Hour}}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.UserSummary(ctx, 1)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrainingsDefaultWindowAndFutureFilter(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gw"+PathTrainings, r.URL.Path)
		assert.Equal(t, "2024-04-26", r.URL.Query().Get("oldest"))
		assert.Equal(t, "2024-05-10", r.URL.Query().Get("newest"))
		writeJSON(w, http.StatusOK, `[
			{"id":1,"date":"2024-05-09"},
			{"id":2,"start_date":"2024-05-11T06:00:00Z"},
			{"id":3,"name":"undated"},
			{"id":4,"start_at":"2024-05-10T23:59:00Z"}
		]`)
	})

	records, err := c.Trainings(context.Background(), 7, Window{})
	require.NoError(t, err)

	var ids []string
	for _, rec := range records {
		ids = append(ids, rec.Raw["id"].(json.Number).String())
	}
	assert.Equal(t, []string{"1", "3", "4"}, ids)
}

func TestTrainingsExplicitWindow(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("oldest"))
		assert.Equal(t, "2024-01-31", r.URL.Query().Get("newest"))
		writeJSON(w, http.StatusOK, `{"items":[]}`)
	})

	_, err := c.Trainings(context.Background(), 7, Window{Oldest: day("2024-01-01"), Newest: day("2024-01-31")})
	var bad *BadResponseError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, "trainings must be a list", bad.Message)
}

func TestPlanWeek(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2024-05-06", q.Get("oldest"))
		assert.Equal(t, "2024-05-12", q.Get("newest"))
		assert.Equal(t, DefaultCategory, q.Get("category"))
		writeJSON(w, http.StatusOK, `[{"external_id":"plan:a"}]`)
	})

	records, err := c.PlanWeek(context.Background(), 5, Window{Oldest: day("2024-05-06"), Newest: day("2024-05-12")}, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "plan:a", records[0].ExternalID)
}

func TestPlanUpdateRequest(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gw"+PathEvents, r.URL.Path)
		assert.Equal(t, "plan:", r.URL.Query().Get("external_id_prefix"))
		assert.Equal(t, "true", r.URL.Query().Get("dry_run"))
		assert.Equal(t, "etag-1", r.Header.Get("If-Match"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"external_id":"plan:week-1","patch":{"title":"x"}}`, string(body))
		writeJSON(w, http.StatusOK, `{"would_change":true}`)
	})

	res, err := c.PlanUpdate(context.Background(), PlanUpdateRequest{
		UserID:     3,
		ExternalID: "week-1",
		Patch:      map[string]any{"title": "x"},
		DryRun:     true,
		IfMatch:    "etag-1",
	})
	require.NoError(t, err)
	assert.True(t, res.WouldChange)
	assert.Equal(t, map[string]any{}, res.Diff)
	assert.Empty(t, res.ETag)
}

func TestPlanUpdateWithoutIfMatch(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["If-Match"]
		assert.False(t, present)
		assert.Equal(t, "false", r.URL.Query().Get("dry_run"))
		writeJSON(w, http.StatusOK, `{"updated":true,"etag":"e2","diff":null}`)
	})

	res, err := c.PlanUpdate(context.Background(), PlanUpdateRequest{UserID: 3, ExternalID: "plan:x"})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "e2", res.ETag)
	assert.Nil(t, res.Diff)
}

func TestPlanPublish(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"external_id":"plan:2024-05-13:base","draft":{"days":[]}}`, string(body))
		writeJSON(w, http.StatusOK, `{"updated":true,"count":3,"etag":"e9"}`)
	})

	res, err := c.PlanPublish(context.Background(), PlanPublishRequest{
		UserID:     3,
		ExternalID: "plan:2024-05-13:base",
		Draft:      map[string]any{"days": []any{}},
	})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, json.Number("3"), res.Count)
	assert.Equal(t, "e9", res.ETag)
}

func TestPlanDelete(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   DeleteResult
	}{
		{name: "no content", status: http.StatusNoContent, want: DeleteResult{Deleted: true}},
		{name: "explicit flag", status: http.StatusOK, body: `{"deleted":false}`, want: DeleteResult{}},
		{name: "missing", status: http.StatusNotFound, body: `{"detail":"not found"}`, want: DeleteResult{Missing: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "plan:x", r.URL.Query().Get("external_id"))
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			res, err := c.PlanDelete(context.Background(), 1, "x")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestPlanStatusExactMatch(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "plan:abc", q.Get("external_id"))
		assert.Equal(t, DefaultCategory, q.Get("category"))
		writeJSON(w, http.StatusOK, `[{"external_id":"plan:abc","payload":{"key":"value"},"updated_at":"2024-05-01T10:00:00Z"}]`)
	})

	lookup, err := c.PlanStatus(context.Background(), 1, "abc")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(`{"key":"value"}`))
	assert.Equal(t, PlanPublished, lookup.State)
	assert.Equal(t, hex.EncodeToString(sum[:]), lookup.ETag)
	assert.Equal(t, "2024-05-01T10:00:00Z", lookup.UpdatedAt)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPlanStatusUpstreamETag(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"external_id":"plan:abc","etag":"W/\"up-1\"","updated_at":"2024-05-01"}]`)
	})

	lookup, err := c.PlanStatus(context.Background(), 1, "plan:abc")
	require.NoError(t, err)
	assert.Equal(t, PlanPublished, lookup.State)
	assert.Equal(t, `W/"up-1"`, lookup.ETag)

	page, err := c.PlanList(context.Background(), PlanListQuery{UserID: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, `W/"up-1"`, page.Items[0].ETag)
}

func TestPlanStatusMissing(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "not found", status: http.StatusNotFound, body: `{}`},
		{name: "empty list", status: http.StatusOK, body: `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			lookup, err := c.PlanStatus(context.Background(), 1, "plan:abc")
			require.NoError(t, err)
			assert.Equal(t, PlanMissing, lookup.State)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestPlanStatusFallsBackToEmbeddedDay(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Has("external_id") {
			writeJSON(w, http.StatusBadRequest, `{"detail":"unsupported filter"}`)
			return
		}
		assert.Equal(t, "2024-06-03", q.Get("oldest"))
		assert.Equal(t, "2024-06-03", q.Get("newest"))
		writeJSON(w, http.StatusOK, `[{"external_id":"plan:2024-06-03:base","modified_at":"2024-05-30"}]`)
	})

	lookup, err := c.PlanStatus(context.Background(), 1, "plan:2024-06-03:base")
	require.NoError(t, err)
	assert.Equal(t, PlanPublished, lookup.State)
	assert.Equal(t, "2024-05-30", lookup.UpdatedAt)
	assert.Empty(t, lookup.ETag)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPlanStatusFallsBackWhenFilterIgnored(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Has("external_id") {
			writeJSON(w, http.StatusOK, `[{"external_id":"plan:other"}]`)
			return
		}
		assert.Equal(t, "2024-02-10", q.Get("oldest"))
		assert.Equal(t, "2024-05-17", q.Get("newest"))
		writeJSON(w, http.StatusOK, `[{"external_id":"plan:other"}]`)
	})

	lookup, err := c.PlanStatus(context.Background(), 1, "plan:abc")
	require.NoError(t, err)
	assert.Equal(t, PlanMissing, lookup.State)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPlanStatusPropagatesUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{}`)
	}, WithPolicy(Policy{Attempts: 1}))

	_, err := c.PlanStatus(context.Background(), 1, "plan:abc")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPlanList(t *testing.T) {
	events := `[
		{"external_id":"plan:a","updated_at":"2024-05-01","athlete_id":"9","payload":{"k":1}},
		{"external_id":"other:b","updated_at":"2024-05-09"},
		{"external_id":"plan:c","updated_at":"2024-05-05","athlete_id":"9","status":"draft"},
		{"external_id":"plan:d","athlete_id":"8"},
		{"external_id":"plan:e","modified_at":"2024-05-05","athlete_id":"9"},
		{"external_id":42}
	]`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2024-02-10", q.Get("oldest"))
		assert.Equal(t, "2024-05-17", q.Get("newest"))
		writeJSON(w, http.StatusOK, events)
	})

	page, err := c.PlanList(context.Background(), PlanListQuery{UserID: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "plan:c", page.Items[0].ExternalID)
	assert.Equal(t, "draft", page.Items[0].Status)
	assert.Equal(t, "plan:e", page.Items[1].ExternalID)
	assert.Equal(t, "published", page.Items[1].Status)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "2", *page.NextCursor)

	page, err = c.PlanList(context.Background(), PlanListQuery{UserID: 1, Limit: 2, Cursor: *page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "plan:a", page.Items[0].ExternalID)
	assert.NotEmpty(t, page.Items[0].ETag)
	assert.Equal(t, "plan:d", page.Items[1].ExternalID)
	assert.Empty(t, page.Items[1].UpdatedAt)
	assert.Nil(t, page.NextCursor)
}

func TestPlanListFiltersAndWindow(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2024-01-01", q.Get("oldest"))
		assert.Equal(t, "2024-01-31", q.Get("newest"))
		writeJSON(w, http.StatusOK, `[
			{"external_id":"plan:a","athlete_id":9},
			{"external_id":"plan:b","athlete_id":"8"}
		]`)
	})

	page, err := c.PlanList(context.Background(), PlanListQuery{
		UserID:    1,
		AthleteID: "9",
		DateFrom:  "2024-01-01",
		DateTo:    "2024-01-31",
		Limit:     50,
		Cursor:    "garbage",
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "plan:a", page.Items[0].ExternalID)
	assert.Nil(t, page.NextCursor)

	raw, err := json.Marshal(page)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[{"external_id":"plan:a","status":"published","athlete_id":9}],"next_cursor":null}`, string(raw))
}
