package gateway

import (
	"cmp"
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"stas-mcp-bridge/internal/planid"
)

// Default plan lookup window relative to today.
const (
	PlanLookbackDays  = 90
	PlanLookaheadDays = 7
)

// PlanUpdateRequest patches one plan event.
type PlanUpdateRequest struct {
	UserID     int64
	ExternalID string
	Patch      map[string]any
	DryRun     bool
	// IfMatch is sent as the If-Match header when non-empty.
	IfMatch string
}

// UpdateResult is the gateway answer to a plan write.
type UpdateResult struct {
	WouldChange bool
	// Diff defaults to an empty object when the gateway omits it.
	Diff    any
	Updated bool
	// ETag is empty when the gateway returned none.
	ETag string
	Raw  map[string]any
}

// PlanPublishRequest upserts a full plan draft.
type PlanPublishRequest struct {
	UserID     int64
	ExternalID string
	Draft      map[string]any
	DryRun     bool
}

// PublishResult is the gateway answer to a publish.
type PublishResult struct {
	UpdateResult
	// Count is the number of events written, nil when not reported.
	Count any
}

// DeleteResult reports a plan removal.
type DeleteResult struct {
	Deleted bool
	// Missing is set when the gateway had no such plan.
	Missing bool
}

// PlanState tags a PlanLookup.
type PlanState int

const (
	PlanMissing PlanState = iota
	PlanPublished
)

func (s PlanState) String() string {
	if s == PlanPublished {
		return "published"
	}
	return "missing"
}

// PlanLookup is the outcome of a status check. ETag and UpdatedAt are only
// meaningful for PlanPublished and may still be empty.
type PlanLookup struct {
	State     PlanState
	ETag      string
	UpdatedAt string
}

// PlanListQuery selects a page of plans.
type PlanListQuery struct {
	UserID    int64
	AthleteID string
	// DateFrom and DateTo are YYYY-MM-DD; empty takes the default window.
	DateFrom string
	DateTo   string
	Limit    int
	Cursor   string
}

// PlanSummary is one entry of a plan listing.
type PlanSummary struct {
	ExternalID string `json:"external_id"`
	Status     any    `json:"status"`
	AthleteID  any    `json:"athlete_id,omitempty"`
	ETag       string `json:"etag,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// PlanPage is one page of plans, newest update first.
type PlanPage struct {
	Items []PlanSummary `json:"items"`
	// NextCursor is nil on the last page.
	NextCursor *string `json:"next_cursor"`
}

// PlanUpdate applies a patch to a plan, or previews it when DryRun is set.
func (c *Client) PlanUpdate(ctx context.Context, req PlanUpdateRequest) (UpdateResult, error) {
	var header http.Header
	if req.IfMatch != "" {
		header = http.Header{"If-Match": {req.IfMatch}}
	}
	data, err := c.requestJSON(ctx, call{
		method: http.MethodPost,
		path:   PathEvents,
		userID: req.UserID,
		query:  writeQuery(req.DryRun),
		body: map[string]any{
			"external_id": planid.EnsurePrefix(req.ExternalID),
			"patch":       orEmpty(req.Patch),
		},
		header: header,
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return parseUpdateResult(data, "plan update")
}

// PlanPublish upserts a full draft keyed by its external id.
func (c *Client) PlanPublish(ctx context.Context, req PlanPublishRequest) (PublishResult, error) {
	data, err := c.requestJSON(ctx, call{
		method: http.MethodPost,
		path:   PathEvents,
		userID: req.UserID,
		query:  writeQuery(req.DryRun),
		body: map[string]any{
			"external_id": planid.EnsurePrefix(req.ExternalID),
			"draft":       orEmpty(req.Draft),
		},
	})
	if err != nil {
		return PublishResult{}, err
	}
	res, err := parseUpdateResult(data, "plan publish")
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{UpdateResult: res, Count: res.Raw["count"]}, nil
}

// PlanDelete removes a plan. A 404 is reported as Missing, not as an error.
func (c *Client) PlanDelete(ctx context.Context, userID int64, externalID string) (DeleteResult, error) {
	data, err := c.requestJSON(ctx, call{
		method: http.MethodDelete,
		path:   PathEvents,
		userID: userID,
		query: url.Values{
			"category":    {DefaultCategory},
			"external_id": {planid.EnsurePrefix(externalID)},
		},
	})
	if err != nil {
		if status, ok := StatusOf(err); ok && status == http.StatusNotFound {
			return DeleteResult{Missing: true}, nil
		}
		return DeleteResult{}, err
	}
	if obj, ok := data.(map[string]any); ok {
		if v, ok := obj["deleted"]; ok {
			return DeleteResult{Deleted: truthy(v)}, nil
		}
	}
	return DeleteResult{Deleted: true}, nil
}

// PlanStatus looks a plan up by exact external id. When the gateway rejects
// or ignores the id filter the lookup falls back to a date window search.
func (c *Client) PlanStatus(ctx context.Context, userID int64, externalID string) (PlanLookup, error) {
	id := planid.EnsurePrefix(externalID)

	records, err := c.events(ctx, userID, url.Values{
		"category":    {DefaultCategory},
		"external_id": {id},
	})
	switch status, hasStatus := StatusOf(err); {
	case err == nil:
		if lookup, ok := findPlan(records, id); ok {
			return lookup, nil
		}
		if len(records) == 0 {
			return PlanLookup{State: PlanMissing}, nil
		}
	case hasStatus && status == http.StatusNotFound:
		return PlanLookup{State: PlanMissing}, nil
	case hasStatus && status < http.StatusInternalServerError:
		// filter rejected, search the window instead
	default:
		return PlanLookup{}, err
	}

	c.logger.Debug("plan status falling back to window search", "external_id", id)
	records, err = c.PlanWeek(ctx, userID, c.statusWindow(id), DefaultCategory)
	if err != nil {
		if status, ok := StatusOf(err); ok && status == http.StatusNotFound {
			return PlanLookup{State: PlanMissing}, nil
		}
		return PlanLookup{}, err
	}
	if lookup, ok := findPlan(records, id); ok {
		return lookup, nil
	}
	return PlanLookup{State: PlanMissing}, nil
}

// PlanList pages through the plan events of a window.
func (c *Client) PlanList(ctx context.Context, q PlanListQuery) (PlanPage, error) {
	window := c.planWindow()
	query := url.Values{
		"oldest":   {cmp.Or(q.DateFrom, window.OldestDay())},
		"newest":   {cmp.Or(q.DateTo, window.NewestDay())},
		"category": {DefaultCategory},
	}
	records, err := c.events(ctx, q.UserID, query)
	if err != nil {
		return PlanPage{}, err
	}

	var plans []Record
	for _, rec := range records {
		id, ok := rec.Raw["external_id"].(string)
		if !ok || !strings.HasPrefix(id, planid.Prefix) {
			continue
		}
		if q.AthleteID != "" && rec.AthleteID != q.AthleteID {
			continue
		}
		plans = append(plans, rec)
	}
	slices.SortStableFunc(plans, func(a, b Record) int {
		return strings.Compare(b.UpdatedAt, a.UpdatedAt)
	})

	start := decodeCursor(q.Cursor)
	end := start + max(0, q.Limit)
	page := PlanPage{Items: []PlanSummary{}}
	for i := start; i < end && i < len(plans); i++ {
		page.Items = append(page.Items, summarizePlan(plans[i]))
	}
	if end < len(plans) {
		next := strconv.Itoa(end)
		page.NextCursor = &next
	}
	return page, nil
}

// planWindow is the default listing range: today-90d to today+7d.
func (c *Client) planWindow() Window {
	today := c.today()
	return Window{
		Oldest: today.AddDate(0, 0, -PlanLookbackDays),
		Newest: today.AddDate(0, 0, PlanLookaheadDays),
	}
}

// statusWindow narrows the search to the day embedded in the id, if any.
func (c *Client) statusWindow(id string) Window {
	if day, ok := planid.DayFromID(id); ok {
		return Window{Oldest: day, Newest: day}
	}
	return c.planWindow()
}

func findPlan(records []Record, id string) (PlanLookup, bool) {
	for _, rec := range records {
		if scalarString(rec.Raw["external_id"]) != id {
			continue
		}
		return PlanLookup{
			State:     PlanPublished,
			ETag:      rec.ETag,
			UpdatedAt: rec.UpdatedAt,
		}, true
	}
	return PlanLookup{}, false
}

func summarizePlan(rec Record) PlanSummary {
	status, ok := rec.Raw["status"]
	if !ok {
		status = "published"
	}
	return PlanSummary{
		ExternalID: rec.ExternalID,
		Status:     status,
		AthleteID:  rec.Raw["athlete_id"],
		ETag:       rec.ETag,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func parseUpdateResult(data any, name string) (UpdateResult, error) {
	obj, ok := data.(map[string]any)
	if !ok {
		return UpdateResult{}, badShape("%s response must be an object", name)
	}
	diff, ok := obj["diff"]
	if !ok {
		diff = map[string]any{}
	}
	etag, _ := obj["etag"].(string)
	return UpdateResult{
		WouldChange: truthy(obj["would_change"]),
		Diff:        diff,
		Updated:     truthy(obj["updated"]),
		ETag:        etag,
		Raw:         obj,
	}, nil
}

func writeQuery(dryRun bool) url.Values {
	return url.Values{
		"external_id_prefix": {planid.Prefix},
		"dry_run":            {strconv.FormatBool(dryRun)},
	}
}

func decodeCursor(cursor string) int {
	n, err := strconv.Atoi(strings.TrimSpace(cursor))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
