package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// DefaultTrainingDays is the look-back applied when a trainings window has no oldest day.
const DefaultTrainingDays = 14

// DefaultCategory is the event category queried for plans.
const DefaultCategory = "WORKOUT"

// Window is an inclusive range of calendar days. Zero fields take defaults.
type Window struct {
	Oldest time.Time
	Newest time.Time
}

// OldestDay formats the lower bound as YYYY-MM-DD.
func (w Window) OldestDay() string { return w.Oldest.Format(dateLayout) }

// NewestDay formats the upper bound as YYYY-MM-DD.
func (w Window) NewestDay() string { return w.Newest.Format(dateLayout) }

// UserSummary fetches the aggregate summary of a user.
func (c *Client) UserSummary(ctx context.Context, userID int64) (map[string]any, error) {
	data, err := c.requestJSON(ctx, call{
		method: http.MethodGet,
		path:   PathUserSummary,
		userID: userID,
	})
	if err != nil {
		return nil, err
	}
	summary, ok := data.(map[string]any)
	if !ok {
		return nil, badShape("user summary must be an object")
	}
	return summary, nil
}

// TrainingWindow fills the defaults of w: newest is today and oldest is
// DefaultTrainingDays before newest.
func (c *Client) TrainingWindow(w Window) Window {
	if w.Newest.IsZero() {
		w.Newest = c.today()
	}
	if w.Oldest.IsZero() {
		w.Oldest = w.Newest.AddDate(0, 0, -DefaultTrainingDays)
	}
	return w
}

// Trainings lists the trainings of a user inside the window. Entries dated
// after the newest day are dropped even when the gateway returns them.
func (c *Client) Trainings(ctx context.Context, userID int64, w Window) ([]Record, error) {
	w = c.TrainingWindow(w)
	data, err := c.requestJSON(ctx, call{
		method: http.MethodGet,
		path:   PathTrainings,
		userID: userID,
		query: url.Values{
			"oldest": {w.OldestDay()},
			"newest": {w.NewestDay()},
		},
	})
	if err != nil {
		return nil, err
	}
	records, err := parseRecords(data, "trainings")
	if err != nil {
		return nil, err
	}

	kept := records[:0]
	for _, rec := range records {
		if rec.HasDate() && rec.Date.After(w.Newest) {
			continue
		}
		kept = append(kept, rec)
	}
	return kept, nil
}

// PlanWeek lists the calendar events of a user between two days.
func (c *Client) PlanWeek(ctx context.Context, userID int64, w Window, category string) ([]Record, error) {
	if category == "" {
		category = DefaultCategory
	}
	return c.events(ctx, userID, url.Values{
		"oldest":   {w.OldestDay()},
		"newest":   {w.NewestDay()},
		"category": {category},
	})
}

func (c *Client) events(ctx context.Context, userID int64, query url.Values) ([]Record, error) {
	data, err := c.requestJSON(ctx, call{
		method: http.MethodGet,
		path:   PathEvents,
		userID: userID,
		query:  query,
	})
	if err != nil {
		return nil, err
	}
	return parseRecords(data, "plan events")
}
