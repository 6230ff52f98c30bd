package tools

import (
	"context"

	"stas-mcp-bridge/internal/gateway"
)

func (s *Service) userSummaryFetch(ctx context.Context, c *call) (any, error) {
	userID, err := s.resolveUser(c)
	if err != nil {
		return nil, err
	}
	summary, err := s.gw.UserSummary(ctx, userID)
	if err != nil {
		return nil, fromGateway(err)
	}
	return summary, nil
}

func (s *Service) lastTrainingFetch(ctx context.Context, c *call) (any, error) {
	oldest, err := c.args.optionalDay("oldest")
	if err != nil {
		return nil, err
	}
	newest, err := c.args.optionalDay("newest")
	if err != nil {
		return nil, err
	}
	w := s.gw.TrainingWindow(gateway.Window{Oldest: oldest, Newest: newest})
	if w.Oldest.After(w.Newest) {
		return nil, invalidParams("oldest must not be after newest")
	}
	userID, err := s.resolveUser(c)
	if err != nil {
		return nil, err
	}

	items, err := s.gw.Trainings(ctx, userID, w)
	if err != nil {
		return nil, fromGateway(err)
	}
	return trainingsResult(items, w), nil
}

// trainingsResult shapes a trainings window. The last training is the one
// with the latest day; among equal days the later entry wins.
func trainingsResult(items []gateway.Record, w gateway.Window) map[string]any {
	var last any
	var lastRec *gateway.Record
	for i := range items {
		rec := &items[i]
		if !rec.HasDate() {
			continue
		}
		if lastRec == nil || !rec.Date.Before(lastRec.Date) {
			lastRec = rec
		}
	}
	if lastRec != nil {
		last = lastRec.Raw
	}
	if items == nil {
		items = []gateway.Record{}
	}
	return map[string]any{
		"items": items,
		"last":  last,
		"count": len(items),
		"range": map[string]any{
			"oldest": w.OldestDay(),
			"newest": w.NewestDay(),
		},
	}
}

func (s *Service) sessionSetUserID(_ context.Context, c *call) (any, error) {
	if _, ok := c.args["user_id"]; !ok {
		return nil, invalidParams("user_id is required")
	}
	userID, err := c.args.userID("user_id")
	if err != nil {
		return nil, err
	}
	if err := c.session.SetUserID(userID); err != nil {
		return nil, invalidParams("%v", err)
	}
	return map[string]any{"ok": true, "user_id": userID}, nil
}

func (s *Service) sessionGetUserID(_ context.Context, c *call) (any, error) {
	var current any
	if id, ok := c.session.UserID(); ok {
		current = id
	}
	return map[string]any{"user_id": current}, nil
}

func (s *Service) sessionClearUserID(_ context.Context, c *call) (any, error) {
	c.session.ClearUserID()
	return map[string]any{"ok": true}, nil
}
