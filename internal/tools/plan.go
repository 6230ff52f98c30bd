package tools

import (
	"context"
	"strings"

	"stas-mcp-bridge/internal/gateway"
	"stas-mcp-bridge/internal/planid"
)

// planUpdate patches a plan. Without confirm:true only a dry-run write is
// sent, so upstream state never changes.
func (s *Service) planUpdate(ctx context.Context, c *call) (any, error) {
	rawID, err := c.args.externalID()
	if err != nil {
		return nil, err
	}
	patch, err := c.args.object("patch")
	if err != nil {
		return nil, err
	}
	confirm, err := c.args.confirm()
	if err != nil {
		return nil, err
	}
	ifMatch, err := c.args.ifMatch()
	if err != nil {
		return nil, err
	}
	userID, err := s.resolveUser(c)
	if err != nil {
		return nil, err
	}

	externalID, normalized := planid.Normalize(rawID, planid.DaysFrom(patch))
	log := s.logger.With("tool", "plan.update", "external_id", externalID, "external_id_normalized", normalized)
	log.Info("plan.update request", "confirm", confirm)

	res, err := s.gw.PlanUpdate(ctx, gateway.PlanUpdateRequest{
		UserID:     userID,
		ExternalID: normalized,
		Patch:      patch,
		DryRun:     !confirm,
		IfMatch:    ifMatch,
	})
	if err != nil {
		err = fromGateway(err)
		log.Warn("plan.update failed", "code", CodeOf(err))
		return nil, err
	}

	if confirm {
		log.Info("plan.update applied", "updated", res.Updated)
		return map[string]any{
			"external_id":            externalID,
			"external_id_normalized": normalized,
			"updated":                res.Updated,
			"etag":                   nullable(res.ETag),
		}, nil
	}
	log.Info("plan.update dry-run", "would_change", res.WouldChange)
	return map[string]any{
		"external_id":            externalID,
		"external_id_normalized": normalized,
		"would_change":           res.WouldChange,
		"diff":                   res.Diff,
	}, nil
}

func (s *Service) planStatus(ctx context.Context, c *call) (any, error) {
	externalID, err := c.args.externalID()
	if err != nil {
		return nil, err
	}
	userID, err := s.resolveUser(c)
	if err != nil {
		return nil, err
	}

	lookup, err := s.gw.PlanStatus(ctx, userID, externalID)
	if err != nil {
		return nil, fromGateway(err)
	}
	s.logger.Info("plan.status", "external_id", externalID, "status", lookup.State)
	return statusResult(lookup), nil
}

func statusResult(lookup gateway.PlanLookup) map[string]any {
	result := map[string]any{"status": lookup.State.String()}
	if lookup.State != gateway.PlanPublished {
		return result
	}
	if lookup.ETag != "" {
		result["etag"] = lookup.ETag
	}
	if lookup.UpdatedAt != "" {
		result["updated_at"] = lookup.UpdatedAt
	}
	return result
}

func (s *Service) planList(ctx context.Context, c *call) (any, error) {
	limit, err := c.args.limit()
	if err != nil {
		return nil, err
	}
	athleteID, err := c.args.optionalString("athlete_id")
	if err != nil {
		return nil, err
	}
	dateFrom, err := c.args.optionalDay("date_from")
	if err != nil {
		return nil, err
	}
	dateTo, err := c.args.optionalDay("date_to")
	if err != nil {
		return nil, err
	}
	cursor, err := c.args.optionalString("cursor")
	if err != nil {
		return nil, err
	}
	userID, err := s.resolveUser(c)
	if err != nil {
		return nil, err
	}

	q := gateway.PlanListQuery{
		UserID:    userID,
		AthleteID: athleteID,
		Limit:     limit,
		Cursor:    cursor,
	}
	if !dateFrom.IsZero() {
		q.DateFrom = gateway.Window{Oldest: dateFrom}.OldestDay()
	}
	if !dateTo.IsZero() {
		q.DateTo = gateway.Window{Newest: dateTo}.NewestDay()
	}

	page, err := s.gw.PlanList(ctx, q)
	if err != nil {
		return nil, fromGateway(err)
	}
	if page.Items == nil {
		return nil, &Error{Code: CodeGwBadResponse, Message: "gateway returned invalid list payload"}
	}
	s.logger.Info("plan.list", "count", len(page.Items), "limit", limit)
	return map[string]any{
		"items":       page.Items,
		"next_cursor": page.NextCursor,
	}, nil
}

// planPublish upserts a validated draft. The gateway keys the upsert on the
// normalized external id, so repeating a publish is safe.
func (s *Service) planPublish(ctx context.Context, c *call) (any, error) {
	draft, err := c.args.object("draft")
	if err != nil {
		return nil, err
	}
	rawID, err := c.args.externalID()
	if err != nil {
		fromDraft, ok := draft["external_id"].(string)
		if !ok || strings.TrimSpace(fromDraft) == "" {
			return nil, err
		}
		rawID = strings.TrimSpace(fromDraft)
	}
	confirm, err := c.args.confirm()
	if err != nil {
		return nil, err
	}
	if issues := s.validateDraft(draft); len(issues) > 0 {
		return nil, &Error{
			Code:    CodeInvalidParams,
			Message: "draft failed validation",
			Data:    map[string]any{"issues": issues},
		}
	}
	userID, err := s.resolveUser(c)
	if err != nil {
		return nil, err
	}

	externalID, normalized := planid.Normalize(rawID, planid.DaysFrom(draft))
	log := s.logger.With("tool", "plan.publish", "external_id", externalID, "external_id_normalized", normalized)
	log.Info("plan.publish request", "confirm", confirm)

	res, err := s.gw.PlanPublish(ctx, gateway.PlanPublishRequest{
		UserID:     userID,
		ExternalID: normalized,
		Draft:      draft,
		DryRun:     !confirm,
	})
	if err != nil {
		err = fromGateway(err)
		log.Warn("plan.publish failed", "code", CodeOf(err))
		return nil, err
	}

	if !confirm {
		return map[string]any{
			"status":                 "dry_run",
			"external_id":            externalID,
			"external_id_normalized": normalized,
			"would_change":           res.WouldChange,
			"diff":                   res.Diff,
		}, nil
	}
	log.Info("plan.publish applied", "updated", res.Updated)
	return map[string]any{
		"status":                 "published",
		"external_id":            externalID,
		"external_id_normalized": normalized,
		"updated":                res.Updated,
		"count":                  res.Count,
		"etag":                   nullable(res.ETag),
	}, nil
}

// planDelete removes a plan. Without confirm:true it only reports whether a
// plan would be deleted.
func (s *Service) planDelete(ctx context.Context, c *call) (any, error) {
	rawID, err := c.args.externalID()
	if err != nil {
		return nil, err
	}
	confirm, err := c.args.confirm()
	if err != nil {
		return nil, err
	}
	userID, err := s.resolveUser(c)
	if err != nil {
		return nil, err
	}
	externalID := planid.EnsurePrefix(rawID)

	if !confirm {
		lookup, err := s.gw.PlanStatus(ctx, userID, externalID)
		if err != nil {
			return nil, fromGateway(err)
		}
		return map[string]any{
			"external_id":  externalID,
			"would_delete": lookup.State == gateway.PlanPublished,
			"status":       lookup.State.String(),
		}, nil
	}

	res, err := s.gw.PlanDelete(ctx, userID, externalID)
	if err != nil {
		return nil, fromGateway(err)
	}
	s.logger.Info("plan.delete", "external_id", externalID, "deleted", res.Deleted, "missing", res.Missing)
	if res.Missing {
		return map[string]any{"external_id": externalID, "deleted": false, "status": "missing"}, nil
	}
	return map[string]any{"external_id": externalID, "deleted": res.Deleted}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
