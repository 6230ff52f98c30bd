// Package planid normalizes caller-chosen plan identifiers into the
// canonical "plan:" form used by the gateway.
package planid

import (
	"regexp"
	"strings"
	"time"
)

const (
	// Prefix marks every canonical plan external id.
	Prefix = "plan:"
	// Auto is the slug used when the caller gives none.
	Auto = "auto"

	dateLayout = "2006-01-02"
)

var datedID = regexp.MustCompile(`^plan:(\d{4}-\d{2}-\d{2})(?::.*)?$`)

// Normalize returns the raw id (trimmed, defaulting to "plan:auto") and the
// normalized id. When days carries at least one parsable date the normalized
// id becomes plan:<earliest-date>:<slug>.
func Normalize(raw string, days []map[string]any) (string, string) {
	rawValue := strings.TrimSpace(raw)
	if rawValue == "" {
		rawValue = Prefix + Auto
	}

	slug := strings.TrimPrefix(rawValue, Prefix)
	slug = strings.TrimLeft(slug, ":")
	if slug == "" {
		slug = Auto
	}

	if minDay, ok := MinDay(days); ok {
		remainder := slug
		if _, after, found := strings.Cut(slug, ":"); found {
			remainder = after
		}
		if remainder == "" {
			remainder = Auto
		}
		return rawValue, Prefix + minDay + ":" + remainder
	}

	if strings.HasPrefix(rawValue, Prefix) {
		return rawValue, rawValue
	}
	return rawValue, Prefix + slug
}

// MinDay returns the earliest YYYY-MM-DD found in the "date" field of days.
// Entries without a parsable date are skipped.
func MinDay(days []map[string]any) (string, bool) {
	var lowest time.Time
	found := false
	for _, day := range days {
		value, ok := day["date"].(string)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) < len(dateLayout) {
			continue
		}
		parsed, err := time.Parse(dateLayout, value[:len(dateLayout)])
		if err != nil {
			continue
		}
		if !found || parsed.Before(lowest) {
			lowest = parsed
			found = true
		}
	}
	if !found {
		return "", false
	}
	return lowest.Format(dateLayout), true
}

// DaysFrom extracts the day list from a patch or draft object. Entries that
// are not objects are dropped.
func DaysFrom(doc map[string]any) []map[string]any {
	list, ok := doc["days"].([]any)
	if !ok {
		return nil
	}
	days := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if day, ok := item.(map[string]any); ok {
			days = append(days, day)
		}
	}
	return days
}

// EnsurePrefix applies the plain prefix rule used on the gateway boundary.
func EnsurePrefix(id string) string {
	if strings.HasPrefix(id, Prefix) {
		return id
	}
	if id == "" {
		return Prefix + Auto
	}
	return Prefix + id
}

// DayFromID returns the date embedded in a plan:YYYY-MM-DD[:slug] id.
func DayFromID(id string) (time.Time, bool) {
	m := datedID.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, false
	}
	day, err := time.Parse(dateLayout, m[1])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
