package tools

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Args are the decoded arguments of one tool call. Numbers are expected as
// json.Number but plain Go numbers are accepted too.
type Args map[string]any

// has reports whether key is present with a non-null value.
func (a Args) has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

func (a Args) externalID() (string, error) {
	s, ok := a["external_id"].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", invalidParams("external_id must be a non-empty string")
	}
	return strings.TrimSpace(s), nil
}

func (a Args) object(key string) (map[string]any, error) {
	obj, ok := a[key].(map[string]any)
	if !ok {
		return nil, invalidParams("%s must be an object", key)
	}
	return obj, nil
}

// confirm defaults to false; only real booleans are accepted.
func (a Args) confirm() (bool, error) {
	v, ok := a["confirm"]
	if !ok {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalidParams("confirm must be a boolean")
	}
	return b, nil
}

func (a Args) ifMatch() (string, error) {
	v, ok := a["if_match"]
	if !ok || v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), nil
	}
	return "", invalidParams("if_match must be a string or null")
}

// optionalString accepts a missing key, null or a string.
func (a Args) optionalString(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidParams("%s must be a string or null", key)
	}
	return s, nil
}

// optionalDay accepts a missing key, null, "" or a YYYY-MM-DD string.
func (a Args) optionalDay(key string) (time.Time, error) {
	s, err := a.optionalString(key)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	day, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, invalidParams("%s must be a date in YYYY-MM-DD format", key)
	}
	return day, nil
}

func (a Args) limit() (int, error) {
	v, ok := a["limit"]
	if !ok || v == nil {
		return DefaultLimit, nil
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, invalidParams("limit must be an integer")
	}
	if n <= 0 {
		return 0, invalidParams("limit must be positive")
	}
	return int(min(n, MaxLimit)), nil
}

func (a Args) userID(key string) (int64, error) {
	return coerceUserID(key, a[key])
}

func coerceUserID(key string, v any) (int64, error) {
	n, ok := toInt64(v)
	if !ok {
		return 0, invalidParams("%s must be an integer", key)
	}
	if n < 0 {
		return 0, invalidParams("%s must be non-negative", key)
	}
	return n, nil
}

// toInt64 converts integral numbers and decimal strings. Booleans and
// fractional values are rejected.
func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case bool:
		return 0, false
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case float64:
		return floatToInt64(t)
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
