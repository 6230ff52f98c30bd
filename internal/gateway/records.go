package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

const dateLayout = "2006-01-02"

// Ordered fallback tables. The first present, non-empty field wins.
var (
	// dateFields locate the calendar day of a training or event.
	dateFields = []string{"date", "start_date", "start_at", "start_date_local"}
	// updatedAtFields locate the last-modified timestamp of an event.
	updatedAtFields = []string{"updated_at", "modified_at", "created_at", "start_date_local"}
	// conflictETagFields locate the current etag in a 409 error body.
	conflictETagFields = []string{"etag_current", "etag", "current_etag"}
)

// Record is a gateway list entry after validation. The raw object is kept
// untouched for pass-through; the extracted fields drive filtering and sorting.
type Record struct {
	Raw map[string]any

	// Date is the zero time when no candidate field held a parsable day.
	Date       time.Time
	ExternalID string
	UpdatedAt  string
	// ETag is the upstream etag, or the payload fingerprint when upstream gave none.
	ETag      string
	AthleteID string
}

// HasDate reports whether a day was extracted.
func (r Record) HasDate() bool { return !r.Date.IsZero() }

// MarshalJSON emits the raw upstream object.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Raw)
}

func parseRecord(raw map[string]any) Record {
	rec := Record{Raw: raw}
	if day, ok := ExtractDate(raw); ok {
		rec.Date = day
	}
	if id, ok := raw["external_id"].(string); ok {
		rec.ExternalID = id
	}
	rec.UpdatedAt = firstString(raw, updatedAtFields)
	if etag, ok := raw["etag"].(string); ok && etag != "" {
		rec.ETag = etag
	} else {
		rec.ETag = PayloadETag(raw)
	}
	if v, ok := raw["athlete_id"]; ok && v != nil {
		rec.AthleteID = scalarString(v)
	}
	return rec
}

// parseRecords enforces the list-of-objects shape of multi-item endpoints.
func parseRecords(data any, name string) ([]Record, error) {
	list, ok := data.([]any)
	if !ok {
		return nil, badShape("%s must be a list", name)
	}
	records := make([]Record, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, badShape("%s entries must be objects", name)
		}
		records = append(records, parseRecord(obj))
	}
	return records, nil
}

// ExtractDate returns the day of a training or event from the first present
// candidate field. Both YYYY-MM-DD and full RFC 3339 values are accepted;
// anything else counts as absent.
func ExtractDate(obj map[string]any) (time.Time, bool) {
	for _, field := range dateFields {
		value, ok := obj[field]
		if !ok || value == nil {
			continue
		}
		s, ok := value.(string)
		if !ok {
			return time.Time{}, false
		}
		if s == "" {
			continue
		}
		return ParseDay(s)
	}
	return time.Time{}, false
}

// ParseDay parses a bare date or the date part of a timestamp.
func ParseDay(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) >= len(dateLayout) {
		if day, err := time.Parse(dateLayout, s[:len(dateLayout)]); err == nil {
			return day, true
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		y, m, d := ts.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// PayloadETag fingerprints an event's payload field: sha256 hex of its
// key-sorted compact JSON form. Events without an object or list payload
// have no fingerprint.
func PayloadETag(event map[string]any) string {
	payload := event["payload"]
	switch payload.(type) {
	case map[string]any, []any:
	default:
		return ""
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON is the gateway's fingerprint form: compact, keys sorted,
// no HTML escaping, and every non-ASCII rune written as a \uXXXX escape.
// encoding/json already sorts map keys.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// escapeNonASCII rewrites runes above 0x7F as \uXXXX, using a surrogate pair
// outside the BMP. Non-ASCII bytes only occur inside JSON strings, so the
// result is the same document.
func escapeNonASCII(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		switch {
		case r < utf8.RuneSelf:
			out = append(out, data[0])
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			out = fmt.Appendf(out, `\u%04x\u%04x`, hi, lo)
		default:
			out = fmt.Appendf(out, `\u%04x`, r)
		}
		data = data[size:]
	}
	return out
}

// ConflictETag returns the current etag from a 409 error payload.
func ConflictETag(payload any) (string, bool) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	if s := firstString(obj, conflictETagFields); s != "" {
		return s, true
	}
	return "", false
}

func firstString(obj map[string]any, fields []string) string {
	for _, field := range fields {
		if s, ok := obj[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// truthy mirrors loose JSON truthiness for flags like "updated".
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
