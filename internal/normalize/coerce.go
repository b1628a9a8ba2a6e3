package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	decimalRe = regexp.MustCompile(`(\d+\.?\d*)`)
	yearRe    = regexp.MustCompile(`(\d{4})`)
	integerRe = regexp.MustCompile(`(\d+)`)
)

// placeholders are values the model emits when it could not find a field.
var placeholders = map[string]bool{
	"unknown":       true,
	"n/a":           true,
	"na":            true,
	"not available": true,
	"not provided":  true,
	"none":          true,
	"null":          true,
}

// isPlaceholder reports whether s is empty or a known "no value" marker.
func isPlaceholder(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || placeholders[strings.ToLower(s)]
}

// asString renders scalar JSON values as trimmed strings. Objects, arrays and
// nil yield "".
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// scalar returns a string field, treating placeholders as absent.
func scalar(v any) string {
	s := asString(v)
	if isPlaceholder(s) {
		return ""
	}
	return s
}

// toFloat casts numbers directly and falls back to the first decimal number
// found in a string. Unparseable and negative values become 0.
func toFloat(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if parsed, err := strconv.ParseFloat(s, 64); err == nil {
			f = parsed
			break
		}
		m := decimalRe.FindStringSubmatch(s)
		if m == nil {
			return 0
		}
		parsed, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

// toInt casts numbers directly and otherwise extracts the first match of re
// from a string. Returns 0 when nothing parses.
func toInt(v any, re *regexp.Regexp) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0
		}
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return int(f)
		}
		return 0
	case string:
		m := re.FindStringSubmatch(t)
		if m == nil {
			return 0
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// stringList turns a list or comma-separated string into a deduplicated
// sequence. Entries of one character or less are dropped; duplicates are
// compared case-insensitively and the first spelling wins.
func stringList(v any) []string {
	var items []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			items = append(items, asString(item))
		}
	case []string:
		items = append(items, t...)
	case string:
		items = strings.Split(t, ",")
	default:
		return []string{}
	}

	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if len([]rune(item)) <= 1 {
			continue
		}
		key := strings.ToLower(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

// technologies coerces a technologies field into a sequence without
// deduplication; empty entries are dropped.
func technologies(v any) []string {
	var items []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			items = append(items, asString(item))
		}
	case []string:
		items = t
	case string:
		items = strings.Split(t, ",")
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// objects returns the map entries of a JSON array, skipping anything else.
func objects(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func describe(v any) string {
	return fmt.Sprintf("%T", v)
}
