// Package sanitize cleans untrusted event payloads on the way in and
// escapes user-controlled strings on the way out.
package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/pong-tournament/internal/domain"
)

// MaxSafeUserID is the largest id a browser client can represent exactly
const MaxSafeUserID int64 = 1<<53 - 1

var strict = bluemonday.StrictPolicy()

// NamePattern is the charset allowed in tournament names
var NamePattern = regexp.MustCompile(`^[\p{L}\p{N} _.!'#&()\-]+$`)

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)'\s*(or|and)\s+'?[\w]+'?\s*(=|<|>|like)`),
	regexp.MustCompile(`(?i)\b(or|and)\s+(\d+)\s*=\s*(\d+)`),
	regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter|create|exec|execute|truncate|shutdown)\b`),
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)\b(drop|alter|truncate)\s+table\b`),
	regexp.MustCompile(`--|/\*|\*/`),
	regexp.MustCompile(`(?i)\bxp_\w+`),
	regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(`),
	regexp.MustCompile(`(?i)\bwaitfor\s+delay\b`),
}

// ValidUserID rejects ids that cannot belong to a registered user
func ValidUserID(id int64) error {
	if id <= 0 || id > MaxSafeUserID {
		return fmt.Errorf("%w: %d", domain.ErrInvalidUserID, id)
	}
	return nil
}

// String strips markup and control characters from s and trims it
func String(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// Strings returns a copy of data with every string value cleaned by String
func Strings(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		return Strings(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = value(item)
		}
		return out
	}
	return v
}

// DetectSQLInjection returns the first field whose string value matches
// an injection pattern
func DetectSQLInjection(data map[string]any) (string, bool) {
	for k, v := range data {
		if field, ok := detect(k, v); ok {
			return field, true
		}
	}
	return "", false
}

func detect(path string, v any) (string, bool) {
	switch t := v.(type) {
	case string:
		for _, p := range sqlPatterns {
			if p.MatchString(t) {
				return path, true
			}
		}
	case map[string]any:
		for k, item := range t {
			if field, ok := detect(path+"."+k, item); ok {
				return field, true
			}
		}
	case []any:
		for i, item := range t {
			if field, ok := detect(fmt.Sprintf("%s[%d]", path, i), item); ok {
				return field, true
			}
		}
	}
	return "", false
}

// Message converts v to its JSON form with every string HTML-escaped
func Message(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	out, err := json.Marshal(escape(generic))
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return out, nil
}

func escape(v any) any {
	switch t := v.(type) {
	case string:
		return strict.Sanitize(t)
	case map[string]any:
		for k, item := range t {
			t[k] = escape(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = escape(item)
		}
		return t
	}
	return v
}
