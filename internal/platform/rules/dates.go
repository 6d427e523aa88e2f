package rules

import (
	"fmt"
	"strings"
	"time"
)

// Date layouts tried in priority order. ISO 8601 first; the remaining layouts
// are day-first because the legacy systems this engine ingests are UK exports,
// so "15/03/1940" must parse as 15 March even though a month-first reading of
// some values would succeed.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
	"02/01/06",
}

// ParseDate parses a date string using the engine's layout priority.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}

// NormalizeDate parses s and renders it as ISO 8601 (yyyy-mm-dd).
func NormalizeDate(s string) (string, error) {
	t, err := ParseDate(s)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

// IsDate reports whether s parses under any supported layout.
func IsDate(s string) bool {
	_, err := ParseDate(s)
	return err == nil
}

// DetectDateFormat returns the name of the first layout that parses s, or ""
// when none does. The quality assessor uses this to spot fields mixing
// several date conventions.
func DetectDateFormat(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return layout
		}
	}
	return ""
}
