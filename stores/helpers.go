package stores

import (
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(sqlTimeLayout, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime accepts the shapes drivers return for a timestamp column.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if v == "" {
			return time.Time{}
		}
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqlTimeLayout is fixed-width so text columns sort chronologically.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqlTimeOrNil stores zero times as NULL and others as UTC text.
func sqlTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqlTimeLayout)
}
