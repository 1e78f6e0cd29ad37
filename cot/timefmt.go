package cot

import (
	"strings"
	"time"

	"github.com/c360/cotrelay/errors"
)

// TimeLayout is the UTC layout used on the wire. Timestamps carrying
// sub-millisecond precision are written with six or nine fractional digits.
const TimeLayout = "2006-01-02T15:04:05.000Z"

const (
	microLayout = "2006-01-02T15:04:05.000000Z"
	nanoLayout  = "2006-01-02T15:04:05.000000000Z"
)

// layouts without a zone designator; these are read as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// FormatTime renders t in the wire layout with at least millisecond
// precision. No precision is lost, so ParseTime(FormatTime(t)) equals t.
func FormatTime(t time.Time) string {
	t = t.UTC()
	switch ns := t.Nanosecond(); {
	case ns%int(time.Millisecond) == 0:
		return t.Format(TimeLayout)
	case ns%int(time.Microsecond) == 0:
		return t.Format(microLayout)
	default:
		return t.Format(nanoLayout)
	}
}

// ParseTime parses an ISO-8601 timestamp. Offsets are normalized to UTC and a
// missing zone designator is read as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.WrapInvalid(errors.ErrMalformedEvent, "cot", "ParseTime", "empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, errors.WrapInvalid(errors.ErrMalformedEvent, "cot", "ParseTime", "timestamp "+s)
}
