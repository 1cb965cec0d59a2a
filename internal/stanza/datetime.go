package stanza

import (
	"fmt"
	"strings"
	"time"
)

const stampLayout = "2006-01-02T15:04:05.000Z"

// accepted date-time layouts, most specific first. Fractional seconds are accepted by
// time.Parse after the seconds field even when the layout omits them.
var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05", // no zone: UTC
	"20060102T15:04:05",   // legacy delayed-delivery format, UTC
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
}

// ParseDateTime parses an XMPP date-time profile value.
func ParseDateTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not an XMPP date-time: %q", v)
}

// FormatDateTime formats t as a UTC XMPP date-time with millisecond precision.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(stampLayout)
}
