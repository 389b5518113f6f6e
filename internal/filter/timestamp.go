package filter

import (
	"regexp"
	"strings"
	"time"
)

var (
	reISOTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.,+\-Z]+)`)
	reSyslogTS     = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05,000",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

var syslogLayouts = []string{
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

// ExtractTimestamp parses a leading timestamp from a raw log line. Both the
// ISO style used by fail2ban ("2006-01-02 15:04:05,123") and the classic
// syslog prefix ("Jan 2 15:04:05") are recognized. Syslog timestamps carry
// no year and are pinned to the current one.
func ExtractTimestamp(line string) (time.Time, bool) {
	if m := reISOTimestamp.FindStringSubmatch(line); m != nil {
		value := strings.TrimSpace(m[1])
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC(), true
			}
			if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
				return t.UTC(), true
			}
		}
	}
	if m := reSyslogTS.FindStringSubmatch(line); m != nil {
		value := strings.TrimSpace(m[1])
		for _, layout := range syslogLayouts {
			if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
				now := time.Now()
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.Local).UTC(), true
			}
		}
	}
	return time.Time{}, false
}
