package uptime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	routerOSLayout = regexp.MustCompile(`^([A-Za-z]{3})/(\d{1,2})/(\d{4})\s+(\d{1,2}):(\d{1,2}):(\d{1,2})$`)
	isoLayout      = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})\s+(\d{1,2}):(\d{1,2}):(\d{1,2})$`)
	durationPart   = regexp.MustCompile(`(\d+)([wdhms])`)
	clockSuffix    = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{2})$`)

	genericLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
	}

	months = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March,
		"apr": time.April, "may": time.May, "jun": time.June,
		"jul": time.July, "aug": time.August, "sep": time.September,
		"oct": time.October, "nov": time.November, "dec": time.December,
	}
)

// Parse converts a router-reported timestamp into a local instant. It accepts
// "jan/02/2024 10:04:05" (month case-insensitive), "2024-01-02 10:04:05" and,
// as a last resort, a generic date-time with the space replaced by "T".
// The boolean is false when nothing matched; callers treat that as unknown.
func Parse(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	if m := routerOSLayout.FindStringSubmatch(raw); m != nil {
		month, ok := months[strings.ToLower(m[1])]
		if !ok {
			return time.Time{}, false
		}
		return build(atoi(m[3]), month, atoi(m[2]), m[4], m[5], m[6])
	}

	if m := isoLayout.FindStringSubmatch(raw); m != nil {
		month := atoi(m[2])
		if month < 1 || month > 12 {
			return time.Time{}, false
		}
		return build(atoi(m[1]), time.Month(month), atoi(m[3]), m[4], m[5], m[6])
	}

	candidate := strings.Replace(raw, " ", "T", 1)
	for _, layout := range genericLayouts {
		if ts, err := time.ParseInLocation(layout, candidate, time.Local); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Format renders an elapsed duration as "{hours}h {minutes}m", truncating seconds.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int64(d / time.Hour)
	minutes := int64((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// Since returns the formatted time elapsed between the link-up timestamp and now.
func Since(lastLinkUp string, now time.Time) (string, bool) {
	ts, ok := Parse(lastLinkUp)
	if !ok {
		return "", false
	}
	return Format(now.Sub(ts)), true
}

// Hours extracts whole hours from "2h 5m" or RouterOS durations such as
// "1w2d3h4m5s" and "1d02:03:04". Weeks and days are folded into hours.
func Hours(s string) (int, bool) {
	d, ok := ParseDuration(s)
	if !ok {
		return 0, false
	}
	return int(d / time.Hour), true
}

// ParseDuration parses the uptime notations produced by RouterOS and by Format.
func ParseDuration(s string) (time.Duration, bool) {
	compact := strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if compact == "" {
		return 0, false
	}

	var total time.Duration
	if m := clockSuffix.FindStringSubmatchIndex(compact); m != nil {
		h := atoi(compact[m[2]:m[3]])
		min := atoi(compact[m[4]:m[5]])
		sec := atoi(compact[m[6]:m[7]])
		total += time.Duration(h)*time.Hour + time.Duration(min)*time.Minute + time.Duration(sec)*time.Second
		compact = compact[:m[0]]
	}

	consumed := 0
	for _, part := range durationPart.FindAllStringSubmatch(compact, -1) {
		consumed += len(part[0])
		n := time.Duration(atoi(part[1]))
		switch part[2] {
		case "w":
			total += n * 7 * 24 * time.Hour
		case "d":
			total += n * 24 * time.Hour
		case "h":
			total += n * time.Hour
		case "m":
			total += n * time.Minute
		case "s":
			total += n * time.Second
		}
	}
	if consumed != len(compact) {
		return 0, false
	}
	return total, true
}

func build(year int, month time.Month, day int, h, m, s string) (time.Time, bool) {
	hour, minute, second := atoi(h), atoi(m), atoi(s)
	if hour > 23 || minute > 59 || second > 59 || day < 1 {
		return time.Time{}, false
	}
	ts := time.Date(year, month, day, hour, minute, second, 0, time.Local)
	// time.Date normalises overflow, e.g. feb/30 into march.
	if ts.Day() != day || ts.Month() != month {
		return time.Time{}, false
	}
	return ts, true
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
