// Package index implements the 90 kHz time base and the delta-encoded
// per-frame sample index used by the recording storage engine.
package index

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// UnitsPerSecond is the number of ticks in one second of Time/Duration.
// Chosen to match common video codec timebases (90 kHz).
const UnitsPerSecond int64 = 90_000

// DesiredWallDuration is the target wall-clock length of a recording
// before the writer starts a new one at the next key frame.
const DesiredWallDuration = Duration(60 * UnitsPerSecond)

// MaxWallDuration is the hard cap on a recording's wall-clock span.
const MaxWallDuration = Duration(5 * 60 * UnitsPerSecond)

// Time is a point in time expressed as 90 kHz ticks since the Unix epoch.
type Time int64

// Duration is a signed span of time expressed in 90 kHz ticks.
type Duration int64

// Add returns t+d.
func (t Time) Add(d Duration) Time { return t + Time(d) }

// Sub returns the duration from u to t (t-u).
func (t Time) Sub(u Time) Duration { return Duration(t - u) }

// UnixSeconds returns the whole-second Unix timestamp this Time falls on,
// flooring toward negative infinity so that times before the epoch round
// down.
func (t Time) UnixSeconds() int64 {
	sec := int64(t) / UnitsPerSecond
	if int64(t)%UnitsPerSecond < 0 {
		sec--
	}
	return sec
}

// ToTime converts to the standard library's wall-clock representation,
// in UTC, discarding any sub-90kHz-tick information (there is none) but
// preserving the fractional second.
func (t Time) ToTime() time.Time {
	sec := t.UnixSeconds()
	frac := int64(t) - sec*UnitsPerSecond
	nsec := frac * 1_000_000_000 / UnitsPerSecond
	return time.Unix(sec, nsec).UTC()
}

// FromTime converts a standard library time to a Time, truncating to the
// nearest 90 kHz tick.
func FromTime(t time.Time) Time {
	sec := t.Unix()
	nsec := int64(t.Nanosecond())
	return Time(sec*UnitsPerSecond + nsec*UnitsPerSecond/1_000_000_000)
}

func (d Duration) String() string {
	if d == 0 {
		return "0 seconds"
	}
	neg := d < 0
	n := int64(d)
	if neg {
		n = -n
	}
	totalSec := n / UnitsPerSecond
	days := totalSec / 86400
	hours := (totalSec % 86400) / 3600
	mins := (totalSec % 3600) / 60
	secs := totalSec % 60

	var parts []string
	add := func(v int64, unit string) {
		if v == 0 {
			return
		}
		s := "s"
		if v == 1 {
			s = ""
		}
		parts = append(parts, fmt.Sprintf("%d %s%s", v, unit, s))
	}
	add(days, "day")
	add(hours, "hour")
	add(mins, "minute")
	add(secs, "second")

	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	if neg {
		out = "-" + out
	}
	return out
}

var timeRe = regexp.MustCompile(
	`^([0-9]{4})-([0-9]{2})-([0-9]{2})T([0-9]{2}):([0-9]{2}):([0-9]{2})` +
		`(?::([0-9]{5}))?(Z|[+-][0-9]{2}:[0-9]{2})?$`)

// ParseTime accepts either a plain decimal tick count or an RFC
// 3339-like string "YYYY-MM-DDThh:mm:ss[:fffff][Z|±hh:mm]" where ":fffff"
// is 5 digits of 90 kHz ticks. A missing zone means local time.
func ParseTime(s string) (Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Time(n), nil
	}
	m := timeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("index: unparseable time %q", s)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	min, _ := strconv.Atoi(m[5])
	sec, _ := strconv.Atoi(m[6])
	var frac int64
	if m[7] != "" {
		frac, _ = strconv.ParseInt(m[7], 10, 64)
	}

	loc := time.Local
	zone := m[8]
	if zone == "Z" {
		loc = time.UTC
	} else if zone != "" {
		sign := int64(1)
		if zone[0] == '-' {
			sign = -1
		}
		var zh, zm int
		fmt.Sscanf(zone[1:], "%02d:%02d", &zh, &zm)
		offset := int(sign * int64(zh*3600+zm*60))
		loc = time.FixedZone(zone, offset)
	}

	t := time.Date(year, time.Month(month), day, hour, min, sec, 0, loc)
	return Time(t.Unix()*UnitsPerSecond + frac), nil
}

func (t Time) String() string {
	gt := t.ToTime()
	frac := int64(t) - t.UnixSeconds()*UnitsPerSecond
	_, offset := gt.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d:%05d%s%02d:%02d",
		gt.Year(), gt.Month(), gt.Day(), gt.Hour(), gt.Minute(), gt.Second(),
		frac, sign, offset/3600, (offset%3600)/60)
}
