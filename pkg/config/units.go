package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Day and Week extend the units time.ParseDuration understands.
const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// Duration is a time.Duration read from strings like "30s" or "2d12h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	dur := time.Duration(d)
	if dur >= Day && dur%Day == 0 {
		return fmt.Sprintf("%dd", dur/Day), nil
	}
	return dur.String(), nil
}

var durationUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  Day,
	"w":  Week,
}

var durationToken = regexp.MustCompile(`([0-9]*\.?[0-9]+)([a-zµ]+)`)

// ParseDuration sums number+unit pairs. An empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	var total time.Duration
	rest := s
	for _, m := range durationToken.FindAllStringSubmatchIndex(s, -1) {
		num, unit := s[m[2]:m[3]], s[m[4]:m[5]]
		base, ok := durationUnits[unit]
		if !ok {
			return 0, fmt.Errorf("unknown duration unit %q in %q", unit, s)
		}
		val, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(val * float64(base))
		rest = strings.Replace(rest, s[m[0]:m[1]], "", 1)
	}
	if rest != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return total, nil
}

// Distance is a length in meters. YAML accepts bare numbers or a m/km
// suffix.
type Distance float64

func (d *Distance) UnmarshalYAML(value *yaml.Node) error {
	var f float64
	if err := value.Decode(&f); err == nil {
		*d = Distance(f)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	m, err := ParseDistance(s)
	if err != nil {
		return err
	}
	*d = Distance(m)
	return nil
}

func (d Distance) MarshalYAML() (interface{}, error) {
	return strconv.FormatFloat(float64(d), 'f', -1, 64) + "m", nil
}

// ParseDistance converts "250", "250m" or "1.5km" to meters.
func ParseDistance(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	mult := 1.0
	switch {
	case strings.HasSuffix(s, "km"):
		mult, s = 1000, strings.TrimSuffix(s, "km")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
	}

	val, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid distance %q: %w", s, err)
	}
	return val * mult, nil
}
