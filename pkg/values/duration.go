package values

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Duration is a time span normalized to nanoseconds.
//
// It parses Go duration strings ("30s", "500ms", "1m30s") and bare
// numbers, which are interpreted as seconds ("1.5", 30).
type Duration time.Duration

// ParseDuration parses s into a Duration.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsToDuration(f)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %q", s)
	}
	return Duration(d), nil
}

// ToDuration converts a loosely typed value (string or number) to Duration.
func ToDuration(v any) (Duration, error) {
	switch x := v.(type) {
	case Duration:
		return x, nil
	case time.Duration:
		return Duration(x), nil
	case string:
		return ParseDuration(x)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, errors.Errorf("invalid duration %v", v)
	}
	return secondsToDuration(f)
}

func secondsToDuration(f float64) (Duration, error) {
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.Errorf("invalid duration seconds %v", f)
	}
	return Duration(math.Round(f * float64(time.Second))), nil
}

func Seconds(n float64) Duration { return Duration(n * float64(time.Second)) }

func Milliseconds(n int64) Duration { return Duration(time.Duration(n) * time.Millisecond) }

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) IsZero() bool { return d == 0 }

// Milliseconds returns d in whole milliseconds, rounding up partial ones.
func (d Duration) Milliseconds() int64 {
	ms := time.Duration(d) / time.Millisecond
	if time.Duration(d)%time.Millisecond != 0 {
		ms++
	}
	return int64(ms)
}

func (d Duration) Seconds() float64 { return time.Duration(d).Seconds() }

// WholeSeconds returns d in seconds, rounding up partial seconds.
// A non-zero duration never renders as zero.
func (d Duration) WholeSeconds() int64 {
	s := time.Duration(d) / time.Second
	if time.Duration(d)%time.Second != 0 {
		s++
	}
	return int64(s)
}

// IsWholeSeconds tells whether d can be rendered in seconds without loss.
func (d Duration) IsWholeSeconds() bool {
	return time.Duration(d)%time.Second == 0
}

// Compact renders d with a single unit suffix, as accepted by nginx,
// haproxy and traefik: "30s", "500ms", "2m", "1h".
func (d Duration) Compact() string {
	td := time.Duration(d)
	switch {
	case td == 0:
		return "0s"
	case td%time.Hour == 0:
		return strconv.FormatInt(int64(td/time.Hour), 10) + "h"
	case td%time.Minute == 0:
		return strconv.FormatInt(int64(td/time.Minute), 10) + "m"
	case td%time.Second == 0:
		return strconv.FormatInt(int64(td/time.Second), 10) + "s"
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

// SecondsString renders d as a decimal number of seconds with an "s"
// suffix, e.g. "1.5s". This is the protobuf JSON duration form.
func (d Duration) SecondsString() string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}

func (d Duration) String() string {
	if d == 0 {
		return "0s"
	}
	return time.Duration(d).String()
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Compact(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: duration must be a scalar", value.Line)
	}
	x, err := ParseDuration(value.Value)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*d = x
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Compact()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	x, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = x
	return nil
}
