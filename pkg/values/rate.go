package values

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/errors"
	"github.com/spf13/cast"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Rate is an event rate normalized to events per second.
type Rate rate.Limit

var ratePeriods = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
}

// ParseRate accepts "100", "100/s", "6000/m", "6000/min", "10r/s"
// (nginx notation) and "100/1s". Bare numbers are per second.
func ParseRate(s string) (Rate, error) {
	orig := s
	s = strings.ToLower(strings.TrimSpace(s))
	num, unit, found := strings.Cut(s, "/")
	num = strings.TrimSuffix(strings.TrimSpace(num), "r")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return 0, errors.Errorf("invalid rate %q", orig)
	}
	if !found {
		return Rate(n), nil
	}
	unit = strings.TrimSpace(unit)
	period, ok := ratePeriods[unit]
	if !ok {
		period, err = time.ParseDuration(unit)
		if err != nil || period <= 0 {
			return 0, errors.Errorf("invalid rate period in %q", orig)
		}
	}
	return PerPeriod(n, period), nil
}

// PerSecond builds a Rate of n events per second.
func PerSecond(n float64) Rate { return Rate(n) }

// PerPeriod builds a Rate of n events per period.
func PerPeriod(n float64, period time.Duration) Rate {
	return Rate(roundTo(float64(rate.Every(period))*n, 9))
}

func ToRate(v any) (Rate, error) {
	if s, ok := v.(string); ok {
		return ParseRate(s)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f <= 0 {
		return 0, errors.Errorf("invalid rate %v", v)
	}
	return Rate(f), nil
}

func (r Rate) Limit() rate.Limit { return rate.Limit(r) }

func (r Rate) PerSecond() float64 { return float64(r) }

func (r Rate) PerMinute() float64 { return roundTo(float64(r)*60, 9) }

func (r Rate) Per(period time.Duration) float64 {
	return roundTo(float64(r)*period.Seconds(), 9)
}

// IsWhole tells whether the per-second value is an integer.
func (r Rate) IsWhole() bool { return isWhole(float64(r)) }

// IsWholePerMinute tells whether the per-minute value is an integer.
func (r Rate) IsWholePerMinute() bool { return isWhole(r.PerMinute()) }

// Interval is the time between two events at this rate.
func (r Rate) Interval() time.Duration {
	if r <= 0 || r.Limit() == rate.Inf {
		return 0
	}
	return time.Duration(math.Round(float64(time.Second) / float64(r)))
}

// TokenBucket decomposes r into an integral refill: tokens added every
// interval. Whole per-second rates fill every second, whole per-minute
// rates every minute, anything else one token per Interval.
func (r Rate) TokenBucket() (tokens uint32, interval time.Duration) {
	switch {
	case r.IsWhole():
		return uint32(math.Round(float64(r))), time.Second
	case r.IsWholePerMinute():
		return uint32(math.Round(r.PerMinute())), time.Minute
	}
	return 1, r.Interval()
}

// FromTokenBucket is the inverse of TokenBucket.
func FromTokenBucket(tokens uint32, interval time.Duration) Rate {
	if interval <= 0 {
		interval = time.Second
	}
	return PerPeriod(float64(tokens), interval)
}

// Nginx renders r in nginx limit_req_zone notation. nginx only accepts
// integer rates per second or per minute.
func (r Rate) Nginx() string {
	if r.IsWhole() {
		return strconv.FormatInt(int64(math.Round(float64(r))), 10) + "r/s"
	}
	return strconv.FormatInt(int64(math.Round(r.PerMinute())), 10) + "r/m"
}

func (r Rate) String() string {
	return strconv.FormatFloat(float64(r), 'f', -1, 64) + "/s"
}

func (r Rate) MarshalYAML() (any, error) {
	if r.IsWhole() {
		return int64(math.Round(float64(r))), nil
	}
	return float64(r), nil
}

func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	x, err := ParseRate(value.Value)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*r = x
	return nil
}

// Equal compares two rates within floating-point tolerance.
func (r Rate) Equal(other Rate) bool {
	return math.Abs(float64(r)-float64(other)) <= 1e-6*math.Max(1, math.Abs(float64(r)))
}

func isWhole(f float64) bool {
	return math.Abs(f-math.Round(f)) < 1e-9
}
