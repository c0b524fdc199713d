package values

import (
	"math"
	"strconv"
	"strings"

	"github.com/jxskiss/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Percentage is a value in the closed range [0, 100].
type Percentage float64

// ParsePercentage accepts "50", "50%" and "12.5%". Bare numbers are
// percent values, not fractions.
func ParsePercentage(s string) (Percentage, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Errorf("invalid percentage %q", s)
	}
	return NewPercentage(f)
}

func NewPercentage(f float64) (Percentage, error) {
	if math.IsNaN(f) || f < 0 || f > 100 {
		return 0, errors.Errorf("percentage %v out of range [0, 100]", f)
	}
	return Percentage(f), nil
}

// FromFraction converts a ratio in [0, 1] to a Percentage.
func FromFraction(f float64) (Percentage, error) {
	return NewPercentage(roundTo(f*100, 6))
}

func (p Percentage) Float() float64 { return float64(p) }

// Fraction returns p as a ratio in [0, 1].
func (p Percentage) Fraction() float64 { return roundTo(float64(p)/100, 8) }

func (p Percentage) IsWhole() bool { return float64(p) == math.Trunc(float64(p)) }

// Scaled returns the smallest of the denominators 100, 10000 and 1000000
// that represents p exactly (or the largest one if none does), with the
// matching numerator.
func (p Percentage) Scaled() (numerator uint32, denominator uint32) {
	for _, den := range []uint32{100, 10000, 1000000} {
		n := float64(p) * float64(den) / 100
		if r := math.Round(n); math.Abs(n-r) < 1e-6 {
			return uint32(r), den
		}
	}
	return uint32(math.Round(float64(p) * 10000)), 1000000
}

// Per10000 returns p as basis points, used by hash-bucket samplers.
func (p Percentage) Per10000() int {
	return int(math.Round(float64(p) * 100))
}

func (p Percentage) String() string {
	return strconv.FormatFloat(float64(p), 'f', -1, 64) + "%"
}

func (p Percentage) MarshalYAML() (any, error) {
	return float64(p), nil
}

func (p *Percentage) UnmarshalYAML(value *yaml.Node) error {
	x, err := ParsePercentage(value.Value)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*p = x
	return nil
}

// ToPercentage converts a loosely typed value to Percentage.
func ToPercentage(v any) (Percentage, error) {
	if s, ok := v.(string); ok {
		return ParsePercentage(s)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, errors.Errorf("invalid percentage %v", v)
	}
	return NewPercentage(f)
}

func roundTo(f float64, places int) float64 {
	m := math.Pow(10, float64(places))
	return math.Round(f*m) / m
}
