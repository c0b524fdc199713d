package values

import (
	"math"
	"strconv"
	"strings"

	"github.com/jxskiss/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes. Unit suffixes are binary multiples:
// "k", "kb", "kib" all mean 1024.
type ByteSize int64

const (
	Byte ByteSize = 1
	KiB           = 1024 * Byte
	MiB           = 1024 * KiB
	GiB           = 1024 * MiB
)

var byteUnits = []struct {
	suffix string
	size   ByteSize
}{
	{"gib", GiB}, {"mib", MiB}, {"kib", KiB},
	{"gb", GiB}, {"mb", MiB}, {"kb", KiB},
	{"g", GiB}, {"m", MiB}, {"k", KiB},
	{"b", Byte},
}

func ParseByteSize(s string) (ByteSize, error) {
	orig := s
	s = strings.ToLower(strings.TrimSpace(s))
	mult := Byte
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.size
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.Errorf("invalid byte size %q", orig)
	}
	return ByteSize(math.Round(f * float64(mult))), nil
}

func ToByteSize(v any) (ByteSize, error) {
	if s, ok := v.(string); ok {
		return ParseByteSize(s)
	}
	n, err := cast.ToInt64E(v)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid byte size %v", v)
	}
	return ByteSize(n), nil
}

func (b ByteSize) Bytes() int64 { return int64(b) }

// Compact renders b with the largest exact unit, in nginx notation:
// "10m", "512k", "100".
func (b ByteSize) Compact() string {
	switch {
	case b == 0:
		return "0"
	case b%GiB == 0:
		return strconv.FormatInt(int64(b/GiB), 10) + "g"
	case b%MiB == 0:
		return strconv.FormatInt(int64(b/MiB), 10) + "m"
	case b%KiB == 0:
		return strconv.FormatInt(int64(b/KiB), 10) + "k"
	}
	return strconv.FormatInt(int64(b), 10)
}

func (b ByteSize) String() string { return b.Compact() }

func (b ByteSize) MarshalYAML() (any, error) {
	return b.Compact(), nil
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	x, err := ParseByteSize(value.Value)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*b = x
	return nil
}
