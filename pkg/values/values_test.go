package values

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"500ms", 500 * time.Millisecond},
		{"1.5", 1500 * time.Millisecond},
		{"2", 2 * time.Second},
		{"1m30s", 90 * time.Second},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got.Std(), c.in)
	}

	for _, bad := range []string{"", "abc", "-1s", "-3"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestDurationRenderers(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	assert.Equal(t, int64(1500), d.Milliseconds())
	assert.Equal(t, 1.5, d.Seconds())
	assert.Equal(t, int64(2), d.WholeSeconds())
	assert.False(t, d.IsWholeSeconds())
	assert.Equal(t, "1500ms", d.Compact())
	assert.Equal(t, "1.5s", d.SecondsString())

	assert.Equal(t, "2m", Duration(2*time.Minute).Compact())
	assert.Equal(t, "30s", Seconds(30).Compact())
	assert.Equal(t, "0s", Duration(0).Compact())

	got, err := ToDuration(45)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, got.Std())
}

func TestPercentage(t *testing.T) {
	p, err := ParsePercentage("12.5%")
	require.NoError(t, err)
	assert.Equal(t, 0.125, p.Fraction())
	num, den := p.Scaled()
	assert.Equal(t, uint32(1250), num)
	assert.Equal(t, uint32(10000), den)

	num, den = Percentage(50).Scaled()
	assert.Equal(t, uint32(50), num)
	assert.Equal(t, uint32(100), den)

	_, err = ParsePercentage("120")
	assert.Error(t, err)

	back, err := FromFraction(p.Fraction())
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestByteSize(t *testing.T) {
	for in, want := range map[string]ByteSize{
		"1k": KiB, "10MB": 10 * MiB, "512": 512, "1.5kib": 1536, "2g": 2 * GiB,
	} {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	assert.Equal(t, "10m", (10 * MiB).Compact())
	assert.Equal(t, "1536", ByteSize(1536).Compact())
}

func TestMethodSet(t *testing.T) {
	s, err := ParseMethods("post", "GET")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "POST"}, s.Methods())
	assert.Equal(t, "^(GET|POST)$", s.Regex())
	assert.True(t, s.Contains("get"))
	assert.False(t, s.Contains("DELETE"))

	anySet, err := ParseMethods("*")
	require.NoError(t, err)
	assert.True(t, anySet.Any())
	assert.Len(t, anySet.Expand(), len(AllMethods))

	_, err = ParseMethods("FETCH")
	assert.Error(t, err)

	var decoded MethodSet
	require.NoError(t, yaml.Unmarshal([]byte(`[PUT, GET]`), &decoded))
	assert.Equal(t, GET|PUT, decoded)
}

func TestUnmarshalErrorsCarryLine(t *testing.T) {
	var doc struct {
		Timeout Duration   `yaml:"timeout"`
		Size    ByteSize   `yaml:"size"`
		Sample  Percentage `yaml:"sample"`
		Methods MethodSet  `yaml:"methods"`
		Rate    Rate       `yaml:"rate"`
	}
	cases := []struct {
		in   string
		want string
	}{
		{"timeout: soon\n", "line 1: "},
		{"size: 1m\nrate: fast\n", "line 2: "},
		{"\nsample: lots\n", "line 2: "},
		{"methods: [GET, FETCH]\n", "line 1: "},
	}
	for _, c := range cases {
		err := yaml.Unmarshal([]byte(c.in), &doc)
		require.Error(t, err, c.in)
		assert.Contains(t, err.Error(), c.want, c.in)
	}
}

func TestRate(t *testing.T) {
	r, err := ParseRate("6000/m")
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.PerSecond())
	assert.Equal(t, rate.Limit(100), r.Limit())
	assert.True(t, r.IsWhole())
	assert.Equal(t, 10*time.Millisecond, r.Interval())
	assert.Equal(t, time.Duration(0), Rate(rate.Inf).Interval())
	assert.Equal(t, 3.0, FromTokenBucket(3, time.Second).PerSecond())
	assert.Equal(t, 100.0, FromTokenBucket(6000, time.Minute).PerSecond())

	tokens, interval := r.TokenBucket()
	assert.Equal(t, uint32(100), tokens)
	assert.Equal(t, time.Second, interval)

	half := PerSecond(0.5)
	tokens, interval = half.TokenBucket()
	assert.Equal(t, uint32(30), tokens)
	assert.Equal(t, time.Minute, interval)
	assert.True(t, FromTokenBucket(tokens, interval).Equal(half))
	assert.Equal(t, "30r/m", half.Nginx())

	odd := PerSecond(1.0 / 7)
	tokens, interval = odd.TokenBucket()
	assert.Equal(t, uint32(1), tokens)
	assert.True(t, FromTokenBucket(tokens, interval).Equal(odd))

	r, err = ParseRate("10r/s")
	require.NoError(t, err)
	assert.Equal(t, "10r/s", r.Nginx())

	_, err = ParseRate("0/s")
	assert.Error(t, err)
	_, err = ParseRate("5/fortnight")
	assert.Error(t, err)
}
