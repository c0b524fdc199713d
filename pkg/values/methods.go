package values

import (
	"math/bits"
	"strings"

	"github.com/jxskiss/errors"
	"gopkg.in/yaml.v3"
)

// MethodSet is a set of HTTP methods. The empty set means "any method".
type MethodSet uint16

const (
	GET MethodSet = 1 << iota
	HEAD
	POST
	PUT
	PATCH
	DELETE
	OPTIONS
	CONNECT
	TRACE
)

// AllMethods lists every method in canonical order.
var AllMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "CONNECT", "TRACE"}

func methodBit(m string) (MethodSet, bool) {
	for i, name := range AllMethods {
		if strings.EqualFold(m, name) {
			return 1 << i, true
		}
	}
	return 0, false
}

// ParseMethods builds a MethodSet from method names. "*" and "ANY" yield
// the empty (any) set.
func ParseMethods(methods ...string) (MethodSet, error) {
	var set MethodSet
	for _, m := range methods {
		m = strings.TrimSpace(m)
		if m == "*" || strings.EqualFold(m, "ANY") {
			return 0, nil
		}
		bit, ok := methodBit(m)
		if !ok {
			return 0, errors.Errorf("unknown HTTP method %q", m)
		}
		set |= bit
	}
	return set, nil
}

// MustMethods is like ParseMethods but panics on error.
func MustMethods(methods ...string) MethodSet {
	set, err := ParseMethods(methods...)
	if err != nil {
		panic(err)
	}
	return set
}

func (s MethodSet) Any() bool { return s == 0 }

func (s MethodSet) Len() int { return bits.OnesCount16(uint16(s)) }

func (s MethodSet) Contains(method string) bool {
	if s == 0 {
		return true
	}
	bit, ok := methodBit(method)
	return ok && s&bit != 0
}

// Methods returns the method names in canonical order, nil for any.
func (s MethodSet) Methods() []string {
	if s == 0 {
		return nil
	}
	out := make([]string, 0, s.Len())
	for i, name := range AllMethods {
		if s&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// Expand is like Methods, but lists every method for the any set.
func (s MethodSet) Expand() []string {
	if s == 0 {
		return append([]string(nil), AllMethods...)
	}
	return s.Methods()
}

func (s MethodSet) Lower() []string {
	out := s.Methods()
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

func (s MethodSet) Join(sep string) string {
	return strings.Join(s.Methods(), sep)
}

// Regex returns an anchored RE2 alternation, e.g. "^(GET|POST)$".
func (s MethodSet) Regex() string {
	if s == 0 {
		return ".*"
	}
	return "^(" + s.Join("|") + ")$"
}

func (s MethodSet) String() string {
	if s == 0 {
		return "*"
	}
	return s.Join(",")
}

func (s MethodSet) MarshalYAML() (any, error) {
	return s.Methods(), nil
}

func (s *MethodSet) UnmarshalYAML(value *yaml.Node) error {
	var list []string
	switch value.Kind {
	case yaml.ScalarNode:
		list = strings.Split(value.Value, ",")
	case yaml.SequenceNode:
		if err := value.Decode(&list); err != nil {
			return err
		}
	default:
		return errors.Errorf("line %d: methods must be a list", value.Line)
	}
	x, err := ParseMethods(list...)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*s = x
	return nil
}
