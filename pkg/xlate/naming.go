package xlate

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jxskiss/gopkg/v2/utils/strutil"
	"github.com/spf13/cast"
)

// Derived names use "__" which IR names may not contain, so they never
// collide with user names.
const (
	splitInfix  = "__split__"
	mirrorInfix = "__mirror__"
	ruleInfix   = "__rule"
)

// SplitUpstreamName names the upstream of a traffic split target.
func SplitUpstreamName(service, target string) string {
	return service + splitInfix + target
}

// MirrorUpstreamName names the upstream of a mirror policy.
func MirrorUpstreamName(service, mirror string) string {
	return service + mirrorInfix + mirror
}

// RuleRouteName names the extra route generated for one split rule.
func RuleRouteName(route string, index int) string {
	return route + ruleInfix + strconv.Itoa(index)
}

// DerivedKind classifies a generated upstream name.
type DerivedKind int

const (
	NotDerived DerivedKind = iota
	DerivedSplit
	DerivedMirror
)

// ParseUpstreamName splits a derived upstream name into the service and
// the split target or mirror name.
func ParseUpstreamName(name string) (service string, kind DerivedKind, sub string) {
	if svc, rest, ok := strings.Cut(name, splitInfix); ok {
		return svc, DerivedSplit, rest
	}
	if svc, rest, ok := strings.Cut(name, mirrorInfix); ok {
		return svc, DerivedMirror, rest
	}
	return name, NotDerived, ""
}

// ParseRuleRouteName reports whether name is a rule route and returns
// the parent route and rule index.
func ParseRuleRouteName(name string) (route string, index int, ok bool) {
	i := strings.LastIndex(name, ruleInfix)
	if i <= 0 {
		return "", 0, false
	}
	num := name[i+len(ruleInfix):]
	if !strutil.IsASCIIDigit(num) {
		return "", 0, false
	}
	return name[:i], cast.ToInt(num), true
}

// NextPath appends a key or an index ("[3]") to a dotted path.
func NextPath(path, next string) string {
	sep := "."
	isSliceIndex := len(next) > 2 && next[0] == '[' && next[len(next)-1] == ']' && strutil.IsASCIIDigit(next[1:len(next)-1])
	if isSliceIndex {
		sep = ""
	}
	if path == "" {
		return next
	}
	if next == "" {
		return path
	}
	return path + sep + next
}

// IndexPath is NextPath with a numeric index.
func IndexPath(path string, i int) string {
	return NextPath(path, fmt.Sprintf("[%d]", i))
}

// Limit100 truncates s for use in messages.
func Limit100(s string) string {
	if utf8.RuneCountInString(s) <= 100 {
		return s
	}
	r := []rune(s)
	return string(r[:97]) + "..."
}

// ParseAddress accepts "host:port", "host" (with defaultPort) and URLs
// such as "http://host:port/path". Unix sockets are rejected.
func ParseAddress(s string, defaultPort int) (host string, port int, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "unix:") {
		return "", 0, fmt.Errorf("unix socket address %q is not supported", s)
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", 0, fmt.Errorf("invalid address %q: %w", s, err)
		}
		host = u.Hostname()
		port = cast.ToInt(u.Port())
		if port == 0 {
			switch u.Scheme {
			case "https":
				port = 443
			case "http":
				port = 80
			default:
				port = defaultPort
			}
		}
		return host, port, nil
	}
	h, p, splitErr := net.SplitHostPort(s)
	if splitErr != nil {
		if s == "" {
			return "", 0, fmt.Errorf("empty address")
		}
		return strings.Trim(s, "[]"), defaultPort, nil
	}
	port, err = cast.ToIntE(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in address %q", s)
	}
	return h, port, nil
}

// IsIP tells whether host is a literal IP address.
func IsIP(host string) bool {
	return net.ParseIP(host) != nil
}
