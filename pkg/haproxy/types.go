package haproxy

import (
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

const ConfigFile = "haproxy.cfg"

const (
	frontendName = "gateway"
	adminName    = "admin"
	metricsName  = "metrics"

	routeVar  = "txn.route"
	splitVar  = "txn.split"
	originVar = "txn.cors_origin"

	// ACL names carry a ":" which route and service names cannot
	// contain, so they never collide with user names.
	hasRouteACL  = "has_route"
	preflightACL = "preflight"
	metricsACL   = "metrics_path"

	routePrefix     = "route:"
	pathPrefix      = "path:"
	methodsPrefix   = "methods:"
	authPrefix      = "auth:"
	apiKeyPrefix    = "apikey:"
	originPrefix    = "origin:"
	rateLimitPrefix = "ratelimit:"
	splitPrefix     = "split:"

	defaultRealm          = "Restricted"
	defaultConnectTimeout = "5s"
	defaultClientTimeout  = "30s"
	defaultServerTimeout  = "30s"
	defaultTunnelTimeout  = "1h"
	tableSize             = "100k"
	logFacility           = "local0"

	// maxServerWeight is the largest weight a server line accepts.
	maxServerWeight = 256
)

const jsonLogFormat = `{"time":"%t","route":"%[var(txn.route)]","remote_addr":"%ci",` +
	`"request":"%r","status":%ST,"bytes":%B,"backend":"%b","server":"%s","request_time":%Ta}`

// Section keywords. Everything else starts a statement of the current
// section.
var sectionKinds = map[string]bool{
	"global":      true,
	"defaults":    true,
	"frontend":    true,
	"backend":     true,
	"listen":      true,
	"userlist":    true,
	"peers":       true,
	"resolvers":   true,
	"mailers":     true,
	"cache":       true,
	"program":     true,
	"http-errors": true,
	"ring":        true,
}

// Global and defaults statements the exporter writes around the
// translated ones.
var boilerplate = map[string]bool{
	"daemon":          true,
	"maxconn":         true,
	"nbthread":        true,
	"pidfile":         true,
	"user":            true,
	"group":           true,
	"chroot":          true,
	"stats":           true,
	"ca-base":         true,
	"crt-base":        true,
	"description":     true,
	"hard-stop-after": true,
}

// haproxy log levels by IR level.
var logLevels = map[string]string{
	"debug": "debug",
	"info":  "info",
	"warn":  "warning",
	"error": "err",
}

func stmt(words ...string) *xlate.Directive {
	d, _ := xlate.NewDirective(0, words...)
	return d
}

func section(kind, name string, lines ...*xlate.Directive) *xlate.Directive {
	words := []string{kind}
	if name != "" {
		words = append(words, name)
	}
	d := stmt(words...)
	d.Block = append([]*xlate.Directive{}, lines...)
	return d
}

// quote quotes w when it cannot be written as a bare word. Single quotes
// are preferred since haproxy expands environment variables inside
// double quotes.
func quote(w string) string {
	if w != "" && !strings.ContainsAny(w, " \t\"'#\\$") {
		return w
	}
	if !strings.Contains(w, "'") {
		return "'" + w + "'"
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`).Replace(w) + `"`
}

func line(d *xlate.Directive) string {
	words := make([]string, 0, len(d.Args())+1)
	words = append(words, quote(d.Name()))
	for _, a := range d.Args() {
		words = append(words, quote(a))
	}
	return strings.Join(words, " ")
}

// render writes sections at the left margin and their statements
// indented, with a blank line between sections.
func render(sections []*xlate.Directive) []byte {
	var b strings.Builder
	b.WriteString("# " + xlate.GeneratedHeader + "\n")
	for _, s := range sections {
		b.WriteString("\n" + line(s) + "\n")
		for _, d := range s.Block {
			b.WriteString("    " + line(d) + "\n")
		}
	}
	return []byte(b.String())
}

// parseConfig splits the configuration into sections. Statements before
// the first section and lines that cannot be tokenized are reported and
// skipped.
func parseConfig(file string, data []byte) ([]*xlate.Directive, []*xlate.ParseError) {
	var sections []*xlate.Directive
	var errs []*xlate.ParseError
	var cur *xlate.Directive
	for i, text := range strings.Split(string(data), "\n") {
		n := i + 1
		words, err := xlate.Words(strings.TrimRight(text, "\r"))
		if err != nil {
			errs = append(errs, &xlate.ParseError{File: file, Line: n, Msg: err.Error()})
			continue
		}
		if len(words) == 0 {
			continue
		}
		d, _ := xlate.NewDirective(n, words...)
		if sectionKinds[words[0]] {
			d.Block = []*xlate.Directive{}
			sections = append(sections, d)
			cur = d
			continue
		}
		if cur == nil {
			errs = append(errs, &xlate.ParseError{File: file, Line: n,
				Msg: "statement outside of a section: " + xlate.Limit100(strings.Join(words, " "))})
			continue
		}
		cur.Block = append(cur.Block, d)
	}
	return sections, errs
}

// parseTime reads a haproxy time value. Bare numbers are milliseconds.
func parseTime(s string) (values.Duration, error) {
	if s != "" && strings.Trim(s, "0123456789") == "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, err
		}
		return values.Milliseconds(n), nil
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "d"), 10, 64)
		if err == nil && n >= 0 {
			return values.Duration(time.Duration(n) * 24 * time.Hour), nil
		}
	}
	return values.ParseDuration(s)
}

// escapeFormat protects "%" in a header value, which haproxy reads as a
// log-format string.
func escapeFormat(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

// unescapeFormat reverses escapeFormat. dynamic is true when the value
// holds a sample expression that cannot be kept as a literal.
func unescapeFormat(s string) (value string, dynamic bool) {
	rest := strings.ReplaceAll(s, "%%", "")
	return strings.ReplaceAll(s, "%%", "%"), strings.Contains(rest, "%")
}

// condition splits the words after "if" or "unless". ok is false for
// "unless", "or" and "||" conditions, which cannot be read as a plain
// conjunction of ACLs.
func condition(words []string) (acls []string, ok bool) {
	for i, w := range words {
		if w == "if" {
			acls = words[i+1:]
			for _, a := range acls {
				if a == "or" || a == "||" || strings.HasPrefix(a, "{") || strings.HasPrefix(a, "!{") {
					return nil, false
				}
			}
			return acls, true
		}
		if w == "unless" {
			return nil, false
		}
	}
	return nil, true
}

// action returns the words of a rule before its condition.
func action(words []string) []string {
	for i, w := range words {
		if w == "if" || w == "unless" {
			return words[:i]
		}
	}
	return words
}

// fetchArg returns the argument of a sample fetch such as "req.hdr(X)".
func fetchArg(fetch, name string) (string, bool) {
	if !strings.HasPrefix(fetch, name+"(") || !strings.HasSuffix(fetch, ")") {
		return "", false
	}
	return fetch[len(name)+1 : len(fetch)-1], true
}

// serverParams reads "key value" and flag parameters of a server or
// default-server statement.
func serverParams(args []string) map[string]string {
	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		key := args[i]
		if serverValueParams[key] && i+1 < len(args) {
			out[key] = args[i+1]
			i++
			continue
		}
		out[key] = ""
	}
	return out
}

var serverValueParams = map[string]bool{
	"weight":      true,
	"maxconn":     true,
	"maxqueue":    true,
	"inter":       true,
	"fastinter":   true,
	"downinter":   true,
	"fall":        true,
	"rise":        true,
	"observe":     true,
	"error-limit": true,
	"on-error":    true,
	"proto":       true,
	"verify":      true,
	"ca-file":     true,
	"crt":         true,
	"port":        true,
	"sni":         true,
	"alpn":        true,
	"cookie":      true,
	"slowstart":   true,
}
