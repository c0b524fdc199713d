package nginx

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// ConfigFile is the main configuration. Password files and Lua handlers
// are written next to it, under htpasswdDir and luaDir.
const ConfigFile = "nginx.conf"

const (
	htpasswdDir = "htpasswd/"
	luaDir      = "lua/"

	routeNameVar      = "$route_name"
	connectionUpgrade = "$connection_upgrade"
	jsonLogFormat     = "gwxlate_json"
	mirrorPrefix      = "/_mirror/"
	zoneSize          = "10m"
	defaultRealm      = "Restricted"
	defaultAccessLog  = "/dev/stdout"
	errorLogFile      = "/dev/stderr"
	mirrorOn          = "on"
	mirrorOff         = "off"
)

const jsonLogFields = `{"time":"$time_iso8601","route":"$route_name","remote_addr":"$remote_addr",` +
	`"request":"$request","status":$status,"bytes":$body_bytes_sent,` +
	`"upstream":"$upstream_addr","request_time":$request_time}`

// Statements the exporter always writes around the translated ones.
var boilerplate = map[string]bool{
	"worker_processes": true,
	"events":           true,
	"pid":              true,
	"user":             true,
	"include":          true,
	"default_type":     true,
	"sendfile":         true,
	"limit_req_status": true,
	"http2":            true,
	"server_name":      true,
}

func dir(words ...string) *xlate.Directive {
	d, _ := xlate.NewDirective(0, words...)
	return d
}

func block(d *xlate.Directive, children ...*xlate.Directive) *xlate.Directive {
	d.Block = append([]*xlate.Directive{}, children...)
	return d
}

// render writes top-level statements with a blank line around blocks.
func render(dirs []*xlate.Directive) []byte {
	var b strings.Builder
	b.WriteString("# " + xlate.GeneratedHeader + "\n\n")
	for i, d := range dirs {
		if i > 0 && (d.IsBlock() || dirs[i-1].IsBlock()) {
			b.WriteString("\n")
		}
		b.WriteString(d.Text())
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// varName maps a route name to the stem of the variables generated for
// it. nginx variable names are limited to letters, digits and "_".
func varName(route string) string {
	var b strings.Builder
	b.WriteByte('$')
	for _, r := range route {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func headerVar(name string) string {
	return "$http_" + strings.ReplaceAll(strings.ToLower(name), "-", "_")
}

func locationWords(m ir.PathMatch) []string {
	switch m.Kind {
	case ir.MatchExact:
		return []string{"location", "=", m.Value}
	case ir.MatchRegex:
		return []string{"location", "~", m.Value}
	}
	return []string{"location", m.Value}
}

// mapKey escapes map source values that nginx would read as a regex or
// a special parameter.
func mapKey(s string) string {
	switch s {
	case "default", "hostnames", "include", "volatile":
		return `\` + s
	}
	if strings.HasPrefix(s, "~") || strings.HasPrefix(s, `\`) {
		return `\` + s
	}
	return s
}

func unescapeMapKey(s string) string {
	return strings.TrimPrefix(s, `\`)
}

// formatPercent renders p with the two decimals split_clients accepts.
// exact is false when p needed rounding.
func formatPercent(p values.Percentage) (s string, exact bool) {
	bp := p.Per10000()
	exact = math.Abs(float64(bp)-p.Float()*100) < 1e-6
	return strconv.FormatFloat(float64(bp)/100, 'f', -1, 64) + "%", exact
}

func parsePercent(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || !strings.HasSuffix(s, "%") || f < 0 || f > 100 {
		return 0, false
	}
	return f, true
}

var timeUnits = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'M': 30 * 24 * time.Hour,
	'y': 365 * 24 * time.Hour,
}

// parseTime reads an nginx time value: Go-style units plus d, w, M and
// y, and bare numbers as seconds.
func parseTime(s string) (values.Duration, error) {
	if n := len(s); n > 1 {
		if unit, ok := timeUnits[s[n-1]]; ok {
			if v, err := strconv.ParseFloat(s[:n-1], 64); err == nil && v >= 0 {
				return values.Duration(time.Duration(v * float64(unit))), nil
			}
		}
	}
	return values.ParseDuration(s)
}

// condition splits the condition of an if block, such as
// "($request_method = OPTIONS)", into its words.
func condition(d *xlate.Directive) []string {
	text := strings.TrimSpace(d.ArgString())
	text = strings.TrimSuffix(strings.TrimPrefix(text, "("), ")")
	return strings.Fields(text)
}

// returnsStatus tells whether a block is a lone "return <status>".
func returnsStatus(d *xlate.Directive, status string) bool {
	return len(d.Block) == 1 && d.Block[0].Name() == "return" && d.Block[0].Arg(0) == status
}

// params returns the arguments after the first one.
func params(d *xlate.Directive) []string {
	if args := d.Args(); len(args) > 1 {
		return args[1:]
	}
	return nil
}
