package xlate

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/json"
)

// Lang is the scripting language of a snippet. It decides the comment
// syntax of the marker line.
type Lang int

const (
	Lua Lang = iota
	CSharp
	VTL
)

const markerPrefix = "gwxlate:"

// Snippet is a versioned template for generated script code. Every
// user-provided string reaches the output through an escaping function.
//
// Rendered snippets start with a marker comment carrying the snippet
// name, version and parameters as JSON, which importers use to recover
// the parameters.
type Snippet struct {
	Name    string
	Version int
	Lang    Lang
	tmpl    *template.Template
}

var snippetFuncs = template.FuncMap{
	"lua":  LuaQuote,
	"cs":   CSharpQuote,
	"vtl":  VTLQuote,
	"json": JSONQuote,
}

// NewSnippet parses text as a text/template. It panics on a malformed
// template, snippets are declared as package variables.
func NewSnippet(name string, version int, lang Lang, text string) *Snippet {
	tmpl := template.Must(template.New(name).Funcs(snippetFuncs).Parse(text))
	return &Snippet{Name: name, Version: version, Lang: lang, tmpl: tmpl}
}

// Render executes the template with params.
func (s *Snippet) Render(params any) (string, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return "", errors.WithMessagef(err, "marshal %s snippet params", s.Name)
	}
	var buf bytes.Buffer
	buf.WriteString(s.marker(payload))
	buf.WriteByte('\n')
	if err = s.tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("cannot execute template (%s): %w", s.Name, err)
	}
	return buf.String(), nil
}

func (s *Snippet) marker(payload []byte) string {
	text := fmt.Sprintf("%s%s/v%d %s", markerPrefix, s.Name, s.Version, payload)
	switch s.Lang {
	case CSharp:
		return "/* " + strings.ReplaceAll(text, "*/", `*\/`) + " */"
	case VTL:
		return "## " + text
	}
	return "-- " + text
}

// DecodeSnippet finds the marker of snippet name in text and unmarshals
// its parameters into params. It reports whether a marker was found.
func DecodeSnippet(text, name string, params any) (version int, found bool, err error) {
	idx := strings.Index(text, markerPrefix+name+"/v")
	if idx < 0 {
		return 0, false, nil
	}
	line := text[idx+len(markerPrefix)+len(name)+2:]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), "*/"))
	verStr, payload, _ := strings.Cut(line, " ")
	version, err = strconv.Atoi(verStr)
	if err != nil {
		return 0, true, fmt.Errorf("invalid %s snippet version %q", name, verStr)
	}
	if err = json.Unmarshal([]byte(payload), params); err != nil {
		return version, true, errors.WithMessagef(err, "decode %s snippet params", name)
	}
	return version, true, nil
}

// LuaQuote renders s as a double-quoted Lua string literal. Control
// characters use decimal escapes, which every Lua version accepts.
func LuaQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\%03d`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// CSharpQuote renders s as a regular C# string literal.
func CSharpQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// VTLQuote renders s as a single-quoted Velocity string, which is never
// interpolated.
func VTLQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// JSONQuote renders s as a JSON string.
func JSONQuote(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}
