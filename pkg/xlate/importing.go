package xlate

import (
	"fmt"
	"strings"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/report"
)

// RawFragment is a construct the importer recognized syntactically but
// could not map to the IR. Text is the verbatim source.
type RawFragment struct {
	Kind   string `json:"kind" yaml:"kind"`
	Path   string `json:"path" yaml:"path"`
	Line   int    `json:"line,omitempty" yaml:"line,omitempty"`
	Column int    `json:"column,omitempty" yaml:"column,omitempty"`
	Text   string `json:"text" yaml:"text"`
}

// ParseError is a malformed part of an imported artifact. It is local to
// the smallest unit the importer could skip.
type ParseError struct {
	File   string
	Path   string
	Line   int
	Column int
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse error")
	if e.File != "" {
		b.WriteString(" in " + e.File)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&b, ":%d", e.Column)
		}
	}
	if e.Path != "" {
		b.WriteString(" (" + e.Path + ")")
	}
	b.WriteString(": " + e.Msg)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// ImportContext collects the partial topology, the unrecognized
// fragments and the report of one import call.
type ImportContext struct {
	Target  capability.Target
	Caps    *capability.Registry
	Report  *report.Report
	Builder *TopologyBuilder

	fragments []RawFragment
}

func NewImportContext(target capability.Target, caps *capability.Registry) *ImportContext {
	return &ImportContext{
		Target:  target,
		Caps:    caps,
		Report:  report.New(target, report.OpImport),
		Builder: NewTopologyBuilder(),
	}
}

// Unrecognized captures a construct verbatim and records a warning.
func (c *ImportContext) Unrecognized(frag RawFragment) {
	c.fragments = append(c.fragments, frag)
	c.Report.Add(report.Entry{
		Severity: report.Warning,
		Path:     frag.Path,
		Line:     frag.Line,
		Message:  "unrecognized " + frag.Kind + " kept as raw fragment",
	})
}

// ParseFailed records a malformed unit as an error entry.
func (c *ImportContext) ParseFailed(err *ParseError) {
	c.Report.Add(report.Entry{
		Severity: report.Error,
		Path:     err.Path,
		Line:     err.Line,
		Message:  err.Error(),
	})
}

// Lossy records a construct that was mapped with loss of precision.
func (c *ImportContext) Lossy(feature capability.Feature, path string, line int, format string, args ...any) {
	c.Report.Add(report.Entry{
		Severity: report.Warning,
		Feature:  feature,
		Path:     path,
		Line:     line,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (c *ImportContext) Fragments() []RawFragment {
	return append([]RawFragment(nil), c.fragments...)
}

// ImportResult is what one import call produces. Topology is nil when no
// service could be reconstructed.
type ImportResult struct {
	Topology     *ir.Topology
	Unrecognized []RawFragment
	Report       *report.Report
}

// Result builds the partial topology and returns the import result.
func (c *ImportContext) Result() *ImportResult {
	return &ImportResult{
		Topology:     c.Builder.Build(c.Report),
		Unrecognized: c.Fragments(),
		Report:       c.Report,
	}
}
