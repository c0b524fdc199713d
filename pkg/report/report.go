// Package report collects the compatibility findings of one export or
// import call.
package report

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/jxskiss/gwxlate/pkg/capability"
)

// Severity orders entries: errors sort before warnings, warnings before
// infos.
type Severity int

const (
	Error Severity = iota
	Warning
	Info
)

func (s Severity) String() string {
	switch s {
	case Error:
		return "error"
	case Warning:
		return "warning"
	}
	return "info"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is one finding. Path is an IR field path for exports and a
// location inside the artifact for imports; Line is set when known.
type Entry struct {
	Severity Severity           `json:"severity" yaml:"severity"`
	Feature  capability.Feature `json:"feature,omitempty" yaml:"feature,omitempty"`
	Path     string             `json:"path,omitempty" yaml:"path,omitempty"`
	Message  string             `json:"message" yaml:"message"`
	Line     int                `json:"line,omitempty" yaml:"line,omitempty"`
}

func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Severity.String())
	if e.Feature != "" {
		b.WriteString(" [" + string(e.Feature) + "]")
	}
	if e.Path != "" {
		b.WriteString(" " + e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}
	b.WriteString(": " + e.Message)
	return b.String()
}

type Op string

const (
	OpExport Op = "export"
	OpImport Op = "import"
)

// Report is not safe for concurrent use; each translation call owns one.
type Report struct {
	Target  capability.Target `json:"target" yaml:"target"`
	Op      Op                `json:"op" yaml:"op"`
	entries []Entry
}

func New(target capability.Target, op Op) *Report {
	return &Report{Target: target, Op: op}
}

func (r *Report) Add(e Entry) {
	r.entries = append(r.entries, e)
}

func (r *Report) Errorf(feature capability.Feature, path, format string, args ...any) {
	r.Add(Entry{Severity: Error, Feature: feature, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) Warnf(feature capability.Feature, path, format string, args ...any) {
	r.Add(Entry{Severity: Warning, Feature: feature, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) Infof(feature capability.Feature, path, format string, args ...any) {
	r.Add(Entry{Severity: Info, Feature: feature, Path: path, Message: fmt.Sprintf(format, args...)})
}

// Merge appends all entries of other.
func (r *Report) Merge(other *Report) {
	if other != nil {
		r.entries = append(r.entries, other.entries...)
	}
}

func (r *Report) Len() int { return len(r.entries) }

func (r *Report) Count(sev Severity) int {
	n := 0
	for _, e := range r.entries {
		if e.Severity == sev {
			n++
		}
	}
	return n
}

func (r *Report) HasErrors() bool { return r.Count(Error) > 0 }

func (r *Report) HasWarnings() bool { return r.Count(Warning) > 0 }

// Entries returns the entries sorted by severity, then feature key.
// Entries that compare equal keep their insertion order.
func (r *Report) Entries() []Entry {
	out := append([]Entry(nil), r.entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity < out[j].Severity
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

// Filter returns the sorted entries of one severity.
func (r *Report) Filter(sev Severity) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Severity == sev {
			out = append(out, e)
		}
	}
	return out
}

// Err combines all error entries into one error, or returns nil.
func (r *Report) Err() error {
	var err error
	for _, e := range r.Filter(Error) {
		err = multierr.Append(err, &UnsupportedFeatureError{Target: r.Target, Entry: e})
	}
	return err
}

// Warnings returns one UnsupportedFeatureWarning per warning entry.
func (r *Report) Warnings() []*UnsupportedFeatureWarning {
	var out []*UnsupportedFeatureWarning
	for _, e := range r.Filter(Warning) {
		out = append(out, &UnsupportedFeatureWarning{Target: r.Target, Entry: e})
	}
	return out
}

// Summary is a one-line count of entries by severity.
func (r *Report) Summary() string {
	return fmt.Sprintf("%s %s: %d error(s), %d warning(s), %d info(s)",
		r.Op, r.Target, r.Count(Error), r.Count(Warning), r.Count(Info))
}

func (r *Report) String() string {
	var b strings.Builder
	b.WriteString(r.Summary())
	for _, e := range r.Entries() {
		b.WriteString("\n  ")
		b.WriteString(e.String())
	}
	return b.String()
}

// MarshalYAML renders the report with its sorted entries.
func (r *Report) MarshalYAML() (any, error) {
	return struct {
		Target  capability.Target `yaml:"target"`
		Op      Op                `yaml:"op"`
		Entries []Entry           `yaml:"entries"`
	}{r.Target, r.Op, r.Entries()}, nil
}
