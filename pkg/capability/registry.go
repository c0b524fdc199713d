package capability

import (
	"fmt"
	"sort"
)

type Level int

const (
	Unsupported Level = iota
	Approximated
	Native
)

func (l Level) String() string {
	switch l {
	case Native:
		return "native"
	case Approximated:
		return "approximated"
	}
	return "unsupported"
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Entry is the support level of one feature on one target. Strategy
// describes the approximation, Reason why a feature is unsupported.
type Entry struct {
	Target   Target  `json:"target" yaml:"target"`
	Feature  Feature `json:"feature" yaml:"feature"`
	Level    Level   `json:"level" yaml:"level"`
	Strategy string  `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Reason   string  `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (e Entry) IsNative() bool { return e.Level == Native }

func (e Entry) IsSupported() bool { return e.Level != Unsupported }

// Note returns the strategy or the reason, whichever applies.
func (e Entry) Note() string {
	if e.Level == Approximated {
		return e.Strategy
	}
	return e.Reason
}

const NotModeled = "not modeled"

// Row is one line of a static capability table.
type Row struct {
	Feature Feature
	Level   Level
	Note    string
}

func NativeRow(f Feature) Row { return Row{Feature: f, Level: Native} }

func ApproxRow(f Feature, strategy string) Row {
	return Row{Feature: f, Level: Approximated, Note: strategy}
}

func UnsupportedRow(f Feature, reason string) Row {
	return Row{Feature: f, Level: Unsupported, Note: reason}
}

// Table is the capability declaration of one target.
type Table struct {
	Target Target
	Rows   []Row
}

// Registry is an immutable index of capability tables.
type Registry struct {
	targets []Target
	entries map[Target]map[Feature]Entry
}

// NewRegistry indexes the given tables. A target may appear only once
// and a feature only once per table.
func NewRegistry(tables ...Table) (*Registry, error) {
	r := &Registry{entries: make(map[Target]map[Feature]Entry, len(tables))}
	for _, tbl := range tables {
		if _, dup := r.entries[tbl.Target]; dup {
			return nil, fmt.Errorf("duplicate capability table for target %s", tbl.Target)
		}
		m := make(map[Feature]Entry, len(tbl.Rows))
		for _, row := range tbl.Rows {
			if _, dup := m[row.Feature]; dup {
				return nil, fmt.Errorf("target %s: duplicate feature %s", tbl.Target, row.Feature)
			}
			e := Entry{Target: tbl.Target, Feature: row.Feature, Level: row.Level}
			switch row.Level {
			case Approximated:
				e.Strategy = row.Note
			case Unsupported:
				e.Reason = row.Note
			}
			m[row.Feature] = e
		}
		r.targets = append(r.targets, tbl.Target)
		r.entries[tbl.Target] = m
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(tables ...Table) *Registry {
	r, err := NewRegistry(tables...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the support entry for (target, feature). Unknown pairs
// are unsupported with reason "not modeled".
func (r *Registry) Lookup(target Target, feature Feature) Entry {
	if e, ok := r.entries[target][feature]; ok {
		return e
	}
	return Entry{Target: target, Feature: feature, Level: Unsupported, Reason: NotModeled}
}

// Targets returns the registered targets in registration order.
func (r *Registry) Targets() []Target {
	return append([]Target(nil), r.targets...)
}

func (r *Registry) Has(target Target) bool {
	_, ok := r.entries[target]
	return ok
}

// Entries returns every entry of target: the canonical features first,
// then any extra declared features sorted by key.
func (r *Registry) Entries(target Target) []Entry {
	out := make([]Entry, 0, len(AllFeatures))
	known := make(map[Feature]bool, len(AllFeatures))
	for _, f := range AllFeatures {
		known[f] = true
		out = append(out, r.Lookup(target, f))
	}
	var extra []Entry
	for f, e := range r.entries[target] {
		if !known[f] {
			extra = append(extra, e)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Feature < extra[j].Feature })
	return append(out, extra...)
}

// Count returns how many canonical features target supports at each level.
func (r *Registry) Count(target Target) map[Level]int {
	out := make(map[Level]int, 3)
	for _, f := range AllFeatures {
		out[r.Lookup(target, f).Level]++
	}
	return out
}
