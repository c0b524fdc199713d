package xlate

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
)

// ExportFunc lowers a validated topology into an artifact. It records
// every capability decision in ctx and returns an error only when the
// artifact cannot be encoded at all.
type ExportFunc func(ctx *ExportContext, topo *ir.Topology) (*Artifact, error)

// ImportFunc raises an artifact into ctx.Builder. It must not give up on
// the first unrecognized or malformed construct.
type ImportFunc func(ctx *ImportContext, art *Artifact)

// Provider binds one target to its exporter, importer and capability
// table.
type Provider struct {
	Target       capability.Target
	Description  string
	Files        []string
	Capabilities capability.Table
	Export       ExportFunc
	Import       ImportFunc
}
