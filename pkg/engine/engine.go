package engine

import (
	"context"
	"runtime"

	"github.com/jxskiss/errors"
	"golang.org/x/sync/errgroup"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/report"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// ExportResult is the outcome of one export. Artifact must not be
// written when Report has errors.
type ExportResult struct {
	Target   capability.Target
	Artifact *xlate.Artifact
	Report   *report.Report
}

// Err returns the error entries of the report combined, or nil.
func (r *ExportResult) Err() error {
	return r.Report.Err()
}

// Export lowers topo into the artifact of target. The returned error is
// set only when the target is unknown or the artifact cannot be
// encoded; unsupported features end up in the report.
func (r *Registry) Export(topo *ir.Topology, target capability.Target) (*ExportResult, error) {
	p, err := r.Provider(target)
	if err != nil {
		return nil, err
	}
	if topo == nil {
		return nil, errors.New("export: nil topology")
	}
	ctx := xlate.NewExportContext(target, r.caps)
	art, err := p.Export(ctx, topo)
	if err != nil {
		return nil, errors.WithMessagef(err, "export %s", target)
	}
	r.log.Debugf("exported %d service(s) to %s: %d file(s), %d bytes, digest %s",
		len(topo.Services), target, len(art.Names()), art.Size(), art.DigestHex())
	return &ExportResult{Target: target, Artifact: art, Report: ctx.Report}, nil
}

// ExportAll exports topo to every given target, or to every registered
// target when none is given. Exports run in parallel and share topo
// read-only. Results are in the order of targets.
func (r *Registry) ExportAll(ctx context.Context, topo *ir.Topology, targets ...capability.Target) ([]*ExportResult, error) {
	if len(targets) == 0 {
		targets = r.targets
	}
	for _, t := range targets {
		if _, err := r.Provider(t); err != nil {
			return nil, err
		}
	}
	results := make([]*ExportResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, t := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := r.Export(topo, t)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Import raises art into a topology. Malformed or unrecognized parts
// are reported and skipped; the result topology is nil only when
// nothing could be imported.
func (r *Registry) Import(target capability.Target, art *xlate.Artifact) (*xlate.ImportResult, error) {
	p, err := r.Provider(target)
	if err != nil {
		return nil, err
	}
	if art == nil || len(art.Files) == 0 {
		return nil, errors.Errorf("import %s: empty artifact", target)
	}
	ctx := xlate.NewImportContext(target, r.caps)
	p.Import(ctx, art)
	res := ctx.Result()
	services := 0
	if res.Topology != nil {
		services = len(res.Topology.Services)
	}
	r.log.Debugf("imported %d service(s) from %s, %d unrecognized fragment(s)",
		services, target, len(res.Unrecognized))
	return res, nil
}

// Validate runs the export of topo to target without keeping the
// artifact, for a compatibility report.
func (r *Registry) Validate(topo *ir.Topology, target capability.Target) (*report.Report, error) {
	res, err := r.Export(topo, target)
	if err != nil {
		return nil, err
	}
	return res.Report, nil
}

// Translate imports art from one target and exports the result to
// another. The import report is returned alongside the export result.
func (r *Registry) Translate(from capability.Target, art *xlate.Artifact, to capability.Target) (*ExportResult, *xlate.ImportResult, error) {
	imported, err := r.Import(from, art)
	if err != nil {
		return nil, nil, err
	}
	if imported.Topology == nil {
		return nil, imported, errors.Errorf("nothing could be imported from %s", from)
	}
	res, err := r.Export(imported.Topology, to)
	if err != nil {
		return nil, imported, err
	}
	return res, imported, nil
}
