package xlate

import (
	"fmt"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/report"
)

// ExportContext carries the capability registry and the report of one
// export call.
type ExportContext struct {
	Target capability.Target
	Caps   *capability.Registry
	Report *report.Report
}

func NewExportContext(target capability.Target, caps *capability.Registry) *ExportContext {
	return &ExportContext{
		Target: target,
		Caps:   caps,
		Report: report.New(target, report.OpExport),
	}
}

// Support looks up feature for the export target. Approximated and
// unsupported features are recorded as warnings at path; the caller
// branches on the returned level.
func (c *ExportContext) Support(feature capability.Feature, path string) capability.Entry {
	e := c.Caps.Lookup(c.Target, feature)
	switch e.Level {
	case capability.Approximated:
		c.Report.Warnf(feature, path, "approximated: %s", e.Strategy)
	case capability.Unsupported:
		c.Report.Warnf(feature, path, "omitted: %s", e.Reason)
	}
	return e
}

// Level returns the support level without recording anything.
func (c *ExportContext) Level(feature capability.Feature) capability.Level {
	return c.Caps.Lookup(c.Target, feature).Level
}

func (c *ExportContext) Warnf(feature capability.Feature, path, format string, args ...any) {
	c.Report.Warnf(feature, path, format, args...)
}

func (c *ExportContext) Errorf(feature capability.Feature, path, format string, args ...any) {
	c.Report.Errorf(feature, path, format, args...)
}

func (c *ExportContext) Infof(feature capability.Feature, path, format string, args ...any) {
	c.Report.Infof(feature, path, format, args...)
}

// CheckUpstream records the support decisions shared by every exporter
// for an upstream: target count, algorithm and health checks.
func (c *ExportContext) CheckUpstream(up *ir.Upstream, path string) {
	if len(up.Targets) > 1 {
		c.Support(capability.UpstreamMultipleTargets, path+".targets")
	}
	c.Support(capability.AlgorithmFeature(up.Algorithm), path+".algorithm")
	if hc := up.HealthCheck; hc != nil {
		if hc.Active != nil {
			c.Support(capability.UpstreamActiveHealth, path+".health_check.active")
		}
		if hc.Passive != nil {
			c.Support(capability.UpstreamPassiveHealth, path+".health_check.passive")
		}
	}
}

// CheckRoute records the support decisions for the route matcher.
func (c *ExportContext) CheckRoute(route *ir.Route, path string) {
	c.Support(capability.MatchFeature(route.Match.Kind), path+".match")
	if !route.Methods.Any() {
		c.Support(capability.RouteMethods, path+".methods")
	}
}

func ServicePath(si int) string {
	return fmt.Sprintf("services[%d]", si)
}

func RoutePath(si, ri int) string {
	return fmt.Sprintf("services[%d].routes[%d]", si, ri)
}

func PolicyPath(si, ri int, kind ir.PolicyKind) string {
	return RoutePath(si, ri) + "." + string(kind)
}

// ServicePolicy returns the first policy of type T among the routes of
// svc, for targets that can express it only once per service. Later
// routes carrying a different policy get a warning. ok is false when no
// route has one.
func ServicePolicy[T ir.Policy](ctx *ExportContext, si int, svc *ir.Service, feature capability.Feature, equal func(a, b T) bool) (policy T, ri int, ok bool) {
	for i, r := range svc.Routes {
		p, has := ir.PolicyOf[T](r)
		if !has {
			continue
		}
		if !ok {
			policy, ri, ok = p, i, true
			continue
		}
		if !equal(policy, p) {
			ctx.Warnf(feature, PolicyPath(si, i, p.Kind()),
				"applies to the whole service, the one of route %s is used", svc.Routes[ri].Name)
		}
	}
	return policy, ri, ok
}
