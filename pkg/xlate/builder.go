package xlate

import (
	"strconv"
	"strings"

	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/report"
)

// TopologyBuilder assembles a partial topology from imported pieces.
// Services are kept in first-seen order. Invalid services are dropped
// one by one instead of failing the whole import.
type TopologyBuilder struct {
	Global ir.Global

	services []*ir.Service
	index    map[string]*ir.Service
	origins  map[string]string
}

func NewTopologyBuilder() *TopologyBuilder {
	return &TopologyBuilder{
		index:   make(map[string]*ir.Service),
		origins: make(map[string]string),
	}
}

// Service returns the service named name, creating it on first use.
// origin locates the service in the source artifact for diagnostics.
func (b *TopologyBuilder) Service(name, origin string) *ir.Service {
	if svc := b.index[name]; svc != nil {
		return svc
	}
	svc := &ir.Service{Name: name}
	b.services = append(b.services, svc)
	b.index[name] = svc
	b.origins[name] = origin
	return svc
}

// Lookup returns an existing service or nil.
func (b *TopologyBuilder) Lookup(name string) *ir.Service {
	return b.index[name]
}

// AddRoute appends route to the service named service.
func (b *TopologyBuilder) AddRoute(service string, route *ir.Route) {
	svc := b.Service(service, "")
	svc.Routes = append(svc.Routes, route)
}

// FindRoute returns the route named name in any service.
func (b *TopologyBuilder) FindRoute(name string) (*ir.Service, *ir.Route) {
	for _, svc := range b.services {
		for _, r := range svc.Routes {
			if r.Name == name {
				return svc, r
			}
		}
	}
	return nil, nil
}

func (b *TopologyBuilder) Services() []*ir.Service {
	return b.services
}

// Build validates each service on its own, drops the invalid ones with
// an error entry and constructs the topology from the rest.
func (b *TopologyBuilder) Build(rep *report.Report) *ir.Topology {
	var valid []*ir.Service
	for _, svc := range b.services {
		origin := b.origins[svc.Name]
		if origin == "" {
			origin = "service " + svc.Name
		}
		if len(svc.Routes) == 0 {
			rep.Warnf("", origin, "service %s has no routes, skipped", svc.Name)
			continue
		}
		ir.NormalizeService(svc)
		if errs := ir.ValidateService(svc, origin); len(errs) > 0 {
			rep.Errorf("", origin, "service %s dropped: %v", svc.Name, errs)
			continue
		}
		valid = append(valid, svc)
	}
	if len(valid) == 0 {
		rep.Errorf("", "", "no service could be imported")
		return nil
	}
	seen := make(map[string]bool)
	for _, svc := range valid {
		for _, r := range svc.Routes {
			name := r.Name
			for i := 2; seen[name]; i++ {
				name = r.Name + "-" + strconv.Itoa(i)
			}
			if name != r.Name {
				rep.Warnf("", "route "+r.Name, "duplicate route name renamed to %s", name)
				r.Name = name
			}
			seen[name] = true
		}
	}
	topo, err := ir.NewTopology(b.Global, valid)
	if err != nil {
		rep.Errorf("", "", "invalid topology: %v", err)
		return nil
	}
	return topo
}

// SanitizeName maps s to a valid IR name: runs of characters outside
// [A-Za-z0-9._-] become "-", derived-name separators are collapsed.
func SanitizeName(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range s {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-' || r == '_'
		if !ok {
			if !dash {
				b.WriteByte('-')
				dash = true
			}
			continue
		}
		b.WriteRune(r)
		dash = false
	}
	out := strings.Trim(b.String(), "-._")
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	if out == "" {
		out = "unnamed"
	}
	return out
}

// CollapseWeights clears target weights when they are all equal, so that
// targets which always print a weight import as plain round robin.
func CollapseWeights(up *ir.Upstream) {
	if len(up.Targets) == 0 {
		return
	}
	first := up.Targets[0].EffectiveWeight()
	for _, t := range up.Targets[1:] {
		if t.EffectiveWeight() != first {
			return
		}
	}
	for i := range up.Targets {
		up.Targets[i].Weight = 0
	}
	if up.Algorithm == ir.Weighted {
		up.Algorithm = ir.RoundRobin
	}
}

// NormalizeWeights scales split weights that sum to total so that they
// sum to 100. Rounding remainders go to the first target; a zero total
// splits evenly.
func NormalizeWeights(targets []ir.SplitTarget, total int) {
	if len(targets) == 0 {
		return
	}
	if total <= 0 {
		for i := range targets {
			targets[i].Weight = 100 / len(targets)
		}
		targets[0].Weight += 100 - 100/len(targets)*len(targets)
		return
	}
	sum := 0
	for i := range targets {
		targets[i].Weight = targets[i].Weight * 100 / total
		sum += targets[i].Weight
	}
	targets[0].Weight += 100 - sum
}
