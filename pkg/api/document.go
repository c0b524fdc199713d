// Package api defines the YAML authoring document of a gateway topology
// and converts it to and from the intermediate representation.
package api

import (
	"bytes"

	"github.com/jxskiss/errors"
	"gopkg.in/yaml.v3"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// Document is one authoring file. Services may be listed inline, or in
// separate files named by ServiceFiles relative to the document.
type Document struct {
	Version      string     `json:"version,omitempty" yaml:"version,omitempty"`
	Provider     string     `json:"provider,omitempty" yaml:"provider,omitempty"`
	Global       ir.Global  `json:"global,omitempty" yaml:"global,omitempty"`
	Services     []*Service `json:"services,omitempty" yaml:"services,omitempty"`
	ServiceFiles []string   `json:"service_files,omitempty" yaml:"service_files,omitempty"`
}

// Load checks data against the document schema and decodes it. Service
// files are not followed, see LoadFile for that.
func Load(data []byte) (*Document, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}
	doc := &Document{}
	if err := decodeStrict(data, doc); err != nil {
		return nil, err
	}
	if doc.Version != "" && doc.Version != ir.CurrentVersion {
		return nil, errors.Errorf("unsupported document version %q", doc.Version)
	}
	return doc, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errors.WithMessage(err, "decode document")
	}
	return nil
}

// Target resolves the provider selector. It is empty when the document
// does not name one.
func (d *Document) Target() (capability.Target, error) {
	if d.Provider == "" {
		return "", nil
	}
	return capability.ParseTarget(d.Provider)
}

// ToTopology builds the validated topology of d. Service level policies
// are inherited by routes before validation. The error is an
// ir.ValidationErrors when the document breaks an invariant.
func (d *Document) ToTopology() (*ir.Topology, error) {
	if len(d.ServiceFiles) > 0 {
		return nil, errors.New("service_files are not loaded, use LoadFile")
	}
	services := make([]*ir.Service, 0, len(d.Services))
	for _, s := range d.Services {
		if s == nil {
			continue
		}
		svc := &ir.Service{
			Name:     s.Name,
			Protocol: s.Protocol,
			Upstream: s.Upstream,
		}
		for _, r := range s.Routes {
			if r == nil {
				continue
			}
			policies := r.Policies
			policies.Inherit(&s.Policies)
			svc.Routes = append(svc.Routes, &ir.Route{
				Name:     r.Name,
				Match:    ir.PathMatch{Kind: r.Match, Value: r.Path},
				Methods:  r.Methods,
				Policies: policies.List(),
			})
		}
		services = append(services, svc)
	}
	return ir.NewTopology(d.Global, services)
}

// FromTopology renders topo as a document for target. Every policy is
// written on its route.
func FromTopology(topo *ir.Topology, target capability.Target) *Document {
	doc := &Document{
		Version:  ir.CurrentVersion,
		Provider: string(target),
		Global:   topo.Global,
	}
	for _, svc := range topo.Services {
		s := &Service{
			Name:     svc.Name,
			Protocol: svc.Protocol,
			Upstream: svc.Upstream,
		}
		for _, route := range svc.Routes {
			r := &Route{
				Name:    route.Name,
				Path:    route.Match.Value,
				Match:   route.Match.Kind,
				Methods: route.Methods,
			}
			for _, p := range route.Policies {
				r.Set(p)
			}
			s.Routes = append(s.Routes, r)
		}
		doc.Services = append(doc.Services, s)
	}
	return doc
}

// Marshal renders d as YAML with the generated-file header.
func Marshal(d *Document, header ...string) ([]byte, error) {
	return xlate.EncodeYAML(d, header...)
}
