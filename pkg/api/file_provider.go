package api

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/jxskiss/errors"

	"github.com/jxskiss/gwxlate/pkg/ir"
)

// Provider supplies the authoring document of a topology.
type Provider interface {
	LoadDocument(ctx context.Context) (*Document, error)
}

// NewFileProvider returns a Provider reading the document at path. The
// document may name further service files, resolved relative to its
// directory. Patterns are expanded and sorted.
func NewFileProvider(path string) Provider {
	return &fileProvider{
		indexFile: path,
		rootDir:   filepath.Dir(path),
	}
}

// LoadFile reads the document at path together with its service files.
func LoadFile(path string) (*Document, error) {
	return NewFileProvider(path).LoadDocument(context.Background())
}

type fileProvider struct {
	indexFile string
	rootDir   string
}

func (p *fileProvider) LoadDocument(ctx context.Context) (*Document, error) {
	data, err := os.ReadFile(p.indexFile)
	if err != nil {
		return nil, errors.AddStack(err)
	}
	doc, err := Load(data)
	if err != nil {
		if _, ok := err.(ir.ValidationErrors); ok {
			return nil, err
		}
		return nil, errors.WithMessagef(err, "load %s", p.indexFile)
	}
	if len(doc.ServiceFiles) == 0 {
		return doc, nil
	}
	files, err := p.expandServiceFiles(doc.ServiceFiles)
	if err != nil {
		return nil, err
	}
	services, err := p.readServiceFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	doc.Services = append(doc.Services, services...)
	doc.ServiceFiles = nil
	return doc, nil
}

func (p *fileProvider) expandServiceFiles(patterns []string) ([]string, error) {
	var result []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(p.rootDir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.WithMessagef(err, "service file pattern %q", pattern)
		}
		if len(matches) == 0 {
			return nil, errors.Errorf("service file %s: no such file", pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				result = append(result, m)
			}
		}
	}
	return result, nil
}

func (p *fileProvider) readServiceFiles(ctx context.Context, files []string) ([]*Service, error) {
	result := make([]*Service, 0, len(files))
	for _, srvFile := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(srvFile)
		if err != nil {
			return nil, errors.AddStack(err)
		}
		if err = checkServiceSchema(data, filepath.Base(srvFile)); err != nil {
			return nil, err
		}
		service := &Service{}
		if err = decodeStrict(data, service); err != nil {
			return nil, errors.WithMessagef(err, "read %s", srvFile)
		}
		result = append(result, service)
	}
	return result, nil
}
