package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/easy"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// MediaType guesses the media type of a configuration file by its
// extension.
func MediaType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return xlate.MediaYAML
	case ".json":
		return xlate.MediaJSON
	default:
		return xlate.MediaText
	}
}

// ReadArtifact loads the artifact of target from path. A directory
// contributes the files the provider knows by name first, then every
// other regular file sorted by name. A single file is the whole
// artifact.
func (r *Registry) ReadArtifact(target capability.Target, path string) (*xlate.Artifact, error) {
	p, err := r.Provider(target)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, errors.WithMessage(err, "read artifact")
	}
	if !st.IsDir() {
		f, err := readFile(path, filepath.Base(path))
		if err != nil {
			return nil, err
		}
		return xlate.NewArtifact(target, f), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.WithMessage(err, "read artifact directory")
	}
	var names []string
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			present[e.Name()] = true
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var ordered []string
	for _, name := range p.Files {
		if present[name] {
			ordered = append(ordered, name)
			delete(present, name)
		}
	}
	for _, name := range names {
		if present[name] {
			ordered = append(ordered, name)
		}
	}
	if len(ordered) == 0 {
		return nil, errors.Errorf("no configuration file in %s", path)
	}

	art := xlate.NewArtifact(target)
	for _, name := range ordered {
		f, err := readFile(filepath.Join(path, name), name)
		if err != nil {
			return nil, err
		}
		art.Files = append(art.Files, f)
	}
	return art, nil
}

func readFile(path, name string) (xlate.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return xlate.File{}, errors.WithMessagef(err, "read %s", name)
	}
	return xlate.File{Name: name, MediaType: MediaType(name), Content: data}, nil
}

// WriteArtifact writes every file of art under dir, creating dir when
// it is missing. It returns the paths written.
func WriteArtifact(art *xlate.Artifact, dir string) ([]string, error) {
	paths := make([]string, 0, len(art.Files))
	for _, f := range art.Files {
		if f.Name == "" || f.Name != filepath.Base(f.Name) {
			return paths, errors.Errorf("invalid artifact file name %q", f.Name)
		}
		out := filepath.Join(dir, f.Name)
		if err := easy.WriteFile(out, f.Content, 0o644); err != nil {
			return paths, errors.WithMessagef(err, "write %s", out)
		}
		paths = append(paths, out)
	}
	return paths, nil
}
