// Package xlate holds the scaffolding shared by every target provider:
// artifacts, the provider descriptor, export and import contexts, the
// partial topology builder, naming rules and snippet templates.
package xlate

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/jxskiss/gwxlate/pkg/capability"
)

// File is one generated or imported configuration file.
type File struct {
	Name      string
	MediaType string
	Content   []byte
}

const (
	MediaYAML = "application/yaml"
	MediaJSON = "application/json"
	MediaText = "text/plain"
)

// Artifact is the output of one export, or the input of one import.
// The first file is the primary one.
type Artifact struct {
	Target capability.Target
	Files  []File
}

func NewArtifact(target capability.Target, files ...File) *Artifact {
	return &Artifact{Target: target, Files: files}
}

// Primary returns the first file.
func (a *Artifact) Primary() File {
	if len(a.Files) == 0 {
		return File{}
	}
	return a.Files[0]
}

// File returns the file named name.
func (a *Artifact) File(name string) (File, bool) {
	for _, f := range a.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// Digest hashes file names and contents in file order. Two exports of
// the same topology have the same digest.
func (a *Artifact) Digest() uint64 {
	h := xxhash.New()
	for _, f := range a.Files {
		_, _ = h.WriteString(f.Name)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(f.Content)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func (a *Artifact) DigestHex() string {
	return fmt.Sprintf("%016x", a.Digest())
}

// Names returns the file names sorted.
func (a *Artifact) Names() []string {
	out := make([]string, 0, len(a.Files))
	for _, f := range a.Files {
		out = append(out, f.Name)
	}
	sort.Strings(out)
	return out
}

// Size is the total content length.
func (a *Artifact) Size() int {
	n := 0
	for _, f := range a.Files {
		n += len(f.Content)
	}
	return n
}

// StableID derives a short deterministic identifier from parts, used
// where a target requires opaque ids or a snippet needs a stable salt.
func StableID(parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(p)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%08x", uint32(h.Sum64()))
}
