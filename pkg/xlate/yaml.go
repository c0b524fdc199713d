package xlate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jxskiss/errors"
	"gopkg.in/yaml.v3"
)

// GeneratedHeader starts every artifact format that allows comments.
const GeneratedHeader = "This file is auto generated by gwxlate, do not edit."

// MapItem is one key of an OrderedMap.
type MapItem struct {
	Key   string
	Value any
}

// OrderedMap marshals to a YAML mapping with keys in insertion order.
type OrderedMap []MapItem

// Set replaces the value of key or appends it.
func (m *OrderedMap) Set(key string, value any) {
	for i := range *m {
		if (*m)[i].Key == key {
			(*m)[i].Value = value
			return
		}
	}
	*m = append(*m, MapItem{Key: key, Value: value})
}

func (m OrderedMap) Get(key string) (any, bool) {
	for _, it := range m {
		if it.Key == key {
			return it.Value, true
		}
	}
	return nil, false
}

func (m OrderedMap) Len() int { return len(m) }

func (m OrderedMap) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, it := range m {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: it.Key}
		valueNode := &yaml.Node{}
		if err := valueNode.Encode(it.Value); err != nil {
			return nil, errors.WithMessagef(err, "encoding key %s", it.Key)
		}
		node.Content = append(node.Content, keyNode, valueNode)
	}
	return node, nil
}

// EncodeYAML renders data with a two-space indent, prefixed with the
// generated-file header comment.
func EncodeYAML(data any, extraHeader ...string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# " + GeneratedHeader + "\n")
	for _, h := range extraHeader {
		buf.WriteString("# " + h + "\n")
	}
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return nil, errors.WithMessage(err, "encoding yaml")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.AddStack(err)
	}
	return buf.Bytes(), nil
}

// ParseYAMLDocument decodes data into a node tree. The returned node is
// the top-level mapping or sequence, never the document node.
func ParseYAMLDocument(file string, data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{File: file, Line: yamlErrorLine(err), Msg: "invalid YAML", Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &ParseError{File: file, Msg: "empty document"}
	}
	return doc.Content[0], nil
}

func yamlErrorLine(err error) int {
	var line int
	msg := err.Error()
	if i := strings.Index(msg, "line "); i >= 0 {
		_, _ = fmt.Sscanf(msg[i:], "line %d", &line)
	}
	return line
}

// MapValue returns the value node of key in a mapping node.
func MapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// MapPath follows a chain of keys through nested mappings.
func MapPath(node *yaml.Node, keys ...string) *yaml.Node {
	for _, k := range keys {
		node = MapValue(node, k)
		if node == nil {
			return nil
		}
	}
	return node
}

// MapEach calls fn for each key/value pair of a mapping node in order.
func MapEach(node *yaml.Node, fn func(key string, value *yaml.Node)) {
	if node == nil || node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		fn(node.Content[i].Value, node.Content[i+1])
	}
}

// SeqEach calls fn for each item of a sequence node.
func SeqEach(node *yaml.Node, fn func(i int, item *yaml.Node)) {
	if node == nil || node.Kind != yaml.SequenceNode {
		return
	}
	for i, item := range node.Content {
		fn(i, item)
	}
}

// NodeText re-encodes node as YAML text, for raw fragments.
func NodeText(node *yaml.Node) string {
	if node == nil {
		return ""
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return node.Value
	}
	return strings.TrimRight(string(out), "\n")
}

// ScalarString returns the value of a scalar node, or "".
func ScalarString(node *yaml.Node) string {
	if node == nil || node.Kind != yaml.ScalarNode {
		return ""
	}
	return node.Value
}

// KnownKeys reports every key of a mapping node that is not in known as
// an unrecognized fragment.
func (c *ImportContext) KnownKeys(node *yaml.Node, path string, known ...string) {
	MapEach(node, func(key string, value *yaml.Node) {
		for _, k := range known {
			if k == key {
				return
			}
		}
		c.Unrecognized(RawFragment{
			Kind:   "key " + key,
			Path:   NextPath(path, key),
			Line:   value.Line,
			Column: value.Column,
			Text:   key + ": " + NodeText(value),
		})
	})
}
