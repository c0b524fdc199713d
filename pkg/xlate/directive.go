package xlate

import (
	"errors"
	"strings"

	"github.com/jxskiss/gopkg/v2/json"
)

var ErrInvalidDirective = errors.New("directive is invalid")

// Directive is one statement of a directive-based configuration: a name,
// its arguments and, for block directives, the nested statements.
type Directive struct {
	Line  int
	Block []*Directive

	full string
	name string
	args []string
}

// NewDirective builds a directive from already tokenized words.
func NewDirective(line int, words ...string) (*Directive, error) {
	if len(words) == 0 {
		return nil, ErrInvalidDirective
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = QuoteWord(w)
	}
	return &Directive{
		Line: line,
		full: strings.Join(quoted, " "),
		name: words[0],
		args: words[1:],
	}, nil
}

// ParseDirective parses a single-line statement such as "listen 80;".
func ParseDirective(s string) (*Directive, error) {
	d := &Directive{}
	if err := d.parse(s); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directive) parse(s string) error {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ErrInvalidDirective
	}

	d.full = s
	d.name = fields[0]
	d.args = fields[1:]
	return nil
}

func (d Directive) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.full)
}

func (d *Directive) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Directive) MarshalYAML() (any, error) {
	return d.full, nil
}

func (d *Directive) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	err := unmarshal(&s)
	if err == nil {
		err = d.parse(s)
	}
	return err
}

func (d *Directive) Name() string {
	return d.name
}

func (d *Directive) Args() []string {
	return d.args
}

// Arg returns the i-th argument or "".
func (d *Directive) Arg(i int) string {
	if i < len(d.args) {
		return d.args[i]
	}
	return ""
}

func (d *Directive) ArgString() string {
	return strings.Join(d.args, " ")
}

func (d *Directive) IsBlock() bool {
	return d.Block != nil
}

// Find returns the first nested directive named name.
func (d *Directive) Find(name string) *Directive {
	for _, c := range d.Block {
		if c.name == name {
			return c
		}
	}
	return nil
}

// FindAll returns every nested directive named name.
func (d *Directive) FindAll(name string) []*Directive {
	var out []*Directive
	for _, c := range d.Block {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func (d *Directive) String() string {
	return d.full
}

// Text renders the directive and its block in nginx syntax, for raw
// fragments.
func (d *Directive) Text() string {
	var b strings.Builder
	d.writeText(&b, "")
	return strings.TrimRight(b.String(), "\n")
}

func (d *Directive) writeText(b *strings.Builder, indent string) {
	b.WriteString(indent + d.full)
	if d.Block == nil {
		b.WriteString(";\n")
		return
	}
	b.WriteString(" {\n")
	for _, c := range d.Block {
		c.writeText(b, indent+"    ")
	}
	b.WriteString(indent + "}\n")
}

// Words splits one line into words. Single and double quotes group
// words, a backslash escapes the next character inside double quotes
// and "#" outside quotes starts a comment.
func Words(line string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '#':
			i = len(line)
		case c == ' ' || c == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		case c == '"' || c == '\'':
			end, text, ok := scanQuoted(line, i)
			if !ok {
				return nil, errors.New("unterminated quoted string")
			}
			cur.WriteString(text)
			inWord = true
			i = end
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

func scanQuoted(s string, start int) (end int, text string, ok bool) {
	q := s[start]
	var b strings.Builder
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		if c == '\\' && q == '"' && i+1 < len(s) {
			i++
			b.WriteByte(s[i])
			continue
		}
		if c == q {
			return i, b.String(), true
		}
		b.WriteByte(c)
	}
	return len(s), "", false
}

// QuoteWord quotes w when it cannot be written as a bare word.
func QuoteWord(w string) string {
	if w != "" && !strings.ContainsAny(w, " \t\"'#;{}\\") {
		return w
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(w) + `"`
}

// ParseBlocks tokenizes block-structured text in nginx syntax. Malformed
// statements are returned as parse errors and skipped; the remaining
// statements are still returned.
func ParseBlocks(file string, data []byte) ([]*Directive, []*ParseError) {
	p := &blockParser{file: file, src: string(data), line: 1}
	root := p.parseBlock(0)
	return root, p.errs
}

type blockParser struct {
	file string
	src  string
	pos  int
	line int
	errs []*ParseError
}

func (p *blockParser) fail(line int, msg string) {
	p.errs = append(p.errs, &ParseError{File: p.file, Line: line, Msg: msg})
}

func (p *blockParser) parseBlock(depth int) []*Directive {
	out := []*Directive{}
	var words []string
	startLine := 0
	flush := func(withBlock bool) *Directive {
		if len(words) == 0 {
			if withBlock {
				p.fail(p.line, "block without a name")
				return &Directive{}
			}
			return nil
		}
		d, _ := NewDirective(startLine, words...)
		words = nil
		return d
	}
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '\n':
			p.line++
			p.pos++
		case c == ' ' || c == '\t' || c == '\r':
			p.pos++
		case c == '#':
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
		case c == ';':
			p.pos++
			if d := flush(false); d != nil {
				out = append(out, d)
			} else {
				p.fail(p.line, "empty statement")
			}
		case c == '{':
			p.pos++
			d := flush(true)
			d.Block = p.parseBlock(depth + 1)
			if d.name != "" {
				out = append(out, d)
			}
		case c == '}':
			p.pos++
			if len(words) > 0 {
				p.fail(startLine, "missing ';' after "+Limit100(strings.Join(words, " ")))
				words = nil
			}
			if depth == 0 {
				p.fail(p.line, "unexpected '}'")
				continue
			}
			return out
		default:
			if len(words) == 0 {
				startLine = p.line
			}
			words = append(words, p.scanWord())
		}
	}
	if len(words) > 0 {
		p.fail(startLine, "missing ';' after "+Limit100(strings.Join(words, " ")))
	}
	if depth > 0 {
		p.fail(p.line, "unexpected end of file, expecting '}'")
	}
	return out
}

func (p *blockParser) scanWord() string {
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case ' ', '\t', '\r', '\n', ';', '{', '}':
			return b.String()
		case '"', '\'':
			end, text, ok := scanQuoted(p.src, p.pos)
			p.line += strings.Count(p.src[p.pos:end], "\n")
			if !ok {
				p.fail(p.line, "unterminated quoted string")
			}
			b.WriteString(text)
			p.pos = end + 1
			continue
		}
		b.WriteByte(c)
		p.pos++
	}
	return b.String()
}
