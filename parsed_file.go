package blade

import (
	"path/filepath"
	"strings"
)

// ParsedFile is the immutable result of parsing one template source.
type ParsedFile struct {
	Name string
	// Raw is the raw file content
	Raw string
	// Extends is the parent template id, empty when the template stands alone
	Extends     string
	ExtendsLine int
	// Sections lists section declarations in source order; later ones win
	Sections []*SectionDecl
	// Yields is a map of yielded section names to their default content
	Yields map[string]string
	// Components is the set of component templates referenced by the file
	Components map[string]struct{}
	// Body is the top level content, outside any section
	Body []node
}

// SectionDecl is a single @section declaration.
type SectionDecl struct {
	Name string
	Line int
	// Captured is true for the @section(name)...@endsection form.
	Captured bool
	// Raw is the captured body text, or the literal value of the two argument form.
	Raw   string
	body  []node
	value *expression
}

type node interface {
	nodeLine() int
}

type textNode struct {
	text string
	line int
}

type echoNode struct {
	expr *expression
	line int
}

type condBranch struct {
	cond *expression
	body []node
	line int
}

type ifNode struct {
	branches []condBranch
	elseBody []node
	line     int
}

type forNode struct {
	varName string
	init    *expression
	cond    *expression
	step    assignment
	body    []node
	line    int
}

// assignment sets a loop local to the value of an expression.
type assignment struct {
	target string
	value  *expression
}

type foreachNode struct {
	coll  *expression
	key   string
	value string
	body  []node
	line  int
}

type yieldNode struct {
	name string
	def  string
	line int
}

type componentParam struct {
	key   string
	value *expression
}

type componentNode struct {
	name   string
	params []componentParam
	slots  map[string]string
	line   int
}

func (n *textNode) nodeLine() int      { return n.line }
func (n *echoNode) nodeLine() int      { return n.line }
func (n *ifNode) nodeLine() int        { return n.line }
func (n *forNode) nodeLine() int       { return n.line }
func (n *foreachNode) nodeLine() int   { return n.line }
func (n *yieldNode) nodeLine() int     { return n.line }
func (n *componentNode) nodeLine() int { return n.line }

// normalizeName turns a template reference into its canonical dotted id:
// quotes and spaces are removed and path separators become dots.
func normalizeName(n string) string {
	n = strings.TrimSpace(n)
	n = strings.Trim(n, `"' `)
	n = filepath.ToSlash(n)
	n = strings.Trim(n, "/")
	return strings.ReplaceAll(n, "/", ".")
}

// unquote strips one pair of matching quotes.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func isQuoted(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0]
}

// splitTopLevel splits s on sep, ignoring separators nested in quotes or brackets.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
