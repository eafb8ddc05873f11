package blade

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const (
	contextPrefix = "_c_"
	localPrefix   = "_l_"
)

// exprKeywords are bare words the expression language understands on its own.
var exprKeywords = map[string]struct{}{
	"true": {}, "false": {}, "nil": {}, "and": {}, "or": {}, "not": {}, "in": {},
	"matches": {}, "contains": {}, "startsWith": {}, "endsWith": {}, "let": {},
	"if": {}, "else": {},
}

type exprRef struct {
	name  string
	ident string
	local bool
}

// expression is a compiled template expression. Every $name was resolved at parse
// time either to a loop local or to a context binding.
type expression struct {
	src  string
	code string
	refs []exprRef
	prog *vm.Program
}

// scope tracks the loop locals visible at the current parse position.
type scope struct {
	levels [][]string
}

func (s *scope) push(names ...string) { s.levels = append(s.levels, names) }

func (s *scope) pop() {
	if len(s.levels) > 0 {
		s.levels = s.levels[:len(s.levels)-1]
	}
}

func (s *scope) has(name string) bool {
	for i := len(s.levels) - 1; i >= 0; i-- {
		for _, n := range s.levels[i] {
			if n == name {
				return true
			}
		}
	}
	return false
}

func compileExpression(src string, sc *scope, opts []expr.Option) (*expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.New("empty expression")
	}
	code, refs, err := rewriteVars(src, sc)
	if err != nil {
		return nil, err
	}
	options := append([]expr.Option{expr.AllowUndefinedVariables()}, opts...)
	prog, err := expr.Compile(code, options...)
	if err != nil {
		return nil, errors.New(unmangle(err.Error(), refs))
	}
	return &expression{src: src, code: code, refs: refs, prog: prog}, nil
}

func (e *expression) eval(s *state) (any, error) {
	env := make(map[string]any, len(e.refs))
	for _, r := range e.refs {
		if r.local {
			env[r.ident], _ = s.locals.lookup(r.name)
			continue
		}
		env[r.ident] = s.ctx.Variable(r.name)
	}
	v, err := expr.Run(e.prog, env)
	if err != nil {
		return nil, errors.New(unmangle(err.Error(), e.refs))
	}
	return v, nil
}

// rewriteVars replaces $name (and bare names of active locals) with identifiers the
// expression compiler accepts, and rejects bare identifiers that resolve to nothing.
func rewriteVars(src string, sc *scope) (string, []exprRef, error) {
	var b strings.Builder
	var refs []exprRef
	seen := map[string]bool{}
	lets := map[string]bool{}
	braces := 0
	prevWord := ""

	ref := func(name string, local bool) string {
		ident := contextPrefix + name
		if local {
			ident = localPrefix + name
		}
		if !seen[ident] {
			seen[ident] = true
			refs = append(refs, exprRef{name: name, ident: ident, local: local})
		}
		return ident
	}

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return "", nil, fmt.Errorf("unterminated string in %q", src)
			}
			b.WriteString(src[i : j+1])
			i = j + 1
			prevWord = ""
		case c == '$' && i+1 < len(src) && isIdentStart(src[i+1]):
			j := i + 1
			for j < len(src) && isWordByte(src[j]) {
				j++
			}
			name := src[i+1 : j]
			b.WriteString(ref(name, sc.has(name)))
			i = j
			prevWord = ""
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (isWordByte(src[j]) || src[j] == '.' && j+1 < len(src) && src[j+1] >= '0' && src[j+1] <= '9') {
				j++
			}
			b.WriteString(src[i:j])
			i = j
			prevWord = ""
		case isIdentStart(c):
			j := i
			for j < len(src) && isWordByte(src[j]) {
				j++
			}
			word := src[i:j]
			switch {
			case isMember(src, i), nextNonSpace(src, j) == '(', lets[word]:
				b.WriteString(word)
			case braces > 0 && nextNonSpace(src, j) == ':':
				b.WriteString(word)
			case isKeyword(word):
				b.WriteString(word)
			case prevWord == "let":
				lets[word] = true
				b.WriteString(word)
			case sc.has(word):
				b.WriteString(ref(word, true))
			default:
				return "", nil, fmt.Errorf("undefined identifier %q (template variables are written $%s)", word, word)
			}
			i = j
			prevWord = word
		default:
			switch c {
			case '{':
				braces++
			case '}':
				braces--
			}
			if c != ' ' && c != '\t' && c != '\n' {
				prevWord = ""
			}
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), refs, nil
}

func isKeyword(word string) bool {
	_, ok := exprKeywords[word]
	return ok
}

func isIdentStart(c byte) bool { return isLetter(c) || c == '_' }

// isMember reports whether the identifier at i follows a "." member access.
func isMember(src string, i int) bool {
	j := i - 1
	for j >= 0 && (src[j] == ' ' || src[j] == '\t') {
		j--
	}
	return j >= 0 && src[j] == '.' && !(j > 0 && src[j-1] == '.')
}

func nextNonSpace(src string, j int) byte {
	for j < len(src) && (src[j] == ' ' || src[j] == '\t') {
		j++
	}
	if j < len(src) {
		return src[j]
	}
	return 0
}

func unmangle(msg string, refs []exprRef) string {
	for _, r := range refs {
		msg = strings.ReplaceAll(msg, r.ident, "$"+r.name)
	}
	return msg
}
