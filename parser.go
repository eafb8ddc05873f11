package blade

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

var (
	reForInit   = regexp.MustCompile(`^(?:[A-Za-z_]\w*\s+)?\$?([A-Za-z_]\w*)\s*=\s*(.+)$`) // int $i = 0
	reForIncr   = regexp.MustCompile(`^\$?([A-Za-z_]\w*)\s*(\+\+|--)$`)                    // $i++
	rePreIncr   = regexp.MustCompile(`^(\+\+|--)\s*\$?([A-Za-z_]\w*)$`)                    // ++$i
	reForAssign = regexp.MustCompile(`^\$?([A-Za-z_]\w*)\s*([-+*/]?=)\s*(.+)$`)            // $i += 2
	reLoopVar   = regexp.MustCompile(`^\$?([A-Za-z_]\w*)$`)                                // $item
)

type parser struct {
	name   string
	tokens []token
	pos    int
	scope  *scope
	opts   []expr.Option
	file   *ParsedFile
}

// parse turns template source into a ParsedFile. Expressions are compiled here, so
// every syntax error surfaces as a *ParseError carrying the template line.
func parse(name, src string, opts []expr.Option) (*ParsedFile, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &ParseError{Template: name, Construct: "template", Msg: "empty template source"}
	}
	tokens, err := lex(name, src)
	if err != nil {
		return nil, err
	}
	p := &parser{
		name:   name,
		tokens: tokens,
		scope:  &scope{},
		opts:   opts,
		file: &ParsedFile{
			Name:       name,
			Raw:        src,
			Yields:     map[string]string{},
			Components: map[string]struct{}{},
		},
	}
	body, _, err := p.parseNodes(nil)
	if err != nil {
		return nil, err
	}
	p.file.Body = body
	return p.file, nil
}

func (p *parser) errorf(line int, construct, format string, args ...any) error {
	return &ParseError{Template: p.name, Line: line, Construct: construct, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expr(src string, line int, construct string) (*expression, error) {
	e, err := compileExpression(src, p.scope, p.opts)
	if err != nil {
		return nil, p.errorf(line, construct, "@%s(%s): %v", construct, src, err)
	}
	return e, nil
}

// parseNodes consumes tokens until one of the stop directives or the end of input.
// The stop token is returned, or nil at end of input.
func (p *parser) parseNodes(stop map[string]bool) ([]node, *token, error) {
	var nodes []node
	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		p.pos++
		switch tok.kind {
		case tokText:
			nodes = append(nodes, &textNode{text: tok.text, line: tok.line})
		case tokEcho:
			if tok.text == "" {
				continue
			}
			e, err := compileExpression(tok.text, p.scope, p.opts)
			if err != nil {
				return nil, nil, p.errorf(tok.line, "echo", "{{ %s }}: %v", tok.text, err)
			}
			nodes = append(nodes, &echoNode{expr: e, line: tok.line})
		case tokDirective:
			if stop[tok.name] {
				return nodes, &tok, nil
			}
			n, err := p.parseDirective(tok)
			if err != nil {
				return nil, nil, err
			}
			if n != nil {
				nodes = append(nodes, n)
			}
		}
	}
	return nodes, nil, nil
}

func (p *parser) parseDirective(tok token) (node, error) {
	switch tok.name {
	case "if":
		return p.parseIf(tok)
	case "for":
		return p.parseFor(tok)
	case "foreach":
		return p.parseForeach(tok)
	case "section":
		return nil, p.parseSection(tok)
	case "extends":
		return nil, p.parseExtends(tok)
	case "yield":
		return p.parseYield(tok)
	case "component":
		return p.parseComponent(tok)
	}
	return nil, p.errorf(tok.line, tok.name, "unexpected @%s", tok.name)
}

func (p *parser) parseIf(tok token) (node, error) {
	n := &ifNode{line: tok.line}
	cond, err := p.expr(tok.text, tok.line, "if")
	if err != nil {
		return nil, err
	}
	branch := condBranch{cond: cond, line: tok.line}
	for {
		body, end, err := p.parseNodes(map[string]bool{"elseif": true, "else": true, "endif": true})
		if err != nil {
			return nil, err
		}
		if end == nil {
			return nil, p.errorf(tok.line, "if", "unterminated @if, missing @endif")
		}
		branch.body = body
		n.branches = append(n.branches, branch)
		switch end.name {
		case "endif":
			return n, nil
		case "elseif":
			cond, err := p.expr(end.text, end.line, "elseif")
			if err != nil {
				return nil, err
			}
			branch = condBranch{cond: cond, line: end.line}
		case "else":
			body, end, err := p.parseNodes(map[string]bool{"elseif": true, "else": true, "endif": true})
			if err != nil {
				return nil, err
			}
			if end == nil {
				return nil, p.errorf(tok.line, "if", "unterminated @if, missing @endif")
			}
			if end.name != "endif" {
				return nil, p.errorf(end.line, end.name, "@%s after @else", end.name)
			}
			n.elseBody = body
			if n.elseBody == nil {
				n.elseBody = []node{}
			}
			return n, nil
		}
	}
}

func (p *parser) parseFor(tok token) (node, error) {
	parts := splitTopLevel(tok.text, ';')
	if len(parts) != 3 {
		return nil, p.errorf(tok.line, "for", "@for expects init; condition; step, got %q", tok.text)
	}
	m := reForInit.FindStringSubmatch(strings.TrimSpace(parts[0]))
	if m == nil {
		return nil, p.errorf(tok.line, "for", "invalid @for initializer %q", strings.TrimSpace(parts[0]))
	}
	n := &forNode{varName: m[1], line: tok.line}
	var err error
	if n.init, err = p.expr(m[2], tok.line, "for"); err != nil {
		return nil, err
	}

	p.scope.push(n.varName)
	defer p.scope.pop()

	if n.cond, err = p.expr(parts[1], tok.line, "for"); err != nil {
		return nil, err
	}
	if n.step, err = p.parseStep(strings.TrimSpace(parts[2]), tok.line); err != nil {
		return nil, err
	}
	body, end, err := p.parseNodes(map[string]bool{"endfor": true})
	if err != nil {
		return nil, err
	}
	if end == nil {
		return nil, p.errorf(tok.line, "for", "unterminated @for, missing @endfor")
	}
	n.body = body
	return n, nil
}

// parseStep lowers the step clause of a counted loop to an assignment.
func (p *parser) parseStep(step string, line int) (assignment, error) {
	var target, rhs string
	if m := reForIncr.FindStringSubmatch(step); m != nil {
		target, rhs = m[1], fmt.Sprintf("$%s %c 1", m[1], m[2][0])
	} else if m := rePreIncr.FindStringSubmatch(step); m != nil {
		target, rhs = m[2], fmt.Sprintf("$%s %c 1", m[2], m[1][0])
	} else if m := reForAssign.FindStringSubmatch(step); m != nil {
		target, rhs = m[1], m[3]
		if op := m[2]; op != "=" {
			rhs = fmt.Sprintf("$%s %c (%s)", m[1], op[0], m[3])
		}
	} else {
		return assignment{}, p.errorf(line, "for", "invalid @for step %q", step)
	}
	if !p.scope.has(target) {
		return assignment{}, p.errorf(line, "for", "@for step assigns %q which is not a loop variable", target)
	}
	value, err := p.expr(rhs, line, "for")
	if err != nil {
		return assignment{}, err
	}
	return assignment{target: target, value: value}, nil
}

func (p *parser) parseForeach(tok token) (node, error) {
	i := strings.LastIndex(tok.text, " as ")
	if i < 0 {
		return nil, p.errorf(tok.line, "foreach", "@foreach expects <collection> as $item, got %q", tok.text)
	}
	n := &foreachNode{line: tok.line}
	var err error
	if n.coll, err = p.expr(tok.text[:i], tok.line, "foreach"); err != nil {
		return nil, err
	}
	vars := strings.TrimSpace(tok.text[i+4:])
	if k, v, ok := strings.Cut(vars, "=>"); ok {
		km, vm := reLoopVar.FindStringSubmatch(strings.TrimSpace(k)), reLoopVar.FindStringSubmatch(strings.TrimSpace(v))
		if km == nil || vm == nil {
			return nil, p.errorf(tok.line, "foreach", "invalid @foreach variables %q", vars)
		}
		n.key, n.value = km[1], vm[1]
		p.scope.push(n.key, n.value)
	} else {
		vm := reLoopVar.FindStringSubmatch(vars)
		if vm == nil {
			return nil, p.errorf(tok.line, "foreach", "invalid @foreach variable %q", vars)
		}
		n.value = vm[1]
		p.scope.push(n.value)
	}
	defer p.scope.pop()

	body, end, err := p.parseNodes(map[string]bool{"endforeach": true})
	if err != nil {
		return nil, err
	}
	if end == nil {
		return nil, p.errorf(tok.line, "foreach", "unterminated @foreach, missing @endforeach")
	}
	n.body = body
	return n, nil
}

func (p *parser) parseSection(tok token) error {
	args := splitTopLevel(tok.text, ',')
	name := unquote(args[0])
	if name == "" {
		return p.errorf(tok.line, "section", "@section requires a name")
	}
	decl := &SectionDecl{Name: name, Line: tok.line}
	p.file.Sections = append(p.file.Sections, decl)

	if len(args) > 1 {
		value := strings.TrimSpace(strings.Join(args[1:], ","))
		if isQuoted(value) {
			decl.Raw = unquote(value)
			return nil
		}
		// the value is evaluated when the section is bound, without loop locals
		saved := p.scope
		p.scope = &scope{}
		defer func() { p.scope = saved }()
		e, err := p.expr(value, tok.line, "section")
		if err != nil {
			return err
		}
		decl.value = e
		return nil
	}

	decl.Captured = true
	saved := p.scope
	p.scope = &scope{}
	defer func() { p.scope = saved }()

	start := p.pos
	body, end, err := p.parseNodes(map[string]bool{"endsection": true})
	if err != nil {
		return err
	}
	if end == nil {
		return p.errorf(tok.line, "section", "unterminated @section('%s'), missing @endsection", name)
	}
	decl.body = body
	decl.Raw = rawText(p.tokens[start : p.pos-1])
	return nil
}

func (p *parser) parseExtends(tok token) error {
	if p.file.Extends != "" {
		return p.errorf(tok.line, "extends", "duplicate @extends, already extending %q", p.file.Extends)
	}
	parent := normalizeName(tok.text)
	if parent == "" {
		return p.errorf(tok.line, "extends", "@extends requires a template name")
	}
	p.file.Extends = parent
	p.file.ExtendsLine = tok.line
	return nil
}

func (p *parser) parseYield(tok token) (node, error) {
	args := splitTopLevel(tok.text, ',')
	n := &yieldNode{name: unquote(args[0]), line: tok.line}
	if n.name == "" {
		return nil, p.errorf(tok.line, "yield", "@yield requires a section name")
	}
	if len(args) > 1 {
		n.def = unquote(strings.Join(args[1:], ","))
	}
	p.file.Yields[n.name] = n.def
	return n, nil
}

func (p *parser) parseComponent(tok token) (node, error) {
	args := splitTopLevel(tok.text, ',')
	n := &componentNode{name: normalizeName(args[0]), slots: map[string]string{}, line: tok.line}
	if n.name == "" {
		return nil, p.errorf(tok.line, "component", "@component requires a template name")
	}
	if len(args) > 1 {
		params, err := p.parseParams(strings.TrimSpace(strings.Join(args[1:], ",")), tok.line)
		if err != nil {
			return nil, err
		}
		n.params = params
	}
	p.file.Components[n.name] = struct{}{}

	var ungrouped, current strings.Builder
	slot := ""
	inSlot := false
	closeSlot := func() {
		if inSlot {
			n.slots[slot] = current.String()
			current.Reset()
			inSlot = false
		}
	}
	depth := 1
	for p.pos < len(p.tokens) {
		t := p.tokens[p.pos]
		p.pos++
		if t.kind == tokDirective && depth == 1 {
			switch t.name {
			case "endcomponent":
				closeSlot()
				if _, ok := n.slots["default"]; !ok {
					n.slots["default"] = ungrouped.String()
				}
				return n, nil
			case "slot":
				closeSlot()
				slot, inSlot = "default", true
				if t.hasArgs && t.text != "" {
					slot = slotName(t.text)
				}
				continue
			case "endslot":
				closeSlot()
				continue
			}
		}
		if t.kind == tokDirective {
			switch t.name {
			case "component":
				depth++
			case "endcomponent":
				depth--
			}
		}
		if inSlot {
			current.WriteString(t.raw)
		} else {
			ungrouped.WriteString(t.raw)
		}
	}
	return nil, p.errorf(tok.line, "component", "unterminated @component('%s'), missing @endcomponent", n.name)
}

// parseParams reads a ['key' => expr, ...] parameter list.
func (p *parser) parseParams(src string, line int) ([]componentParam, error) {
	if src == "" {
		return nil, nil
	}
	if !strings.HasPrefix(src, "[") || !strings.HasSuffix(src, "]") {
		return nil, p.errorf(line, "component", "component parameters must be ['key' => value, ...], got %s", src)
	}
	var params []componentParam
	for _, pair := range splitTopLevel(src[1:len(src)-1], ',') {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=>")
		if !ok {
			return nil, p.errorf(line, "component", "invalid component parameter %q", pair)
		}
		value, err := p.expr(v, line, "component")
		if err != nil {
			return nil, err
		}
		params = append(params, componentParam{key: unquote(k), value: value})
	}
	return params, nil
}

func rawText(tokens []token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.raw)
	}
	return b.String()
}

// slotName takes the first word of the first @slot argument, quotes removed.
func slotName(args string) string {
	if f := strings.Fields(unquote(splitTopLevel(args, ',')[0])); len(f) > 0 {
		return f[0]
	}
	return "default"
}
