package blade

import (
	"errors"
	"fmt"
	"io"
)

// program is the executable form of a ParsedFile: one op sequence for the top level
// and one per captured section.
type program struct {
	body     []op
	sections map[string][]op
}

// op is a single render operation, executed in program order.
type op interface {
	exec(s *state) error
}

type writeLiteral struct {
	text string
}

type writeValue struct {
	expr *expression
	line int
}

type elseIf struct {
	cond *expression
	body []op
	line int
}

type ifOp struct {
	cond  *expression
	then  []op
	elifs []elseIf
	els   []op
	line  int
}

type countedLoop struct {
	varName string
	init    *expression
	cond    *expression
	step    assignment
	body    []op
	line    int
}

type forEach struct {
	coll  *expression
	key   string
	value string
	body  []op
	line  int
}

type yieldSection struct {
	name string
	def  string
	line int
}

type renderComponent struct {
	name   string
	params []componentParam
	slots  map[string]string
	line   int
}

func generateProgram(f *ParsedFile) *program {
	p := &program{body: generate(f.Body), sections: map[string][]op{}}
	for _, s := range f.Sections {
		if s.Captured {
			p.sections[s.Name] = generate(s.body)
		}
	}
	return p
}

// generate lowers parsed nodes to ops, merging adjacent literals.
func generate(nodes []node) []op {
	ops := make([]op, 0, len(nodes))
	for _, n := range nodes {
		switch n := n.(type) {
		case *textNode:
			if n.text == "" {
				continue
			}
			if last, ok := lastLiteral(ops); ok {
				last.text += n.text
				continue
			}
			ops = append(ops, &writeLiteral{text: n.text})
		case *echoNode:
			ops = append(ops, &writeValue{expr: n.expr, line: n.line})
		case *ifNode:
			o := &ifOp{cond: n.branches[0].cond, then: generate(n.branches[0].body), line: n.line}
			for _, b := range n.branches[1:] {
				o.elifs = append(o.elifs, elseIf{cond: b.cond, body: generate(b.body), line: b.line})
			}
			if n.elseBody != nil {
				o.els = generate(n.elseBody)
			}
			ops = append(ops, o)
		case *forNode:
			ops = append(ops, &countedLoop{
				varName: n.varName,
				init:    n.init,
				cond:    n.cond,
				step:    n.step,
				body:    generate(n.body),
				line:    n.line,
			})
		case *foreachNode:
			ops = append(ops, &forEach{coll: n.coll, key: n.key, value: n.value, body: generate(n.body), line: n.line})
		case *yieldNode:
			ops = append(ops, &yieldSection{name: n.name, def: n.def, line: n.line})
		case *componentNode:
			ops = append(ops, &renderComponent{name: n.name, params: n.params, slots: n.slots, line: n.line})
		}
	}
	return ops
}

func lastLiteral(ops []op) (*writeLiteral, bool) {
	if len(ops) == 0 {
		return nil, false
	}
	l, ok := ops[len(ops)-1].(*writeLiteral)
	return l, ok
}

// frame is one loop local; frames chain outwards to the enclosing loops.
type frame struct {
	name   string
	value  any
	parent *frame
}

func (f *frame) lookup(name string) (any, bool) {
	for ; f != nil; f = f.parent {
		if f.name == name {
			return f.value, true
		}
	}
	return nil, false
}

func (f *frame) set(name string, v any) bool {
	for ; f != nil; f = f.parent {
		if f.name == name {
			f.value = v
			return true
		}
	}
	return false
}

// state is the evaluator state of one op sequence execution.
type state struct {
	tmpl   string
	ctx    *RenderContext
	w      io.Writer
	locals *frame
}

func execOps(s *state, ops []op) error {
	for _, o := range ops {
		if err := o.exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) write(text string) error {
	_, err := io.WriteString(s.w, text)
	return err
}

func (s *state) fail(line int, e *expression, err error) error {
	var ee *EvalError
	var le *LinkError
	var pe *ParseError
	if errors.As(err, &ee) || errors.As(err, &le) || errors.As(err, &pe) {
		return err
	}
	out := &EvalError{Template: s.tmpl, Line: line, Err: err}
	if e != nil {
		out.Expr = e.src
	}
	return out
}

func (o *writeLiteral) exec(s *state) error {
	return s.write(o.text)
}

func (o *writeValue) exec(s *state) error {
	v, err := o.expr.eval(s)
	if err != nil {
		return s.fail(o.line, o.expr, err)
	}
	return s.write(toText(v))
}

func (o *ifOp) exec(s *state) error {
	ok, err := s.test(o.cond, o.line)
	if err != nil {
		return err
	}
	if ok {
		return execOps(s, o.then)
	}
	for _, b := range o.elifs {
		ok, err := s.test(b.cond, b.line)
		if err != nil {
			return err
		}
		if ok {
			return execOps(s, b.body)
		}
	}
	return execOps(s, o.els)
}

func (s *state) test(cond *expression, line int) (bool, error) {
	v, err := cond.eval(s)
	if err != nil {
		return false, s.fail(line, cond, err)
	}
	return ToBoolean(v), nil
}

func (o *countedLoop) exec(s *state) error {
	start, err := o.init.eval(s)
	if err != nil {
		return s.fail(o.line, o.init, err)
	}
	saved := s.locals
	s.locals = &frame{name: o.varName, value: start, parent: saved}
	defer func() { s.locals = saved }()

	for {
		v, err := o.cond.eval(s)
		if err != nil {
			return s.fail(o.line, o.cond, err)
		}
		more, ok := v.(bool)
		if !ok {
			return s.fail(o.line, o.cond, fmt.Errorf("@for condition must be a boolean, got %T", v))
		}
		if !more {
			return nil
		}
		if err := execOps(s, o.body); err != nil {
			return err
		}
		next, err := o.step.value.eval(s)
		if err != nil {
			return s.fail(o.line, o.step.value, err)
		}
		s.locals.set(o.step.target, next)
	}
}

func (o *forEach) exec(s *state) error {
	coll, err := o.coll.eval(s)
	if err != nil {
		return s.fail(o.line, o.coll, err)
	}
	saved := s.locals
	defer func() { s.locals = saved }()

	err = iterate(coll, func(key, value any) error {
		s.locals = &frame{name: o.value, value: value, parent: saved}
		if o.key != "" {
			s.locals = &frame{name: o.key, value: key, parent: s.locals}
		}
		return execOps(s, o.body)
	})
	if err != nil {
		return s.fail(o.line, o.coll, err)
	}
	return nil
}

func (o *yieldSection) exec(s *state) error {
	if render := s.ctx.SectionRenderer(o.name); render != nil {
		buf, err := s.ctx.StartSection(o.name)
		if err != nil {
			return s.fail(o.line, nil, err)
		}
		if err := render(s.ctx, buf); err != nil {
			s.ctx.EndSection()
			return err
		}
		return s.write(s.ctx.EndSection())
	}
	if text, ok := s.ctx.Section(o.name); ok {
		return s.write(text)
	}
	return s.write(o.def)
}

func (o *renderComponent) exec(s *state) error {
	data := make(map[string]any, len(o.params))
	for _, p := range o.params {
		v, err := p.value.eval(s)
		if err != nil {
			return s.fail(o.line, p.value, err)
		}
		data[p.key] = v
	}
	s.ctx.StartComponent(o.name, data)
	for name, body := range o.slots {
		s.ctx.SetSlot(name, body)
	}
	name, vars := s.ctx.EndComponent()
	if err := s.ctx.renderComponent(s.tmpl, name, vars, s.w); err != nil {
		return s.fail(o.line, nil, err)
	}
	return nil
}
