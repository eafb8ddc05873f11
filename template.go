package blade

import (
	"io"
	"sync"
	"sync/atomic"
)

// Template is a compiled template unit. One instance is shared by every render of
// the same template id; all per-call state lives in the RenderContext.
type Template struct {
	name string
	file *ParsedFile

	initialized atomic.Bool
	mu          sync.Mutex
	prog        *program
	renderers   map[string]SectionRenderer
}

func newTemplate(f *ParsedFile) *Template {
	return &Template{name: f.Name, file: f}
}

func (t *Template) Name() string { return t.name }

// File returns the parse result the template was compiled from.
func (t *Template) File() *ParsedFile { return t.file }

// Extends returns the parent template id, or "".
func (t *Template) Extends() string { return t.file.Extends }

func (t *Template) Initialized() bool { return t.initialized.Load() }

// init lowers the parsed file into its program and section renderers. It runs once
// per instance, however many goroutines race on first use.
func (t *Template) init() {
	if t.initialized.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized.Load() {
		return
	}
	t.prog = generateProgram(t.file)
	t.renderers = make(map[string]SectionRenderer, len(t.prog.sections))
	for name, ops := range t.prog.sections {
		t.renderers[name] = t.sectionRenderer(ops)
	}
	t.initialized.Store(true)
}

func (t *Template) sectionRenderer(ops []op) SectionRenderer {
	return func(ctx *RenderContext, w io.Writer) error {
		return execOps(&state{tmpl: t.name, ctx: ctx, w: w}, ops)
	}
}

// Bind wires the template's parent link and section declarations into ctx.
// Declarations apply in source order, so the last one for a name wins.
func (t *Template) Bind(ctx *RenderContext) error {
	t.init()
	ctx.SetParent(t.file.Extends)
	for _, d := range t.file.Sections {
		switch {
		case d.Captured:
			ctx.SetSection(d.Name, d.Raw)
			ctx.SetSectionRenderer(d.Name, t.renderers[d.Name])
		case d.value != nil:
			s := &state{tmpl: t.name, ctx: ctx}
			v, err := d.value.eval(s)
			if err != nil {
				return s.fail(d.Line, d.value, err)
			}
			ctx.SetSection(d.Name, toText(v))
			ctx.RemoveSectionRenderer(d.Name)
		default:
			ctx.SetSection(d.Name, d.Raw)
			ctx.RemoveSectionRenderer(d.Name)
		}
	}
	return nil
}

// Render executes the top level program into w.
func (t *Template) Render(ctx *RenderContext, w io.Writer) error {
	t.init()
	return execOps(&state{tmpl: t.name, ctx: ctx, w: w}, t.prog.body)
}
