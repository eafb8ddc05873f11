package blade

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
)

// SectionRenderer renders a captured section body against the context it is yielded in.
type SectionRenderer func(ctx *RenderContext, w io.Writer) error

// componentHost renders component templates on behalf of a context.
type componentHost interface {
	renderComponent(from, name string, vars map[string]any, w io.Writer, depth int) error
}

// RenderContext is the mutable state of one logical render call. It is never shared
// between concurrent renders.
type RenderContext struct {
	variables map[string]any
	// sections holds literal section text by name
	sections  map[string]string
	renderers map[string]SectionRenderer
	// sectionStack holds the names of sections being rendered, innermost last,
	// with one output buffer per entry
	sectionStack []string
	buffers      []*bytes.Buffer
	parent       string

	component     string
	inComponent   bool
	componentData map[string]any
	slots         map[string]string

	host  componentHost
	depth int
}

// NewRenderContext returns an empty context.
func NewRenderContext() *RenderContext {
	c := &RenderContext{}
	c.Reset()
	return c
}

// Reset drops every binding, section and component state.
func (c *RenderContext) Reset() {
	c.variables = map[string]any{}
	c.sections = map[string]string{}
	c.renderers = map[string]SectionRenderer{}
	c.sectionStack = nil
	c.buffers = nil
	c.parent = ""
	c.component = ""
	c.inComponent = false
	c.componentData = nil
	c.slots = nil
}

func (c *RenderContext) SetVariable(name string, value any) {
	c.variables[name] = value
}

// Variable returns the binding for name, or nil when it is absent.
func (c *RenderContext) Variable(name string) any {
	return c.variables[name]
}

// Variables returns a copy of the variable bindings.
func (c *RenderContext) Variables() map[string]any {
	return maps.Clone(c.variables)
}

func (c *RenderContext) SetSection(name, content string) {
	c.sections[name] = content
}

func (c *RenderContext) Section(name string) (string, bool) {
	s, ok := c.sections[name]
	return s, ok
}

func (c *RenderContext) SetSectionRenderer(name string, r SectionRenderer) {
	c.renderers[name] = r
}

func (c *RenderContext) RemoveSectionRenderer(name string) {
	delete(c.renderers, name)
}

func (c *RenderContext) SectionRenderer(name string) SectionRenderer {
	return c.renderers[name]
}

// Parent returns the template id declared by @extends, if any.
func (c *RenderContext) Parent() string {
	return c.parent
}

func (c *RenderContext) SetParent(name string) {
	c.parent = name
}

// StartSection pushes name onto the section stack and returns the buffer that
// collects its output. Re-entering a section already on the stack is an error.
func (c *RenderContext) StartSection(name string) (*bytes.Buffer, error) {
	if slices.Contains(c.sectionStack, name) {
		return nil, fmt.Errorf("section %q yields itself", name)
	}
	buf := &bytes.Buffer{}
	c.sectionStack = append(c.sectionStack, name)
	c.buffers = append(c.buffers, buf)
	return buf, nil
}

// AppendSection writes content to the innermost open section.
func (c *RenderContext) AppendSection(content string) {
	if n := len(c.buffers); n > 0 {
		c.buffers[n-1].WriteString(content)
	}
}

// EndSection pops the innermost section and returns its content. The enclosing
// section, if any, becomes current again.
func (c *RenderContext) EndSection() string {
	n := len(c.sectionStack)
	if n == 0 {
		return ""
	}
	content := c.buffers[n-1].String()
	c.sectionStack = c.sectionStack[:n-1]
	c.buffers = c.buffers[:n-1]
	return content
}

// CurrentSection returns the innermost open section, or "".
func (c *RenderContext) CurrentSection() string {
	if n := len(c.sectionStack); n > 0 {
		return c.sectionStack[n-1]
	}
	return ""
}

func (c *RenderContext) InSection() bool {
	return len(c.sectionStack) > 0
}

// StartComponent enters a component invocation with its parameter bindings.
func (c *RenderContext) StartComponent(name string, data map[string]any) {
	c.component = name
	c.inComponent = true
	c.componentData = data
	c.slots = map[string]string{}
}

// SetSlot binds the content of a named slot of the current component.
func (c *RenderContext) SetSlot(name, content string) {
	if c.inComponent {
		c.slots[name] = content
	}
}

func (c *RenderContext) InComponent() bool {
	return c.inComponent
}

// EndComponent leaves the current component and returns its name and the bindings
// its template sees: the parameters plus slot_<name> for every slot, and slot for
// the default slot. Slot state is cleared.
func (c *RenderContext) EndComponent() (string, map[string]any) {
	vars := make(map[string]any, len(c.componentData)+len(c.slots)+1)
	maps.Copy(vars, c.componentData)
	for name, content := range c.slots {
		vars[slotPrefix+name] = content
	}
	if def, ok := c.slots["default"]; ok {
		vars["slot"] = def
	}
	name := c.component
	c.component = ""
	c.inComponent = false
	c.componentData = nil
	c.slots = nil
	return name, vars
}

const slotPrefix = "slot_"

// inherit copies the child's variables, sections and section renderers into c.
// Entries from the child replace those of c; a literal child section also hides a
// renderer c registered under the same name.
func (c *RenderContext) inherit(child *RenderContext) {
	maps.Copy(c.variables, child.variables)
	for name, text := range child.sections {
		c.sections[name] = text
		if _, ok := child.renderers[name]; !ok {
			delete(c.renderers, name)
		}
	}
	maps.Copy(c.renderers, child.renderers)
}

func (c *RenderContext) renderComponent(from, name string, vars map[string]any, w io.Writer) error {
	if c.host == nil {
		return &LinkError{Template: from, Target: name, Kind: "component", Err: ErrTemplateNotFound}
	}
	return c.host.renderComponent(from, name, vars, w, c.depth+1)
}
