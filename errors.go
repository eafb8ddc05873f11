package blade

import (
	"errors"
	"fmt"
)

var (
	// ErrTemplateNotFound is returned by source stores when a template id has no source.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrNoCacheBackend is returned when the engine was told to use an external cache
	// but none was supplied.
	ErrNoCacheBackend = errors.New("no cache backend configured")
	// ErrMaxDepth is wrapped by the LinkError returned when an @extends chain or
	// component nesting goes past the engine's depth limit.
	ErrMaxDepth = errors.New("maximum depth exceeded")
)

// ParseError reports malformed template source. It is never cached.
type ParseError struct {
	Template  string
	Line      int
	Construct string
	Msg       string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s:%d] %s", e.Template, e.Line, e.Msg)
	}
	return fmt.Sprintf("[%s] %s", e.Template, e.Msg)
}

// LinkError reports a template that references another template which cannot be loaded.
type LinkError struct {
	Template string
	Target   string
	// Kind is one of "template", "extends" or "component".
	Kind string
	Err  error
}

func (e *LinkError) Error() string {
	if e.Template == "" || e.Kind == "template" {
		return fmt.Sprintf("[%s] cannot load template: %v", e.Target, e.Err)
	}
	return fmt.Sprintf(`[%s] %s "%s": %v`, e.Template, e.Kind, e.Target, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// EvalError reports a failure while executing a compiled template.
type EvalError struct {
	Template string
	Line     int
	Expr     string
	Err      error
}

func (e *EvalError) Error() string {
	if e.Expr != "" {
		return fmt.Sprintf("[%s:%d] %s: %v", e.Template, e.Line, e.Expr, e.Err)
	}
	return fmt.Sprintf("[%s:%d] %v", e.Template, e.Line, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }
