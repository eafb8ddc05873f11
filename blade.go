// Package blade compiles Blade-style text templates and renders them.
//
// A template is plain text with {{ expr }} interpolation, {{-- comments --}} and
// @-directives for control flow (@if, @for, @foreach), layout inheritance
// (@extends, @section, @yield) and components (@component, @slot). Templates are
// loaded by id from a SourceStore, compiled once and cached, and rendered with a
// fresh context per call:
//
//	eng := blade.NewEngine("views")
//	out, err := eng.RenderString("pages.home", map[string]any{"name": "John"})
package blade

import (
	"io/fs"
	"os"

	"github.com/expr-lang/expr"
	"go.uber.org/zap"
)

// DefaultMaxDepth bounds @extends chains and nested components.
const DefaultMaxDepth = 32

// Option configures an Engine.
type Option func(*Engine)

// WithCache stores compiled units in c instead of the engine's own map.
// A nil c makes every compile fail with ErrNoCacheBackend.
func WithCache(c Cache) Option {
	return func(e *Engine) {
		e.cache = c
		e.useCache = true
	}
}

// WithLogger sets the logger. The default logger discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFunc makes fn callable from template expressions as name(...).
func WithFunc(name string, fn func(params ...any) (any, error)) Option {
	return func(e *Engine) {
		e.exprOpts = append(e.exprOpts, expr.Function(name, fn))
	}
}

// WithMaxDepth limits how deep @extends chains and component nesting may go.
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// NewEngine creates an engine reading templates from a directory.
func NewEngine(dir string, suffix ...string) *Engine {
	return NewEngineFS(os.DirFS(dir), suffix...)
}

// NewEngineFS creates an engine reading templates from a filesystem. When using
// embed.FS, pass fs.Sub of the embedded folder.
func NewEngineFS(fsys fs.FS, suffix ...string) *Engine {
	var sfx string
	if len(suffix) > 0 {
		sfx = suffix[0]
	}
	return New(NewFSStore(fsys, sfx))
}
