package blade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "blade:"

// Engine loads, compiles and renders templates. It is safe for concurrent use.
type Engine struct {
	store    SourceStore
	cache    Cache
	useCache bool

	mu sync.RWMutex
	// units holds compiled units when no external cache is configured
	units map[string]*ParsedFile
	// instances holds one Template per id, tied to the unit it was built from
	instances map[string]*Template
	// gen changes on every Forget and ClearCache; compiles started under an older
	// generation are neither shared nor stored.
	gen   uint64
	group singleflight.Group

	logger   *zap.Logger
	exprOpts []expr.Option
	maxDepth int
}

// New creates an engine over store.
func New(store SourceStore, opts ...Option) *Engine {
	if store == nil {
		store = MapStore{}
	}
	e := &Engine{
		store:     store,
		units:     map[string]*ParsedFile{},
		instances: map[string]*Template{},
		logger:    zap.NewNop(),
		maxDepth:  DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the engine's source store.
func (e *Engine) Store() SourceStore { return e.store }

// Render executes the template identified by name (e.g. "pages.home") into w with
// data, which may be a map with string keys or a struct. Nothing is written to w
// when rendering fails.
func (e *Engine) Render(w io.Writer, name string, data any) error {
	vars, err := bindingsFrom(data)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := e.render(&buf, name, vars, 0); err != nil {
		return err
	}
	_, err = buf.WriteTo(w)
	return err
}

// RenderString renders the template identified by name with vars.
func (e *Engine) RenderString(name string, vars map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := e.render(&buf, name, vars, 0); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Compile loads and compiles a template without rendering it.
func (e *Engine) Compile(name string) (*Template, error) {
	return e.load(name)
}

func (e *Engine) render(w io.Writer, name string, vars map[string]any, depth int) error {
	t, err := e.load(name)
	if err != nil {
		return err
	}
	ctx := e.newContext(depth)
	maps.Copy(ctx.variables, vars)
	if err := t.Bind(ctx); err != nil {
		return err
	}

	chain := []string{t.Name()}
	for ctx.Parent() != "" {
		target := ctx.Parent()
		if slices.Contains(chain, target) {
			return &LinkError{Template: t.Name(), Target: target, Kind: "extends", Err: errors.New("circular @extends")}
		}
		if len(chain) > e.maxDepth {
			return &LinkError{Template: t.Name(), Target: target, Kind: "extends", Err: fmt.Errorf("%w: more than %d levels", ErrMaxDepth, e.maxDepth)}
		}
		parent, err := e.load(target)
		if err != nil {
			return relink(err, t.Name(), "extends")
		}
		pctx := e.newContext(depth)
		// expression sections in the parent see the child's variables
		maps.Copy(pctx.variables, ctx.variables)
		if err := parent.Bind(pctx); err != nil {
			return err
		}
		pctx.inherit(ctx)
		ctx, t = pctx, parent
		chain = append(chain, target)
	}
	return t.Render(ctx, w)
}

func (e *Engine) renderComponent(from, name string, vars map[string]any, w io.Writer, depth int) error {
	if depth > e.maxDepth {
		return &LinkError{Template: from, Target: normalizeName(name), Kind: "component",
			Err: fmt.Errorf("%w: components nested deeper than %d levels", ErrMaxDepth, e.maxDepth)}
	}
	if err := e.render(w, name, vars, depth); err != nil {
		return relink(err, from, "component")
	}
	return nil
}

// relink turns a failure to load the root template into a reference failure of kind
// from the referring template.
func relink(err error, from, kind string) error {
	var le *LinkError
	if errors.As(err, &le) && le.Kind == "template" {
		return &LinkError{Template: from, Target: le.Target, Kind: kind, Err: le.Err}
	}
	return err
}

func (e *Engine) newContext(depth int) *RenderContext {
	ctx := NewRenderContext()
	ctx.host = e
	ctx.depth = depth
	return ctx
}

// load returns the Template instance for name, compiling it on first use.
func (e *Engine) load(name string) (*Template, error) {
	name = normalizeName(name)
	file, err := e.unit(name)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	t := e.instances[name]
	e.mu.RUnlock()
	if t != nil && t.file == file {
		return t, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t = e.instances[name]; t != nil && t.file == file {
		return t, nil
	}
	t = newTemplate(file)
	e.instances[name] = t
	return t, nil
}

// unit returns the compiled unit for name. Concurrent misses for the same name
// share one compile; failed compiles are not cached.
func (e *Engine) unit(name string) (*ParsedFile, error) {
	if f, ok, err := e.lookupUnit(name); err != nil || ok {
		return f, err
	}
	e.mu.RLock()
	gen := e.gen
	e.mu.RUnlock()
	v, err, _ := e.group.Do(name+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		if f, ok, err := e.lookupUnit(name); err != nil || ok {
			return f, err
		}
		f, err := e.compile(name)
		if err != nil {
			return nil, err
		}
		return f, e.storeUnit(name, f, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ParsedFile), nil
}

func (e *Engine) lookupUnit(name string) (*ParsedFile, bool, error) {
	if !e.useCache {
		e.mu.RLock()
		f, ok := e.units[name]
		e.mu.RUnlock()
		return f, ok, nil
	}
	if e.cache == nil {
		return nil, false, ErrNoCacheBackend
	}
	v, ok, err := e.cache.Get(cacheKeyPrefix + name)
	if err != nil || !ok {
		return nil, false, err
	}
	f, ok := v.(*ParsedFile)
	return f, ok, nil
}

func (e *Engine) storeUnit(name string, f *ParsedFile, gen uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return nil
	}
	if !e.useCache {
		e.units[name] = f
		return nil
	}
	return e.cache.Put(cacheKeyPrefix+name, f)
}

func (e *Engine) compile(name string) (*ParsedFile, error) {
	src, err := e.store.Read(name)
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return nil, &LinkError{Target: name, Kind: "template", Err: err}
		}
		return nil, fmt.Errorf("[%s] read template: %w", name, err)
	}
	start := time.Now()
	f, err := parse(name, src, e.exprOpts)
	if err != nil {
		e.logger.Warn("template compile failed", zap.String("template", name), zap.Error(err))
		return nil, err
	}
	e.logger.Debug("template compiled",
		zap.String("template", name),
		zap.Int("sections", len(f.Sections)),
		zap.Duration("took", time.Since(start)))
	return f, nil
}

// ClearCache drops every compiled unit. Later renders recompile from source.
func (e *Engine) ClearCache() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if e.useCache {
		if e.cache == nil {
			return ErrNoCacheBackend
		}
		if err := e.cache.Flush(); err != nil {
			return err
		}
	} else {
		clear(e.units)
	}
	clear(e.instances)
	e.logger.Info("template cache cleared")
	return nil
}

// Forget drops the compiled unit of a single template. Caches that cannot drop a
// single key are flushed.
func (e *Engine) Forget(name string) error {
	name = normalizeName(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if e.useCache {
		if e.cache == nil {
			return ErrNoCacheBackend
		}
		var err error
		if f, ok := e.cache.(forgetter); ok {
			err = f.Forget(cacheKeyPrefix + name)
		} else {
			err = e.cache.Flush()
		}
		if err != nil {
			return err
		}
	} else {
		delete(e.units, name)
	}
	delete(e.instances, name)
	e.logger.Debug("template forgotten", zap.String("template", name))
	return nil
}

// Precompile compiles every template the store can list. It stops at the first
// failure. Stores that cannot list templates are skipped.
func (e *Engine) Precompile(ctx context.Context) error {
	lister, ok := e.store.(Lister)
	if !ok {
		return nil
	}
	names, err := lister.List()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := e.load(name)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info("templates precompiled", zap.Int("count", len(names)))
	return nil
}

// CompiledTemplates returns the ids of templates held by the engine, sorted.
func (e *Engine) CompiledTemplates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.instances))
}

// bindingsFrom turns render data into variable bindings. Maps must have string
// keys; structs contribute their exported fields.
func bindingsFrom(data any) (map[string]any, error) {
	switch d := data.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return maps.Clone(d), nil
	}
	rv := reflect.ValueOf(data)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return map[string]any{}, nil
		}
		rv = rv.Elem()
	}
	vars := map[string]any{}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("render data %T: map keys must be strings", data)
		}
		iter := rv.MapRange()
		for iter.Next() {
			vars[iter.Key().String()] = iter.Value().Interface()
		}
	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			if f := rt.Field(i); f.IsExported() {
				vars[f.Name] = rv.Field(i).Interface()
			}
		}
	default:
		return nil, fmt.Errorf("unsupported render data %T", data)
	}
	return vars, nil
}
