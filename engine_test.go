package blade_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	blade "github.com/dangdungcntt/go-blade-runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(sources map[string]string, opts ...blade.Option) *blade.Engine {
	return blade.New(blade.NewMapStore(sources), opts...)
}

func render(t *testing.T, e *blade.Engine, name string, vars map[string]any) string {
	t.Helper()
	out, err := e.RenderString(name, vars)
	require.NoError(t, err)
	return out
}

func TestRenderScenarios(t *testing.T) {
	e := newEngine(map[string]string{
		"hello":   "Hello, {{ $name }}!",
		"cond":    "@if($n)yes@else no@endif",
		"list":    "@foreach($items as $it){{ $it }},@endforeach",
		"base":    "<h1>@yield('title')</h1>",
		"child":   "@extends('base') @section('title')Hi@endsection",
		"leaking": "[{{ $name }}]",
	})

	assert.Equal(t, "Hello, World!", render(t, e, "hello", map[string]any{"name": "World"}))
	assert.Equal(t, " no", render(t, e, "cond", map[string]any{"n": 0}))
	assert.Equal(t, "yes", render(t, e, "cond", map[string]any{"n": 5}))
	assert.Equal(t, "a,b,c,", render(t, e, "list", map[string]any{"items": []string{"a", "b", "c"}}))
	assert.Equal(t, "<h1>Hi</h1>", render(t, e, "child", nil))

	assert.Equal(t, "[A]", render(t, e, "leaking", map[string]any{"name": "A"}))
	assert.Equal(t, "[]", render(t, e, "leaking", nil))
}

func TestRenderDirectives(t *testing.T) {
	tests := []struct {
		name string
		src  string
		vars map[string]any
		want string
	}{
		{"elseif", "@if($n > 10)big@elseif($n > 5)mid@else small@endif", map[string]any{"n": 7}, "mid"},
		{"else", "@if($n > 10)big@elseif($n > 5)mid@else small@endif", map[string]any{"n": 1}, " small"},
		{"empty string is false", "@if($s)yes@endif", map[string]any{"s": ""}, ""},
		{"missing is false", "@if($s)yes@else no@endif", nil, " no"},
		{"counted loop", "@for($i = 0; $i < 3; $i++){{ $i }}@endfor", nil, "012"},
		{"loop step", "@for(int $i = 0; $i < 5; $i += 2){{ i }}@endfor", nil, "024"},
		{"loop bound from context", "@for($i = $from; $i > 0; $i--){{ $i }}@endfor", map[string]any{"from": 3}, "321"},
		{"map in key order", "@foreach($m as $k => $v){{ $k }}={{ $v }};@endforeach", map[string]any{"m": map[string]int{"b": 2, "a": 1}}, "a=1;b=2;"},
		{"slice index", "@foreach($xs as $i => $x){{ $i + 1 }}.{{ $x }} @endforeach", map[string]any{"xs": []string{"a", "b"}}, "1.a 2.b "},
		{"nil collection", "[@foreach($xs as $x){{ $x }}@endforeach]", nil, "[]"},
		{"nested loops", "@foreach($rows as $r)@foreach($r as $c){{ $c }}@endforeach;@endforeach", map[string]any{"rows": [][]int{{1, 2}, {3}}}, "12;3;"},
		{"outer local in inner loop", "@foreach($xs as $x)@foreach($ys as $y){{ $x }}{{ $y }} @endforeach@endforeach", map[string]any{"xs": []string{"a", "b"}, "ys": []int{1}}, "a1 b1 "},
		{"loop scoping", "@foreach($x as $v){{ $v }}@endforeach|{{ $v }}", map[string]any{"x": []int{1, 2}, "v": "ctx"}, "12|ctx"},
		{"loop scoping absent", "@foreach($x as $v){{ $v }}@endforeach|{{ $v }}", map[string]any{"x": []int{1, 2}}, "12|"},
		{"comments", "a{{-- {{ $x }} @if($x) --}}b", map[string]any{"x": "no"}, "ab"},
		{"standalone lines", "<ul>\n@foreach($xs as $x)\n  <li>{{ $x }}</li>\n@endforeach\n</ul>", map[string]any{"xs": []string{"a", "b"}}, "<ul>\n  <li>a</li>\n  <li>b</li>\n</ul>"},
		{"escaped directive", "@@if($x) and @@endif", nil, "@if($x) and @endif"},
		{"e-mail", "mail john@example.com", nil, "mail john@example.com"},
		{"directive name in e-mail", "ops@if.com @if($x)ok@endif", map[string]any{"x": true}, "ops@if.com ok"},
		{"member access", "{{ $user.name }}", map[string]any{"user": map[string]any{"name": "Ann"}}, "Ann"},
		{"yield default", "[@yield('missing', 'dflt')]", nil, "[dflt]"},
		{"local section", "@section('s')S@endsection<@yield('s')>", nil, "<S>"},
		{"nil renders nothing", "[{{ $x }}]", map[string]any{"x": nil}, "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(map[string]string{"t": tt.src})
			assert.Equal(t, tt.want, render(t, e, "t", tt.vars))
		})
	}
}

func TestRenderInheritance(t *testing.T) {
	e := newEngine(map[string]string{
		"base":        "<b>@yield('s')</b>",
		"last.lit":    "@extends('base')\n@section('s')one@endsection\n@section('s', 'two')\n",
		"last.cap":    "@extends('base')\n@section('s', 'two')\n@section('s')one@endsection\n",
		"greeting":    "@extends('base')\n@section('s')Hi {{ $name }}@endsection\n",
		"expr":        "@extends('base')\n@section('s', $title)\n",
		"level.c":     "[@yield('x')|@yield('y')|@yield('z', 'dz')]",
		"level.b":     "@extends('level.c')\n@section('x')bx@endsection\n@section('y')by@endsection\n",
		"level.a":     "@extends('level.b')\n@section('x')ax@endsection\n",
		"layout":      "<title>@yield('title', 'Site')</title>@yield('body')",
		"page":        "@extends('layout')\n@section('body')@yield('title')!@endsection\n",
		"page.titled": "@extends('page')\n@section('title', 'Docs')\n",
		"shell":       "@section('title', $title)\n<t>@yield('title')</t>",
		"shell.page":  "@extends('shell')\n",
		"shell.over":  "@extends('shell')\n@section('title', 'Own')\n",
	})

	assert.Equal(t, "<b>two</b>", render(t, e, "last.lit", nil))
	assert.Equal(t, "<b>one</b>", render(t, e, "last.cap", nil))
	assert.Equal(t, "<b>Hi Bo</b>", render(t, e, "greeting", map[string]any{"name": "Bo"}))
	assert.Equal(t, "<b>T</b>", render(t, e, "expr", map[string]any{"title": "T"}))
	assert.Equal(t, "[ax|by|dz]", render(t, e, "level.a", nil))
	assert.Equal(t, "<title>Site</title>!", render(t, e, "page", nil))
	assert.Equal(t, "<title>Docs</title>Docs!", render(t, e, "page.titled", nil))

	vars := map[string]any{"title": "T"}
	assert.Equal(t, "<t>T</t>", render(t, e, "shell", vars))
	assert.Equal(t, "<t>T</t>", render(t, e, "shell.page", vars), "parent expression sections see the child's variables")
	assert.Equal(t, "<t>Own</t>", render(t, e, "shell.over", vars))
}

func TestRenderComponents(t *testing.T) {
	e := newEngine(map[string]string{
		"components.alert": `<div class="{{ $type }}">{{ $slot_title }}: {{ $slot }}</div>`,
		"components.value": "[{{ $v }}]",
		"components.name":  "({{ $name }})",
		"alert":            "@component('components.alert', ['type' => 'warn'])@slot('title')T@endslot Body@endcomponent",
		"params":           "@foreach($xs as $x)@component('components/value', ['v' => $x * 10])@endcomponent@endforeach",
		"isolated":         "@component('components.name')@endcomponent",
		"in.place":         "a@component('components.value', ['v' => 1])@endcomponent b",
		"raw.slot":         "@component('components.alert', ['type' => 'x'])@slot('title'){{ $t }}@endslot@endcomponent",
	})

	assert.Equal(t, `<div class="warn">T:  Body</div>`, render(t, e, "alert", nil))
	assert.Equal(t, "[10][20]", render(t, e, "params", map[string]any{"xs": []int{1, 2}}))
	assert.Equal(t, "()", render(t, e, "isolated", map[string]any{"name": "caller"}))
	assert.Equal(t, "a[1] b", render(t, e, "in.place", nil))
	assert.Equal(t, `<div class="x">{{ $t }}: </div>`, render(t, e, "raw.slot", map[string]any{"t": "no"}))
}

func TestRenderStructData(t *testing.T) {
	e := newEngine(map[string]string{"t": "{{ $Name }} {{ $Age }}"})
	var buf bytes.Buffer
	require.NoError(t, e.Render(&buf, "t", struct {
		Name string
		Age  int
		priv string
	}{Name: "Ann", Age: 3}))
	assert.Equal(t, "Ann 3", buf.String())

	buf.Reset()
	require.NoError(t, e.Render(&buf, "t", map[string]string{"Name": "Bo"}))
	assert.Equal(t, "Bo ", buf.String())

	err := e.Render(&buf, "t", 42)
	require.ErrorContains(t, err, "unsupported render data int")
}

func TestWithFunc(t *testing.T) {
	e := newEngine(map[string]string{"t": "{{ upper($s) }}"},
		blade.WithFunc("upper", func(params ...any) (any, error) {
			s, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("upper: want string, got %T", params[0])
			}
			return strings.ToUpper(s), nil
		}))
	assert.Equal(t, "HI", render(t, e, "t", map[string]any{"s": "hi"}))

	_, err := e.RenderString("t", map[string]any{"s": 1})
	var ee *blade.EvalError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Error(), "want string")
}

func TestRenderErrors(t *testing.T) {
	e := newEngine(map[string]string{
		"syntax":      "line1\n@if($a)\n",
		"orphan":      "@extends('nowhere')\n",
		"comp":        "x\n@component('nope')@endcomponent",
		"loop.a":      "@extends('loop.b')",
		"loop.b":      "@extends('loop.a')",
		"not.iter":    "ok\n@foreach($n as $x)@endforeach",
		"not.bool":    "@for($i = 0; $i; $i++)x@endfor",
		"self.yield":  "@section('s')x@yield('s')@endsection@yield('s')",
		"bad.parent":  "@extends('syntax')",
		"recursive":   "@component('recursive')@endcomponent",
		"broken.comp": "@component('syntax')@endcomponent",
	})

	t.Run("parse error carries line", func(t *testing.T) {
		_, err := e.RenderString("syntax", nil)
		var pe *blade.ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 2, pe.Line)
		assert.Equal(t, "syntax", pe.Template)
		assert.True(t, strings.HasPrefix(err.Error(), "[syntax:2]"))
	})

	t.Run("missing template", func(t *testing.T) {
		_, err := e.RenderString("missing", nil)
		var le *blade.LinkError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "template", le.Kind)
		assert.ErrorIs(t, err, blade.ErrTemplateNotFound)
	})

	t.Run("missing parent", func(t *testing.T) {
		_, err := e.RenderString("orphan", nil)
		var le *blade.LinkError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "extends", le.Kind)
		assert.Equal(t, "orphan", le.Template)
		assert.Equal(t, "nowhere", le.Target)
		assert.ErrorIs(t, err, blade.ErrTemplateNotFound)
	})

	t.Run("missing component", func(t *testing.T) {
		_, err := e.RenderString("comp", nil)
		var le *blade.LinkError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "component", le.Kind)
		assert.Equal(t, "comp", le.Template)
		assert.Equal(t, "nope", le.Target)
	})

	t.Run("circular extends", func(t *testing.T) {
		_, err := e.RenderString("loop.a", nil)
		var le *blade.LinkError
		require.ErrorAs(t, err, &le)
		assert.ErrorContains(t, err, "circular @extends")
	})

	t.Run("iterating a scalar", func(t *testing.T) {
		var buf bytes.Buffer
		err := e.Render(&buf, "not.iter", map[string]any{"n": 5})
		var ee *blade.EvalError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, 2, ee.Line)
		assert.Equal(t, "$n", ee.Expr)
		assert.Zero(t, buf.Len(), "nothing is written on failure")
	})

	t.Run("non boolean loop condition", func(t *testing.T) {
		_, err := e.RenderString("not.bool", nil)
		var ee *blade.EvalError
		require.ErrorAs(t, err, &ee)
		assert.ErrorContains(t, err, "must be a boolean")
	})

	t.Run("section yielding itself", func(t *testing.T) {
		_, err := e.RenderString("self.yield", nil)
		var ee *blade.EvalError
		require.ErrorAs(t, err, &ee)
		assert.ErrorContains(t, err, "yields itself")
	})

	t.Run("parent fails to parse", func(t *testing.T) {
		_, err := e.RenderString("bad.parent", nil)
		var pe *blade.ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "syntax", pe.Template)
	})

	t.Run("component fails to parse", func(t *testing.T) {
		_, err := e.RenderString("broken.comp", nil)
		var pe *blade.ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "syntax", pe.Template)
	})

	t.Run("extends chain limit", func(t *testing.T) {
		shallow := newEngine(map[string]string{
			"d": "@extends('c')", "c": "@extends('b')", "b": "@extends('a')", "a": "top",
		}, blade.WithMaxDepth(2))
		_, err := shallow.RenderString("d", nil)
		var le *blade.LinkError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "extends", le.Kind)
		assert.ErrorIs(t, err, blade.ErrMaxDepth)
	})

	t.Run("component nesting limit", func(t *testing.T) {
		shallow := newEngine(map[string]string{"recursive": "@component('recursive')@endcomponent"}, blade.WithMaxDepth(3))
		_, err := shallow.RenderString("recursive", nil)
		require.ErrorContains(t, err, "nested deeper than 3 levels")
		var le *blade.LinkError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "component", le.Kind)
		assert.Equal(t, "recursive", le.Target)
		assert.ErrorIs(t, err, blade.ErrMaxDepth)
	})
}

func TestFailedCompileIsNotCached(t *testing.T) {
	store := blade.NewMapStore(map[string]string{"p": "@if($a)"})
	e := blade.New(store)
	_, err := e.RenderString("p", nil)
	require.Error(t, err)

	store["p"] = "fixed"
	assert.Equal(t, "fixed", render(t, e, "p", nil))
}

func TestCompileIsIdempotent(t *testing.T) {
	e := newEngine(map[string]string{"p": "{{ $a }}"})
	t1, err := e.Compile("p")
	require.NoError(t, err)
	t2, err := e.Compile("p")
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, []string{"p"}, e.CompiledTemplates())
}

func TestClearCacheAndForget(t *testing.T) {
	store := blade.NewMapStore(map[string]string{"p": "v1", "q": "q1"})
	e := blade.New(store)
	assert.Equal(t, "v1", render(t, e, "p", nil))
	assert.Equal(t, "q1", render(t, e, "q", nil))

	store["p"], store["q"] = "v2", "q2"
	assert.Equal(t, "v1", render(t, e, "p", nil), "compiled units are cached")

	require.NoError(t, e.Forget("p"))
	assert.Equal(t, "v2", render(t, e, "p", nil))
	assert.Equal(t, "q1", render(t, e, "q", nil))

	require.NoError(t, e.ClearCache())
	assert.Empty(t, e.CompiledTemplates())
	assert.Equal(t, "q2", render(t, e, "q", nil))
}

func TestExternalCache(t *testing.T) {
	sources := map[string]string{
		"base":  "<@yield('s')>",
		"child": "@extends('base')\n@section('s'){{ $v }}@endsection\n",
	}
	cache := blade.NewMemoryCache(0)
	external := newEngine(sources, blade.WithCache(cache))
	internal := newEngine(sources)

	vars := map[string]any{"v": "x"}
	assert.Equal(t, render(t, internal, "child", vars), render(t, external, "child", vars))
	assert.Equal(t, 2, cache.Len())

	has, err := cache.Has("blade:child")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, external.Forget("child"))
	assert.Equal(t, 1, cache.Len())

	require.NoError(t, external.ClearCache())
	assert.Zero(t, cache.Len())
	assert.Equal(t, "<x>", render(t, external, "child", vars))
}

type flushOnlyCache struct {
	*blade.MemoryCache
	flushes int
}

func (c *flushOnlyCache) Flush() error {
	c.flushes++
	return c.MemoryCache.Flush()
}

// cacheWithoutForget hides MemoryCache.Forget.
type cacheWithoutForget struct{ c *flushOnlyCache }

func (c cacheWithoutForget) Get(key string) (any, bool, error) { return c.c.Get(key) }
func (c cacheWithoutForget) Put(key string, v any) error       { return c.c.Put(key, v) }
func (c cacheWithoutForget) Has(key string) (bool, error)      { return c.c.Has(key) }
func (c cacheWithoutForget) Flush() error                      { return c.c.Flush() }

// gatedStore holds the first Read after the source has been read until release
// is closed.
type gatedStore struct {
	blade.MapStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Read(name string) (string, error) {
	src, err := s.MapStore.Read(name)
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return src, err
}

func TestForgetDuringCompile(t *testing.T) {
	for _, tt := range []struct {
		name  string
		clear func(e *blade.Engine) error
	}{
		{"forget", func(e *blade.Engine) error { return e.Forget("p") }},
		{"clear cache", func(e *blade.Engine) error { return e.ClearCache() }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			store := &gatedStore{
				MapStore: blade.NewMapStore(map[string]string{"p": "v1"}),
				entered:  make(chan struct{}),
				release:  make(chan struct{}),
			}
			e := blade.New(store)

			done := make(chan string)
			go func() {
				out, _ := e.RenderString("p", nil)
				done <- out
			}()
			<-store.entered
			store.MapStore["p"] = "v2"
			require.NoError(t, tt.clear(e))
			close(store.release)

			assert.Equal(t, "v1", <-done)
			assert.Equal(t, "v2", render(t, e, "p", nil), "a compile started before the reset is not kept")
		})
	}
}

func TestForgetFlushesCacheWithoutForget(t *testing.T) {
	inner := &flushOnlyCache{MemoryCache: blade.NewMemoryCache(0)}
	e := newEngine(map[string]string{"a": "a", "b": "b"}, blade.WithCache(cacheWithoutForget{inner}))
	render(t, e, "a", nil)
	render(t, e, "b", nil)
	require.NoError(t, e.Forget("a"))
	assert.Equal(t, 1, inner.flushes)
	assert.Zero(t, inner.Len())
}

func TestNoCacheBackend(t *testing.T) {
	e := newEngine(map[string]string{"p": "x"}, blade.WithCache(nil))
	_, err := e.RenderString("p", nil)
	require.ErrorIs(t, err, blade.ErrNoCacheBackend)
	require.ErrorIs(t, e.ClearCache(), blade.ErrNoCacheBackend)
	require.ErrorIs(t, e.Forget("p"), blade.ErrNoCacheBackend)
}

type erroringCache struct{ blade.MemoryCache }

func (*erroringCache) Get(string) (any, bool, error) { return nil, false, errors.New("cache down") }

func TestCacheErrorsSurface(t *testing.T) {
	e := newEngine(map[string]string{"p": "x"}, blade.WithCache(&erroringCache{}))
	_, err := e.RenderString("p", nil)
	require.EqualError(t, err, "cache down")
}

func TestPrecompile(t *testing.T) {
	e := newEngine(map[string]string{"a": "a", "b.c": "{{ $x }}", "d": "@extends('a')"})
	require.NoError(t, e.Precompile(context.Background()))
	assert.Equal(t, []string{"a", "b.c", "d"}, e.CompiledTemplates())

	broken := newEngine(map[string]string{"a": "a", "bad": "{{ nope }}"})
	var pe *blade.ParseError
	require.ErrorAs(t, broken.Precompile(context.Background()), &pe)
	assert.Equal(t, "bad", pe.Template)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, newEngine(map[string]string{"a": "a"}).Precompile(ctx), context.Canceled)
}

func TestConcurrentRenders(t *testing.T) {
	e := newEngine(map[string]string{
		"base":  "<@yield('s')>",
		"child": "@extends('base')\n@section('s')@foreach($xs as $x){{ $x }}@endforeach{{ $n }}@endsection\n",
	})

	const workers = 32
	var wg sync.WaitGroup
	outputs := make([]string, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vars := map[string]any{"n": i, "xs": []int{i, i}}
			if i%2 == 0 {
				delete(vars, "n")
			}
			outputs[i], errs[i] = e.RenderString("child", vars)
		}()
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		want := fmt.Sprintf("<%d%d%d>", i, i, i)
		if i%2 == 0 {
			want = fmt.Sprintf("<%d%d>", i, i)
		}
		assert.Equal(t, want, outputs[i])
	}

	tmpl, err := e.Compile("child")
	require.NoError(t, err)
	assert.True(t, tmpl.Initialized())
}
