package blade

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

// View names a template together with its render data and response status.
type View interface {
	Name() string
	Data() any
	Status() int
}

type view struct {
	name   string
	data   any
	status int
}

func NewView(name string, data any, status ...int) View {
	statusCode := http.StatusOK
	if len(status) > 0 {
		statusCode = status[0]
	}
	return view{
		name:   normalizeName(name),
		data:   data,
		status: statusCode,
	}
}

func (v view) Name() string { return v.name }

func (v view) Data() any { return v.data }

func (v view) Status() int { return v.status }

// HTML writes v to the response through the engine registered as gin's HTMLRender.
func HTML(c *gin.Context, v View) {
	c.HTML(v.Status(), v.Name(), v.Data())
}

var _ render.HTMLRender = (*HtmlRender)(nil)

// HtmlRender is a gin HTMLRender backed by an Engine.
type HtmlRender struct {
	e *Engine
}

// NewHTMLRender creates a new HtmlRender.
func NewHTMLRender(e *Engine) *HtmlRender {
	return &HtmlRender{e: e}
}

// Instance returns a render.Render for one response.
func (h *HtmlRender) Instance(name string, data any) render.Render {
	return &Render{e: h.e, name: name, data: data}
}

// PageHandler renders the template named by the request path: "/docs/intro"
// renders "docs.intro" and "/" renders index. Query parameters become variables.
// Missing templates answer 404.
func (h *HtmlRender) PageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.Trim(c.Request.URL.Path, "/")
		if name == "" {
			name = "index"
		}
		vars := gin.H{}
		for k, v := range c.Request.URL.Query() {
			if len(v) == 1 {
				vars[k] = v[0]
			} else {
				vars[k] = v
			}
		}
		body, err := h.e.RenderString(name, vars)
		if err != nil {
			var le *LinkError
			if errors.As(err, &le) && le.Kind == "template" {
				c.String(http.StatusNotFound, err.Error())
				return
			}
			_ = c.Error(err)
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(body))
	}
}

// Render renders one template as an HTTP response body.
type Render struct {
	e    *Engine
	name string
	data any
}

// Render renders the template with data and writes it to w.
func (r *Render) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	return r.e.Render(w, r.name, r.data)
}

// WriteContentType writes an HTML content type to the response header if not set.
func (r *Render) WriteContentType(w http.ResponseWriter) {
	header := w.Header()
	if val := header["Content-Type"]; len(val) == 0 {
		header["Content-Type"] = []string{"text/html; charset=utf-8"}
	}
}
