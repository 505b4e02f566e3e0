package router

import (
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// RouteRegistrar mounts a set of routes on the versioned API group
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router mounts registrars under /api/<version>
type Router struct {
	engine     *gin.Engine
	apiVersion string
	middleware []gin.HandlerFunc
	registrars []RouteRegistrar
}

type RouterOption func(*Router)

// WithAPIVersion replaces the default "v1" prefix
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) { r.apiVersion = version }
}

// WithMiddleware runs mw in front of every versioned route
func WithMiddleware(mw ...gin.HandlerFunc) RouterOption {
	return func(r *Router) { r.middleware = append(r.middleware, mw...) }
}

func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{engine: engine, apiVersion: "v1"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Register(registrars ...RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrars...)
	return r
}

// Setup mounts every registered group on the engine
func (r *Router) Setup() {
	api := r.engine.Group("/api/"+r.apiVersion, r.middleware...)
	for _, reg := range r.registrars {
		reg.RegisterRoutes(api)
	}
}

// RouteGroup declares routes under a common prefix before they are mounted.
// Nil handlers and middleware are dropped, so optional guards can be passed
// unconditionally.
type RouteGroup struct {
	prefix     string
	middleware []gin.HandlerFunc
	routes     []route
	children   []*RouteGroup
}

type route struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

func NewRouteGroup(prefix string) *RouteGroup {
	return &RouteGroup{prefix: prefix}
}

func (g *RouteGroup) Use(mw ...gin.HandlerFunc) *RouteGroup {
	g.middleware = append(g.middleware, compact(mw)...)
	return g
}

func (g *RouteGroup) GET(p string, h ...gin.HandlerFunc) *RouteGroup {
	return g.add(http.MethodGet, p, h)
}

func (g *RouteGroup) POST(p string, h ...gin.HandlerFunc) *RouteGroup {
	return g.add(http.MethodPost, p, h)
}

func (g *RouteGroup) PUT(p string, h ...gin.HandlerFunc) *RouteGroup {
	return g.add(http.MethodPut, p, h)
}

func (g *RouteGroup) DELETE(p string, h ...gin.HandlerFunc) *RouteGroup {
	return g.add(http.MethodDelete, p, h)
}

func (g *RouteGroup) add(method, p string, h []gin.HandlerFunc) *RouteGroup {
	g.routes = append(g.routes, route{method: method, path: p, handlers: compact(h)})
	return g
}

// Sub returns a child group that inherits this group's middleware
func (g *RouteGroup) Sub(prefix string) *RouteGroup {
	child := NewRouteGroup(prefix)
	g.children = append(g.children, child)
	return child
}

// Routes lists "METHOD path" for every route relative to the mount point
func (g *RouteGroup) Routes() []string {
	var out []string
	for _, rt := range g.routes {
		out = append(out, rt.method+" "+path.Join("/", g.prefix, rt.path))
	}
	for _, child := range g.children {
		for _, r := range child.Routes() {
			method, rest, _ := strings.Cut(r, " ")
			out = append(out, method+" "+path.Join("/", g.prefix, rest))
		}
	}
	return out
}

func (g *RouteGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(g.prefix, g.middleware...)
	for _, rt := range g.routes {
		group.Handle(rt.method, rt.path, rt.handlers...)
	}
	for _, child := range g.children {
		child.RegisterRoutes(group)
	}
}

func compact(hs []gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}
