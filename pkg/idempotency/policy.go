package idempotency

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

// RoutePolicy decides which requests are protected mutations.
type RoutePolicy interface {
	Protects(method, path string) bool
}

type RoutePolicyFunc func(method, path string) bool

func (f RoutePolicyFunc) Protects(method, path string) bool { return f(method, path) }

var mutatingMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// MutatingMethods protects every POST, PUT, PATCH and DELETE.
var MutatingMethods = RoutePolicyFunc(func(method, _ string) bool {
	return isMutating(method)
})

func isMutating(method string) bool {
	m := strings.ToUpper(method)
	for _, candidate := range mutatingMethods {
		if m == candidate {
			return true
		}
	}
	return false
}

// Route is one protected (method, pattern) pair. Patterns use chi syntax,
// e.g. /orders/{id}/cancel or /vouchers/{code:[A-Z0-9]+}. Method "*" means
// every mutating method.
type Route struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

type routesFile struct {
	Routes []Route `yaml:"routes"`
}

// Routes is a RoutePolicy backed by a chi routing tree.
type Routes struct {
	mux    *chi.Mux
	routes []Route
}

var noop = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

func NewRoutes(routes []Route) (*Routes, error) {
	mux := chi.NewRouter()
	out := make([]Route, 0, len(routes))
	for _, rt := range routes {
		method := strings.ToUpper(strings.TrimSpace(rt.Method))
		path := strings.TrimSpace(rt.Path)
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("idempotency: route path %q must start with /", rt.Path)
		}
		methods := []string{method}
		if method == "*" || method == "" {
			methods = mutatingMethods
		} else if !isMutating(method) {
			return nil, fmt.Errorf("idempotency: method %q is not a mutation", rt.Method)
		}
		for _, m := range methods {
			mux.Method(m, path, noop)
		}
		out = append(out, Route{Method: method, Path: path})
	}
	return &Routes{mux: mux, routes: out}, nil
}

// LoadRoutes reads a YAML document of the form
//
//	routes:
//	  - method: POST
//	    path: /orders
func LoadRoutes(r io.Reader) (*Routes, error) {
	var f routesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("idempotency: parse routes: %w", err)
	}
	return NewRoutes(f.Routes)
}

func (r *Routes) Protects(method, path string) bool {
	if r == nil || len(r.routes) == 0 || !isMutating(method) {
		return false
	}
	return r.mux.Match(chi.NewRouteContext(), strings.ToUpper(method), path)
}

func (r *Routes) List() []Route {
	if r == nil {
		return nil
	}
	return append([]Route(nil), r.routes...)
}
