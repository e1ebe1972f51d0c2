// A simple http.Handler that can match wildcard routes, and call the
// appropriate handler.
package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

type route struct {
	pattern *regexp.Regexp
	methods []string
	handler http.Handler
}

func (rt *route) allows(method string) bool {
	for _, m := range rt.methods {
		if strings.ToUpper(m) == method {
			return true
		}
	}
	return false
}

type RegexpHandler struct {
	routes []*route
}

func (h *RegexpHandler) Handler(pattern *regexp.Regexp, methods []string, handler http.Handler) {
	h.routes = append(h.routes, &route{
		pattern: pattern,
		methods: methods,
		handler: handler,
	})
}

func (h *RegexpHandler) HandleFunc(pattern *regexp.Regexp, methods []string, handler func(http.ResponseWriter, *http.Request)) {
	h.Handler(pattern, methods, http.HandlerFunc(handler))
}

func (h *RegexpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, route := range h.routes {
		if !route.pattern.MatchString(r.URL.Path) {
			continue
		}
		method := strings.ToUpper(r.Method)
		if route.allows(method) {
			route.handler.ServeHTTP(w, r)
			return
		}
		if method == "OPTIONS" {
			w.Header().Set("Allow", strings.Join(append(route.methods, "OPTIONS"), ", "))
		} else {
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(new405(r))
		}
		return
	}
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(new404(r))
}
