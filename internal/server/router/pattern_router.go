package router

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

// PatternRouter routes by method and path pattern. Patterns may carry
// placeholders like "/sessions/{id}/stats".
type PatternRouter struct {
	routes []routeEntry
}

type routeEntry struct {
	method  string
	pattern *regexp.Regexp
	handler http.HandlerFunc
	keys    []string
}

type paramKey string

// NewPatternRouter creates a new pattern router
func NewPatternRouter() *PatternRouter {
	return &PatternRouter{}
}

// HandleFunc registers a handler for method and pattern. An empty method
// matches any. Pattern examples:
//   - "/sessions/{id}" matches /sessions/abc123
//   - "/files/{path:.*}" matches /files/any/path
func (pr *PatternRouter) HandleFunc(method, pattern string, handler http.HandlerFunc) {
	regexPattern, keys := compilePattern(pattern)
	pr.routes = append(pr.routes, routeEntry{
		method:  method,
		pattern: regexPattern,
		handler: handler,
		keys:    keys,
	})
}

// ServeHTTP implements http.Handler. A path that matches only under other
// methods gets 405 with an Allow header.
func (pr *PatternRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var allowed []string
	for _, route := range pr.routes {
		matches := route.pattern.FindStringSubmatch(r.URL.Path)
		if matches == nil {
			continue
		}
		if route.method != "" && route.method != r.Method {
			allowed = append(allowed, route.method)
			continue
		}
		if len(route.keys) > 0 {
			ctx := r.Context()
			for i, key := range route.keys {
				ctx = context.WithValue(ctx, paramKey(key), matches[i+1])
			}
			r = r.WithContext(ctx)
		}
		route.handler(w, r)
		return
	}
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	http.NotFound(w, r)
}

// compilePattern converts a pattern with placeholders to an anchored
// regular expression and the list of placeholder keys.
func compilePattern(pattern string) (*regexp.Regexp, []string) {
	var keys []string

	regexPattern := regexp.QuoteMeta(pattern)

	// {key} or {key:regex}, escaped by QuoteMeta
	placeholderRegex := regexp.MustCompile(`\\\{([^}:]+)(?::([^}]+))?\\\}`)
	regexPattern = placeholderRegex.ReplaceAllStringFunc(regexPattern, func(match string) string {
		content := strings.TrimPrefix(strings.TrimSuffix(match, `\}`), `\{`)
		parts := strings.SplitN(content, ":", 2)
		keys = append(keys, parts[0])
		if len(parts) == 2 {
			return "(" + parts[1] + ")"
		}
		return `([^/]+)`
	})

	return regexp.MustCompile("^" + regexPattern + "$"), keys
}

// PathParam returns the value matched by a placeholder, or "".
func PathParam(r *http.Request, key string) string {
	if val, ok := r.Context().Value(paramKey(key)).(string); ok {
		return val
	}
	return ""
}
