package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/server/handlers"
	"github.com/babelcloud/gbox/packages/recorder/internal/server/router"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/babelcloud/gbox/packages/recorder/internal/version"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
)

// Options configures a Server.
type Options struct {
	Addr    string
	Token   string // generated when empty
	Factory SessionFactory
}

// Server exposes recordings over HTTP: control endpoints, live fMP4,
// a stats websocket and WebRTC preview.
type Server struct {
	addr  string
	token string

	mu         sync.Mutex
	httpServer *http.Server

	registry  *Registry
	handlers  *handlers.Handlers
	router    *router.PatternRouter
	logger    *slog.Logger
	startTime time.Time
}

// New creates a server. Nothing listens until Start or Serve.
func New(opts Options) *Server {
	token := opts.Token
	if token == "" {
		token = uniuri.NewLen(32)
	}
	registry := NewRegistry(opts.Factory)
	s := &Server{
		addr:      opts.Addr,
		token:     token,
		registry:  registry,
		handlers:  handlers.New(registry),
		router:    router.NewPatternRouter(),
		logger:    util.GetLogger().With("component", "server"),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Token returns the bearer token clients must present.
func (s *Server) Token() string {
	return s.token
}

// Registry returns the recording registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.logger, s.authMiddleware(s.router))
}

// Start listens on the configured address until Stop.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Stop.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          util.StdLogger(slog.LevelWarn),
		// no read/write timeouts for streaming connections
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Recorder server listening", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

// Stop stops every recording and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.registry.Close()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		// Force close if graceful shutdown fails
		return srv.Close()
	}
	s.logger.Info("Recorder server stopped")
	return nil
}

func (s *Server) setupRoutes() {
	h := s.handlers
	withID := func(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			fn(w, r, router.PathParam(r, "id"))
		}
	}

	s.router.HandleFunc(http.MethodGet, "/version", s.handleVersion)
	s.router.HandleFunc(http.MethodGet, "/sessions", h.HandleList)
	s.router.HandleFunc(http.MethodPost, "/sessions", h.HandleCreate)
	s.router.HandleFunc(http.MethodGet, "/sessions/{id}", withID(h.HandleGet))
	s.router.HandleFunc(http.MethodDelete, "/sessions/{id}", withID(h.HandleDelete))
	s.router.HandleFunc(http.MethodGet, "/sessions/{id}/stream.mp4", withID(h.HandleStream))
	s.router.HandleFunc(http.MethodGet, "/sessions/{id}/stats", withID(h.HandleStats))
	s.router.HandleFunc(http.MethodPost, "/sessions/{id}/preview/offer", withID(h.HandlePreviewOffer))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	handlers.RespondJSON(w, http.StatusOK, struct {
		version.Info
		Uptime string `json:"uptime"`
	}{version.Get(), time.Since(s.startTime).Round(time.Second).String()})
}

// authMiddleware accepts "Authorization: Bearer <token>" or a token query
// parameter for clients that cannot set headers (video elements,
// browser websockets). /version is public.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}
		presented := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			handlers.RespondError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
