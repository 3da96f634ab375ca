package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kerfworks/kerfgate/internal/auth"
	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/ratelimit"
)

// Server is the kerfgate HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional (nil-safe): Limiter, MCPServer, Idem, Sweeper.
type ServerConfig struct {
	Handlers HandlersDeps
	JWTMgr   *auth.JWTManager
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger

	MCPServer *mcpserver.MCPServer

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Handlers)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit groups share one limiter; the key prefix separates
	// budgets per concern. Auth is keyed by IP because it runs before
	// any claims exist; everything else is keyed by operator, with
	// admins exempt.
	authRL := ratelimit.Middleware(cfg.Limiter, prefixedKeyFunc("auth", ratelimit.IPKeyFunc), reqIDFunc)
	evalRL := ratelimit.Middleware(cfg.Limiter, prefixedKeyFunc("eval", operatorKeyFunc), reqIDFunc)
	sessionRL := ratelimit.Middleware(cfg.Limiter, prefixedKeyFunc("session", operatorKeyFunc), reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Operator management (admin-only, no rate limit).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/operators", adminOnly(http.HandlerFunc(h.HandleCreateOperator)))

	// Stateless feasibility scoring (viewer+).
	readRole := requireRole(model.RoleViewer)
	mux.Handle("POST /v1/feasibility", evalRL(readRole(http.HandlerFunc(h.HandleEvaluate))))

	// Session lifecycle (operator+ for mutations, viewer+ for reads).
	writeRole := requireRole(model.RoleOperator)
	mux.Handle("POST /v1/sessions", sessionRL(writeRole(http.HandlerFunc(h.HandleCreateSession))))
	mux.Handle("GET /v1/sessions", sessionRL(readRole(http.HandlerFunc(h.HandleListSessions))))
	mux.Handle("GET /v1/sessions/{session_id}", sessionRL(readRole(http.HandlerFunc(h.HandleGetSession))))
	mux.Handle("PUT /v1/sessions/{session_id}/context", sessionRL(writeRole(http.HandlerFunc(h.HandleSubmitContext))))
	mux.Handle("POST /v1/sessions/{session_id}/feasibility", evalRL(writeRole(http.HandlerFunc(h.HandleRequestFeasibility))))
	mux.Handle("POST /v1/sessions/{session_id}/transition", sessionRL(writeRole(http.HandlerFunc(h.HandleTransition))))
	mux.Handle("POST /v1/sessions/{session_id}/toolpaths", sessionRL(writeRole(http.HandlerFunc(h.HandleRequestToolpaths))))
	mux.Handle("GET /v1/sessions/{session_id}/overrides", sessionRL(readRole(http.HandlerFunc(h.HandleListOverrides))))

	// Artifacts (viewer+).
	mux.Handle("GET /v1/artifacts/{content_hash}", sessionRL(readRole(http.HandlerFunc(h.HandleGetArtifact))))

	// MCP StreamableHTTP transport (auth required, viewer+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// operatorKeyFunc extracts the operator ID from the request context for
// rate limiting. Returns empty string for admins (exempt).
func operatorKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.OperatorID
}

// prefixedKeyFunc namespaces a key func so endpoint groups get
// independent token buckets from a shared limiter.
func prefixedKeyFunc(prefix string, inner ratelimit.KeyFunc) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		key := inner(r)
		if key == "" {
			return ""
		}
		return prefix + ":" + key
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
