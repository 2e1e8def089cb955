package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"caseguard/api/internal/session"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	public     map[string]http.HandlerFunc
	private    map[string]http.HandlerFunc

	// privatePaths is every path in private, whatever the method.
	privatePaths map[string]bool
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.Named("http")}
	s.public = s.publicRoutes()
	s.private = s.sessionRoutes()
	s.privatePaths = map[string]bool{}
	for route := range s.private {
		_, path, _ := strings.Cut(route, " ")
		s.privatePaths[path] = true
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// publicRoutes are served without a session. Keys are "METHOD /path".
func (s *HTTPServer) publicRoutes() map[string]http.HandlerFunc {
	health := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
	return map[string]http.HandlerFunc{
		"GET /api/health":                       health,
		"HEAD /api/health":                      health,
		"GET /api/ready":                        s.handleReady,
		"HEAD /api/ready":                       s.handleReady,
		"GET /api/realtime":                     s.service.Realtime().ServeHTTP,
		"POST /api/auth/signup":                 s.handleAuthSignUp,
		"POST /api/auth/signin":                 s.handleAuthSignIn,
		"POST /api/auth/verify-email":           s.handleAuthVerifyEmail,
		"POST /api/auth/reset-password/request": s.handleAuthRequestReset,
		"POST /api/auth/reset-password":         s.handleAuthResetPassword,
		"GET /api/session":                      s.handleSession,
		"POST /api/session/refresh":             s.handleSessionRefresh,
		"POST /api/session/logout":              s.handleSessionLogout,
		"POST /api/email/verification":          s.handleEmailVerification,
		"POST /api/leads":                       s.handleCreateLead,
	}
}

// sessionRoutes are the fixed-path endpoints behind requireSession.
func (s *HTTPServer) sessionRoutes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /api/me/status":     s.handleMyStatus,
		"POST /api/llm/complete": s.handleComplete,
		"POST /api/uploads":      s.handleUpload,
		"POST /api/support":      s.handleCreateSupport,
	}
}

// sessionPrefixes are the /api/<prefix>/... trees dispatched after requireSession.
var sessionPrefixes = map[string]bool{"cases": true, "admin": true}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	route := r.Method + " " + path
	if h, ok := s.public[route]; ok {
		h(w, r)
		return
	}

	parts := splitPath(path)
	if !s.privatePaths[path] && (len(parts) < 2 || parts[0] != "api" || !sessionPrefixes[parts[1]]) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	if h, ok := s.private[route]; ok {
		h(w, r)
		return
	}

	switch {
	case s.privatePaths[path]:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case parts[1] == "cases":
		s.handleCases(w, r, parts[2:])
	case parts[1] == "admin":
		s.handleAdmin(w, r, parts[2:])
	}
}

type readinessCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]readinessCheck{}
	ready := true
	for name, probe := range map[string]func(context.Context) error{
		"database": s.service.Ping,
	} {
		if err := probe(ctx); err != nil {
			ready = false
			checks[name] = readinessCheck{Status: "error", Error: err.Error()}
			continue
		}
		checks[name] = readinessCheck{Status: "ok"}
	}

	code, status := http.StatusOK, "ready"
	if !ready {
		code, status = http.StatusServiceUnavailable, "not_ready"
	}
	writeJSON(w, code, map[string]any{"ok": ready, "status": status, "checks": checks})
}

// requireSession rejects anonymous callers with AUTH_REQUIRED and callers
// whose token is invalid, expired or revoked with UNAUTHORIZED.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	if bearerToken(r) == "" {
		writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Sign in to continue", nil)
		return session.Identity{}, false
	}
	identity, ok, err := s.service.Identity(r.Context())
	if err != nil {
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return session.Identity{}, false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return session.Identity{}, false
	}
	return identity, true
}

// fail maps err to a response. 5xx causes are logged, never returned.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		if token := bearerToken(r); token != "" {
			ctx = session.WithToken(ctx, token)
		}
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Internal-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
