// Package userapi exposes the gateway's REST interface: login and token
// refresh, and the mail operations behind bearer-token auth.
package userapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillmail/gate/config"
	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/pkg/metrics"
	"github.com/quillmail/gate/session"
)

type contextKey string

const bearerTokenKey contextKey = "bearer_token"

// Server is the HTTP API front end. All mail semantics live in the
// session manager; handlers only translate HTTP to manager calls.
type Server struct {
	manager *session.Manager
	cfg     config.HTTPAPIConfig
	httpSrv *http.Server
}

// New builds a Server around a session manager.
func New(manager *session.Manager, cfg config.HTTPAPIConfig) *Server {
	s := &Server{manager: manager, cfg: cfg}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)
	if len(cfg.AllowedHosts) > 0 {
		router.Use(s.allowedHostsMiddleware)
	}

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodGet)

	mail := router.PathPrefix("/mail").Subrouter()
	mail.Use(s.authMiddleware)
	mail.HandleFunc("/folders", s.handleListFolders).Methods(http.MethodGet)
	mail.HandleFunc("/folders", s.handleCreateFolder).Methods(http.MethodPost)
	// Folder names may contain the hierarchy delimiter, "/" included,
	// so the name patterns have to span path segments.
	mail.HandleFunc("/folders/{name:.+}/messages", s.handleListMessages).Methods(http.MethodGet)
	mail.HandleFunc("/folders/{name:.+}", s.handleDeleteFolder).Methods(http.MethodDelete)
	mail.HandleFunc("/folders/{name:.+}", s.handleRenameFolder).Methods(http.MethodPut)
	mail.HandleFunc("/messages/{mailbox:.+}/{uid:[0-9]+}", s.handleGetMessage).Methods(http.MethodGet)
	mail.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	logger.Info("HTTP API listening", "addr", s.cfg.Addr, "tls", s.cfg.TLS)
	var err error
	if s.cfg.TLS {
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
		for _, allowed := range s.cfg.AllowedHosts {
			if strings.EqualFold(allowed, host) {
				next.ServeHTTP(w, r)
				return
			}
		}
		logger.Warn("Rejected request for disallowed host", "host", r.Host)
		writeError(w, http.StatusForbidden, "host_not_allowed", "host not allowed")
	})
}

// authMiddleware pulls the bearer token off the request; handlers
// exchange it for a live client per call, so pool eviction and
// transparent reconnection stay invisible here.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "token_invalid", "missing bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), bearerTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func requestToken(r *http.Request) string {
	token, _ := r.Context().Value(bearerTokenKey).(string)
	return token
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Error("Failed to encode JSON response", "error", err)
		}
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeDomainError maps taxonomy errors onto HTTP statuses and
// machine-readable codes. Anything unrecognized becomes a 500 with no
// internal detail leaked.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	message := err.Error()

	switch {
	case errors.Is(err, consts.ErrInvalidEmail):
		status, code = http.StatusBadRequest, "invalid_email"
	case errors.Is(err, consts.ErrDiscoveryNotFound):
		status, code = http.StatusBadRequest, "discovery_not_found"
	case errors.Is(err, consts.ErrProtocolUnknown):
		status, code = http.StatusBadRequest, "protocol_unknown"
	case errors.Is(err, consts.ErrAuthRejected):
		status, code = http.StatusUnauthorized, "auth_rejected"
	case errors.Is(err, consts.ErrTokenExpired):
		status, code = http.StatusUnauthorized, "token_expired"
	case errors.Is(err, consts.ErrTokenInvalid):
		status, code = http.StatusUnauthorized, "token_invalid"
	case errors.Is(err, consts.ErrSessionExpired):
		status, code = http.StatusUnauthorized, "session_expired"
	case errors.Is(err, consts.ErrAccessTokenStillValid):
		status, code = http.StatusConflict, "access_token_still_valid"
	case errors.Is(err, consts.ErrConnectTimeout):
		status, code = http.StatusGatewayTimeout, "connect_timeout"
	case errors.Is(err, consts.ErrNetworkUnreachable):
		status, code = http.StatusBadGateway, "network_unreachable"
	case errors.Is(err, consts.ErrUnsupported):
		status, code = http.StatusNotImplemented, "unsupported"
	default:
		message = "internal error"
		logger.Error("Unclassified request error", "error", err)
	}
	writeError(w, status, code, message)
}
