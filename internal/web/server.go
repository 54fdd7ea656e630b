// Package web serves the JSON API and the WebSocket notification stream.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"podsd/internal/history"
	"podsd/internal/resolver"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithHistory enables the battery history endpoint.
func WithHistory(rec *history.Recorder) ServerOption {
	return func(s *Server) {
		s.history = rec
	}
}

// WithVersion sets the version string returned by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Connector is the subset of the BlueZ connector the API drives.
type Connector interface {
	Connect(ctx context.Context, modelID uint16) error
	Disconnect(ctx context.Context, modelID uint16) error
}

// Server is the HTTP server exposing resolver state.
type Server struct {
	res            *resolver.Resolver
	connector      Connector
	history        *history.Recorder
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	unsub          func()
}

// NewServer creates a web server. connector may be nil, which disables the
// connect/disconnect endpoints.
func NewServer(res *resolver.Resolver, connector Connector, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		res:       res,
		connector: connector,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.unsub = res.Subscribe(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop detaches from the resolver and drops all WebSocket clients.
func (s *Server) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
	s.wsHub.Stop()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("GET /api/devices/{id}/history", s.handleAPIDeviceHistory)
	s.mux.HandleFunc("POST /api/devices/{id}/connect", s.handleAPIConnect)
	s.mux.HandleFunc("POST /api/devices/{id}/disconnect", s.handleAPIDisconnect)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only require the API key for /api/ endpoints. The WebSocket
		// upgrade cannot carry custom headers from a browser.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// modelIDFromPath parses the {id} path segment: hex with or without a 0x
// prefix, e.g. "2014" or "0x2014".
func modelIDFromPath(r *http.Request) (uint16, bool) {
	raw := strings.TrimPrefix(strings.ToLower(r.PathValue("id")), "0x")
	id, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(id), true
}

// parseSince reads the optional ?since= query parameter as a duration
// looking back from now. Defaults to 24h.
func parseSince(r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Now().Add(-24 * time.Hour), true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(-d), true
}
