// Package api is the thin REST adapter: it translates HTTP requests into
// Lifecycle Manager calls, serializes metadata, and multiplexes the
// reverse-proxy surface onto the same listener.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/kvross/apphost/internal/config"
	"github.com/kvross/apphost/internal/lifecycle"
	"github.com/kvross/apphost/internal/proxy"
)

// Server is apphostd's HTTP API + reverse-proxy server.
type Server struct {
	cfg       *config.Config
	lifecycle *lifecycle.Manager
	httpProxy *proxy.HTTPProxy
	wsProxy   *proxy.WebSocketProxy
	mux       *http.ServeMux
	server    *http.Server
	ln        net.Listener
}

// NewServer builds a Server. cfg.APIPort is the listener the REST +
// proxy surface binds to.
func NewServer(cfg *config.Config, lm *lifecycle.Manager) *Server {
	resolve := func(appID string) (int, error) {
		rec, err := lm.Get(appID)
		if err != nil {
			return 0, err
		}
		if rec.Port == 0 {
			return 0, lifecycle.ErrNotFound
		}
		return rec.Port, nil
	}

	s := &Server{
		cfg:       cfg,
		lifecycle: lm,
		httpProxy: proxy.NewHTTPProxy(resolve),
		wsProxy:   proxy.NewWebSocketProxy(resolve),
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("HEAD /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("HEAD /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/apps", s.handleListApps)
	s.mux.HandleFunc("HEAD /api/apps", s.handleListApps)
	s.mux.HandleFunc("POST /api/apps", s.handleCreateApp)
	s.mux.HandleFunc("GET /api/apps/{id}", s.handleGetApp)
	s.mux.HandleFunc("HEAD /api/apps/{id}", s.handleGetApp)
	s.mux.HandleFunc("PATCH /api/apps/{id}", s.handleUpdateApp)
	s.mux.HandleFunc("DELETE /api/apps/{id}", s.handleDeleteApp)
	s.mux.HandleFunc("POST /api/apps/{id}/start", s.handleStartApp)
	s.mux.HandleFunc("POST /api/apps/{id}/stop", s.handleStopApp)
	s.mux.HandleFunc("GET /api/apps/{id}/logs", s.handleTailLogs)

	s.mux.HandleFunc("/apps/{id}", s.handleProxy)
	s.mux.HandleFunc("/apps/{id}/", s.handleProxy)
}

// Start begins serving on cfg.Bind:cfg.APIPort.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.APIPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.server.Serve(ln)
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	appID := pathParam(r, "id")
	if !isValidID(appID) {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}
	if proxy.IsWebSocketUpgrade(r) {
		s.wsProxy.ServeApp(w, r, appID)
		return
	}
	s.httpProxy.ServeApp(w, r, appID)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathParam extracts a path parameter from the request.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// isValidID checks if an ID string is safe to use as a path component.
func isValidID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	return !strings.Contains(id, "..")
}
