// Package httpapi is the HTTP/Event Surface from spec.md §4.11 and §6:
// GET /api/status, the three control POSTs, GET/PUT /api/config, and a
// coalesced SSE stream at /api/events. Routing, CORS, and the bearer
// token guard are enrichments grounded on aj9599-zev-billing's
// main.go/handlers/auth.go (gorilla/mux subrouter + rs/cors + a
// golang-jwt/jwt/v5 HS256 token, reduced from zev-billing's
// multi-tenant user/session auth to this driver's single
// shared-secret operator token), plus a live websocket mirror and a
// Prometheus /metrics endpoint matching the teacher's own server.go
// and 99souls-ariadne's metrics wiring respectively.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/devskill-org/evse-driver/config"
	"github.com/devskill-org/evse-driver/control"
	"github.com/devskill-org/evse-driver/inbox"
	"github.com/devskill-org/evse-driver/metrics"
	"github.com/devskill-org/evse-driver/model"
	"github.com/devskill-org/evse-driver/propertybus"
	"github.com/devskill-org/evse-driver/publishbus"
)

// StatusProvider supplies the latest status view for GET /api/status;
// the control loop implements it by snapshotting its own state.
type StatusProvider interface {
	CurrentStatus() StatusView
}

// StatusView is the JSON shape returned by GET /api/status.
type StatusView struct {
	Snapshot  any            `json:"snapshot"`
	Intent    model.Intent   `json:"intent"`
	Session   *model.Session `json:"session,omitempty"`
	StaleMS   map[string]int64 `json:"stale_ms"`
	Unacknowledged bool      `json:"unacknowledged"`
}

// ConfigProvider reads and applies the live-reloadable subset of config.
type ConfigProvider interface {
	CurrentConfig() *config.Config
	ApplyConfig(*config.Config) error
}

// Server is the HTTP/Event Surface.
type Server struct {
	status  StatusProvider
	cfg     ConfigProvider
	store   *propertybus.Store
	ib      *inbox.Inbox
	mx      *metrics.Registry
	exporter *publishbus.Exporter
	logger  *log.Logger

	authToken string

	httpServer *http.Server
}

// Config bundles Server construction parameters.
type Config struct {
	Address   string
	AuthToken string // empty disables the bearer-token guard
	CORSOrigins []string
}

// New creates a Server and wires its routes.
func New(cfg Config, status StatusProvider, cp ConfigProvider, store *propertybus.Store,
	ib *inbox.Inbox, mx *metrics.Registry, exporter *publishbus.Exporter, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		status: status, cfg: cp, store: store, ib: ib, mx: mx, exporter: exporter,
		logger: logger, authToken: cfg.AuthToken,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/api/config", s.handleGetConfig).Methods("GET")
	router.HandleFunc("/api/events", s.handleEvents).Methods("GET")
	if exporter != nil {
		router.HandleFunc("/api/ws", exporter.HandleWS)
	}
	if mx != nil {
		router.Handle("/metrics", promhttp.HandlerFor(mx.Registerer(), promhttp.HandlerOpts{}))
	}

	write := router.PathPrefix("/api").Subrouter()
	write.Use(s.authMiddleware)
	write.HandleFunc("/mode", s.handleSetMode).Methods("POST")
	write.HandleFunc("/startstop", s.handleSetStartStop).Methods("POST")
	write.HandleFunc("/set_current", s.handleSetCurrent).Methods("POST")
	write.HandleFunc("/config", s.handlePutConfig).Methods("PUT")

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the SSE handler holds the connection open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("httpapi: server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenString := header[len(prefix):]
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(s.authToken), nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.CurrentStatus())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.CurrentConfig())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config JSON")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.ApplyConfig(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type modeRequest struct {
	Mode any `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd := model.Command{Kind: model.CmdSetMode, Raw: req.Mode}
	if reason := control.ValidateCommand(cmd); reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}
	s.ib.Push(cmd)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type valueRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleSetStartStop(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd := model.Command{Kind: model.CmdSetStartStop, Raw: req.Value}
	if reason := control.ValidateCommand(cmd); reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}
	s.ib.Push(cmd)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type currentRequest struct {
	Amps any `json:"amps"`
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var req currentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd := model.Command{Kind: model.CmdSetCurrent, Raw: req.Amps}
	if reason := control.ValidateCommand(cmd); reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}
	s.ib.Push(cmd)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEvents streams Property Store changes as server-sent events,
// one coalesced event per change, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, changes := s.store.Subscribe()
	defer s.store.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			payload, err := json.Marshal(c)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
