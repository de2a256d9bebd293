// Package rest is the request/response half of the client interface: one
// JSON action envelope in, one result envelope out, plus /health and
// /metrics routes.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ionbridge/cp02-bridge/pkg/api/middleware"
	"github.com/ionbridge/cp02-bridge/pkg/logger"
)

// Result is the envelope every action produces, declared locally so this
// package doesn't import the station stack.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ActionExecutor is the one method the REST server needs from whatever
// owns the actual command surface - the station dispatcher for
// stationd/gatewayd, or a bus-backed executor for aggregatord that fans a
// command out to one gateway.
type ActionExecutor interface {
	Dispatch(ctx context.Context, action string, params map[string]interface{}) Result
}

// StatusProvider supplies the /api/v1/status payload: connection state
// plus the action catalog for a station daemon, the gateway snapshot list
// for the aggregator.
type StatusProvider interface {
	Status() interface{}
}

// ServerConfig holds REST server configuration.
type ServerConfig struct {
	Port int
}

// Server is the REST API server.
type Server struct {
	executor ActionExecutor
	status   StatusProvider
	auth     *middleware.SharedSecretAuth
	config   ServerConfig
	srv      *http.Server
	log      *logger.Logger
}

// NewServer builds a REST server over executor/status, optionally requiring
// auth (pass an auth built with an empty secret to disable it).
func NewServer(executor ActionExecutor, status StatusProvider, auth *middleware.SharedSecretAuth, config ServerConfig) *Server {
	return &Server{executor: executor, status: status, auth: auth, config: config, log: logger.Global()}
}

// actionRequest is the inbound `{action, params}` envelope.
type actionRequest struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
}

// actionResponse is the outbound `{type, action, success, data, message,
// timestamp}` envelope. Type is "response" for a dispatched action and
// "error" for a failed one.
type actionResponse struct {
	Type      string      `json:"type"`
	Action    string      `json:"action"`
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Start builds the router, applies auth middleware, and begins serving in
// a background goroutine.
func (s *Server) Start() error {
	r := mux.NewRouter()
	s.registerRoutes(r)

	if s.auth != nil && s.auth.Enabled() {
		r.Use(s.auth.Handler)
		s.log.Info("rest: shared-secret authentication enabled")
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	if s.config.Port == 0 {
		addr = ":8080"
	}

	s.srv = &http.Server{Addr: addr, Handler: r}
	s.log.Info("rest: listening", "addr", addr)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("rest: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/action", s.handleAction).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.status == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{})
		return
	}
	json.NewEncoder(w).Encode(s.status.Status())
}

// handleAction decodes one `{action, params}` request, dispatches it with
// a bounded context, and writes the uniform result envelope. Each HTTP
// request is handled to completion before the next is read, so one
// pending request per connection holds by construction.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, actionResponse{Type: "error", Success: false, Message: "invalid request body", Timestamp: time.Now()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result := s.executor.Dispatch(ctx, req.Action, req.Params)
	respType := "response"
	if !result.Success {
		respType = "error"
	}
	writeJSON(w, http.StatusOK, actionResponse{
		Type:      respType,
		Action:    req.Action,
		Success:   result.Success,
		Data:      result.Data,
		Message:   result.Message,
		Timestamp: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
