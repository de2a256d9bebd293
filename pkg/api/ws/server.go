// Package ws is the push half of the client interface: a WebSocket
// connection that forwards gateway events as `{type, gateway_id, data,
// timestamp}` frames. Broadcast-only - the push channel never acts on
// client-sent payloads, so there is no subscribe protocol beyond an
// optional gateway filter in the upgrade query string.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ionbridge/cp02-bridge/pkg/api/middleware"
	"github.com/ionbridge/cp02-bridge/pkg/logger"
)

// ServerConfig holds WebSocket server configuration.
type ServerConfig struct {
	Port            int
	Path            string
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8081,
		Path:            "/ws",
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Event is one push message. Type carries the event kind (ports,
// device_info, heartbeat, status, timeout, cmd_response).
type Event struct {
	Type      string      `json:"type"`
	GatewayID string      `json:"gateway_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Server is the push WebSocket server.
type Server struct {
	mu       sync.RWMutex
	config   ServerConfig
	auth     *middleware.SharedSecretAuth
	upgrader websocket.Upgrader
	clients  map[*client]bool
	running  bool
	srv      *http.Server
	log      *logger.Logger
}

// NewServer builds a push server. auth may be nil to disable authentication.
func NewServer(auth *middleware.SharedSecretAuth, config ServerConfig) *Server {
	return &Server{
		config:  config,
		auth:    auth,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.Global(),
	}
}

// client is one connected WebSocket subscriber. gatewayFilter, when
// non-empty, restricts delivery to events for that gateway_id only - set via
// the `?gateway_id=` query parameter on upgrade.
type client struct {
	conn          *websocket.Conn
	server        *Server
	send          chan []byte
	gatewayFilter string
}

// Start upgrades connections at config.Path and begins serving.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)

	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.config.Port), Handler: mux}
	s.log.Info("ws: listening", "addr", s.srv.Addr, "path", s.config.Path)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("ws: server error", "error", err)
		}
	}()

	s.running = true
	return nil
}

// Stop closes every client connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	for c := range s.clients {
		c.conn.Close()
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	s.running = false
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil && !s.auth.Check(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	filter := ""
	if q, err := url.ParseQuery(r.URL.RawQuery); err == nil {
		filter = q.Get("gateway_id")
	}

	c := &client{conn: conn, server: s, send: make(chan []byte, 256), gatewayFilter: filter}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// Broadcast sends ev to every client whose gatewayFilter matches (empty
// filter = all events). Clients whose send queue is full are dropped
// rather than allowed to stall the rest of the fan-out.
func (s *Server) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("ws: failed to marshal event", "error", err)
		return
	}

	var stalled []*client
	s.mu.RLock()
	for c := range s.clients {
		if c.gatewayFilter != "" && c.gatewayFilter != ev.GatewayID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	s.mu.RUnlock()

	if len(stalled) > 0 {
		s.mu.Lock()
		for _, c := range stalled {
			s.removeClient(c)
		}
		s.mu.Unlock()
	}
}

func (s *Server) removeClient(c *client) {
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// readPump only watches for close/ping frames - this server never acts on
// client-sent payloads.
func (c *client) readPump() {
	defer func() {
		c.server.mu.Lock()
		c.server.removeClient(c)
		c.server.mu.Unlock()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
