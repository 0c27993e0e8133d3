// Package gateway exposes the daemon's local control plane: a small HTTP
// API for status and task inspection plus a websocket stream of runtime
// events for the desktop shell.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegisdesk/aegis/internal/executor"
	"github.com/aegisdesk/aegis/internal/logging"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
)

// Config holds gateway server configuration.
type Config struct {
	// Host is the network interface to bind to. The gateway is a local
	// control plane; the default binds loopback only.
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
}

// SubsystemStatusFunc reports the current status of each telemetry
// subsystem, keyed by subsystem name.
type SubsystemStatusFunc func() map[string]string

// Server is the local control plane. It serves status and task queries
// over HTTP and streams runtime events over a websocket. Server is safe
// for concurrent use.
type Server struct {
	config   *Config
	hub      *Hub
	upgrader websocket.Upgrader
	server   *http.Server
	started  time.Time

	mu         sync.RWMutex
	running    bool
	monitor    *executor.Monitor
	subsystems SubsystemStatusFunc
}

// NewServer creates a gateway server. The server is not started until
// Start is called.
func NewServer(config *Config) *Server {
	return &Server{
		config: config,
		hub:    NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
}

// Hub returns the event hub so other components can publish into the
// websocket stream.
func (s *Server) Hub() *Hub {
	return s.hub
}

// SetMonitor wires the task monitor backing /api/v1/tasks.
func (s *Server) SetMonitor(m *executor.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitor = m
}

// SetSubsystemStatus wires the telemetry status provider for /api/v1/status.
func (s *Server) SetSubsystemStatus(fn SubsystemStatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subsystems = fn
}

// Start starts the server and blocks until the context is cancelled or an
// error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.started = time.Now()
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logging.WithComponent("gateway").Info("Gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Handler returns the HTTP handler serving all gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/ws/events", s.handleEvents)
	return mux
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.running = false
	return s.server.Shutdown(ctx)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

// handleStatus reports daemon status: uptime, running task count, and the
// state of every telemetry subsystem.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	monitor := s.monitor
	subsystems := s.subsystems
	started := s.started
	s.mu.RUnlock()

	running := 0
	total := 0
	if monitor != nil {
		running = len(monitor.GetRunning())
		total = monitor.Count()
	}

	subs := map[string]string{}
	if subsystems != nil {
		subs = subsystems()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds": time.Since(started).Seconds(),
		"tasks_running":  running,
		"tasks_tracked":  total,
		"subsystems":     subs,
		"subscribers":    s.hub.SubscriberCount(),
	})
}

// handleTasks returns every tracked task state.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	monitor := s.monitor
	s.mu.RUnlock()

	states := []*executor.TaskState{}
	if monitor != nil {
		states = monitor.GetAll()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tasks": states,
	})
}

// handleEvents upgrades the connection and streams hub events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("gateway").Error("WebSocket upgrade error", slog.Any("error", err))
		return
	}

	log := logging.WithComponent("gateway")
	log.Info("Event stream connected", slog.String("remote", r.RemoteAddr))

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: drain client messages and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Warn("Event stream read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				log.Debug("Event stream write error", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
