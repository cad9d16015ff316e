// Package api exposes the operator command surface: HTTP endpoints for
// pause/resume/closeAll/stop, health, Prometheus metrics, and a WebSocket
// feed that mirrors the Execution Supervisor's event bus to a connected
// dashboard/notifier, per spec.md §4.8's "Command surface (external,
// typically from the notifier)".
//
// Grounded on the teacher's internal/api/server.go (Server/Client/router
// shape, CORS + graceful shutdown) and websocket.go (Hub/Client pub-sub),
// with the backtest-specific handlers replaced by the supervisor's command
// surface and the broadcast payload replaced by the lifecycle event taxonomy.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/urion-trading/engine/internal/events"
	"github.com/urion-trading/engine/internal/execution"
)

// Config controls the HTTP/WebSocket listener, mirroring the teacher's
// ServerConfig.
type Config struct {
	Host          string
	Port          int
	WebSocketPath string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableMetrics bool
}

func DefaultConfig() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          8080,
		WebSocketPath: "/ws",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		EnableMetrics: true,
	}
}

// Commander is the subset of the Execution Supervisor the API surface
// drives; narrowed to an interface so tests can substitute a fake without
// standing up a real broker/analyzer/risk stack.
type Commander interface {
	Enqueue(cmd execution.Command)
}

// Server is the HTTP/WebSocket command surface.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	supervisor Commander
	bus        *events.Bus
	registry   *prometheus.Registry
	upgrader   websocket.Upgrader
}

// NewServer wires the router, registers metrics collectors, and subscribes
// the WebSocket hub to the event bus so every TradeEntry/TradeExit/
// SignalRejected/etc. reaches connected operators.
func NewServer(logger *zap.Logger, cfg Config, supervisor Commander, bus *events.Bus, metrics *execution.Metrics) *Server {
	registry := prometheus.NewRegistry()
	for _, c := range metrics.Collectors() {
		registry.MustRegister(c)
	}

	s := &Server{
		logger:     logger.Named("api"),
		cfg:        cfg,
		router:     mux.NewRouter(),
		hub:        NewHub(logger.Named("ws-hub")),
		supervisor: supervisor,
		bus:        bus,
		registry:   registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	bus.SubscribeAll(s.hub.BroadcastEvent)
	go s.hub.Run()

	s.setupRoutes()
	return s
}

// Router exposes the mux router for tests (httptest.NewServer(s.Router())).
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/commands", s.handleCommand).Methods("POST")
	s.router.HandleFunc("/api/v1/symbols/{symbol}/pause", s.handleSymbolCommand(execution.CmdPause)).Methods("POST")
	s.router.HandleFunc("/api/v1/symbols/{symbol}/resume", s.handleSymbolCommand(execution.CmdResume)).Methods("POST")
	s.router.HandleFunc("/api/v1/symbols/{symbol}/close", s.handleSymbolCommand(execution.CmdCloseAll)).Methods("POST")
	s.router.HandleFunc("/api/v1/symbols/{symbol}/positions/{ticket}/adopt", s.handleTicketCommand(execution.CmdAdopt)).Methods("POST")
	s.router.HandleFunc("/api/v1/symbols/{symbol}/positions/{ticket}/disown", s.handleTicketCommand(execution.CmdDisown)).Methods("POST")
	s.router.HandleFunc("/api/v1/stop", s.handleStop).Methods("POST")
	if s.cfg.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.router.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket)
}

// Start runs the HTTP server; blocks until Stop shuts it down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.mu.Unlock()

	s.logger.Info("starting API server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server and disconnects every
// WebSocket client.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()

	s.mu.RLock()
	httpServer := s.httpServer
	s.mu.RUnlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	published, dropped := s.bus.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"eventsPublished": published,
		"eventsDropped":   dropped,
		"wsClients":       s.hub.ClientCount(),
	})
}

// commandRequest is the body accepted by the generic command endpoint, per
// spec.md §4.8's "pause, resume, closeAll, stop" command surface.
type commandRequest struct {
	Kind   string `json:"kind"`
	Symbol string `json:"symbol,omitempty"`
	Ticket string `json:"ticket,omitempty"`
}

var validKinds = map[string]execution.CommandKind{
	"pause":    execution.CmdPause,
	"resume":   execution.CmdResume,
	"closeAll": execution.CmdCloseAll,
	"stop":     execution.CmdStop,
	"adopt":    execution.CmdAdopt,
	"disown":   execution.CmdDisown,
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	kind, ok := validKinds[req.Kind]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown command kind: " + req.Kind})
		return
	}
	if (kind == execution.CmdAdopt || kind == execution.CmdDisown) && (req.Symbol == "" || req.Ticket == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "adopt/disown require both symbol and ticket"})
		return
	}

	s.supervisor.Enqueue(execution.Command{Kind: kind, Symbol: req.Symbol, Ticket: req.Ticket})
	writeJSON(w, http.StatusAccepted, map[string]string{"kind": req.Kind, "symbol": req.Symbol, "ticket": req.Ticket, "status": "enqueued"})
}

func (s *Server) handleSymbolCommand(kind execution.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := mux.Vars(r)["symbol"]
		s.supervisor.Enqueue(execution.Command{Kind: kind, Symbol: symbol})
		writeJSON(w, http.StatusAccepted, map[string]string{"kind": string(kind), "symbol": symbol, "status": "enqueued"})
	}
}

func (s *Server) handleTicketCommand(kind execution.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		symbol, ticket := vars["symbol"], vars["ticket"]
		s.supervisor.Enqueue(execution.Command{Kind: kind, Symbol: symbol, Ticket: ticket})
		writeJSON(w, http.StatusAccepted, map[string]string{"kind": string(kind), "symbol": symbol, "ticket": ticket, "status": "enqueued"})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.supervisor.Enqueue(execution.Command{Kind: execution.CmdStop})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(s.hub, conn)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}
