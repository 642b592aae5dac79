package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmrelay/db"
	"dmrelay/logger"
	"dmrelay/registry"
)

type Server struct {
	db          db.Store
	config      *ServerConfig
	registry    *registry.Registry
	hub         *Hub
	coordinator *Coordinator
	httpServer  *http.Server
	log         *zap.Logger

	// baseCtx outlives individual requests; the hijacked websocket reads use it.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	SendQueue       int
	AllowedOrigins  []string
}

func New(store db.Store, config *ServerConfig, log *zap.Logger) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if config.SendQueue <= 0 {
		config.SendQueue = 64
	}

	log = logger.OrNop(log)
	reg := registry.New()
	hub := NewHub(log)
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		db:          store,
		config:      config,
		registry:    reg,
		hub:         hub,
		coordinator: NewCoordinator(reg, store, hub, log),
		log:         log,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}
	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           logger.RequestLogger(log, s.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes every route: the websocket relay and the HTTP collaborators.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/message", s.handleHistory)
	mux.HandleFunc("POST /api/message", s.handleAppend)
	mux.HandleFunc("DELETE /api/message", s.handleDeleteHistory)
	mux.HandleFunc("POST /api/deleteMessages", s.handleDeleteMessages)
	mux.HandleFunc("GET /api/users", s.handleUsers)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader(s.config.AllowedOrigins)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newWSConn(ws, s.config, s.log)
	s.hub.add(conn)
	s.log.Info("socket connected", zap.String("handle", string(conn.handle)), zap.String("remote", r.RemoteAddr))

	go conn.writePump()
	s.coordinator.Serve(s.baseCtx, conn)

	s.hub.remove(conn)
	conn.close()
	s.log.Info("socket disconnected", zap.String("handle", string(conn.handle)))
}

// Start serves until ctx ends, then shuts the listener and every relay
// connection down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.log.Info("relay server started", zap.String("address", listener.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-serveErr:
		s.closeConnections()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Shutdown stops accepting requests and closes every live relay connection.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// Hijacked websockets are invisible to http.Server.Shutdown.
	s.closeConnections()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) closeConnections() {
	s.cancelBase()
	s.hub.CloseAll()
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	users := s.registry.Usernames()
	return "connections=" + strconv.Itoa(s.hub.Len()) + ",users=" + strings.Join(users, ";")
}
