package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/config"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/database"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/protocol"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/registry"
)

// Server owns the listening socket, the registry and the chosen execution
// strategy. Each accepted connection gets a fresh protocol engine and is
// registered in the registry before its first frame can be processed.
type Server struct {
	cfg     config.Config
	reg     *registry.Registry
	store   database.UserStore
	running atomic.Bool

	listener net.Listener
	reactor  *Reactor
	sem      chan struct{}
}

func NewServer(cfg config.Config, store database.UserStore) *Server {
	return &Server{
		cfg:   cfg,
		reg:   registry.New(store),
		store: store,
		sem:   make(chan struct{}, 10000),
	}
}

// Registry exposes the server's registry, mainly for tests and tooling.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}

	switch s.cfg.ServerMode {
	case config.ModeReactor:
		s.reactor = NewReactor(s.reg, s.store, s.cfg.WorkerCount)
		if err := s.reactor.Start(s.cfg.AppPort); err != nil {
			s.running.Store(false)
			return err
		}
	case config.ModeThreadPerClient:
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.AppPort))
		if err != nil {
			s.running.Store(false)
			return fmt.Errorf("server start error: %w", err)
		}
		s.listener = ln
		logger.InfoF("Server listening on %s", ln.Addr().String())
		go s.acceptLoop()
	default:
		s.running.Store(false)
		return fmt.Errorf("unknown server mode: %s", s.cfg.ServerMode)
	}

	return nil
}

// Port returns the bound listen port, useful when the configured port was 0.
func (s *Server) Port() int {
	if s.reactor != nil {
		return s.reactor.Port()
	}
	if s.listener != nil {
		return s.listener.Addr().(*net.TCPAddr).Port
	}
	return 0
}

// Stop closes the listening socket. In-flight connections are not forcibly
// terminated here; they end when their peers do.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.reactor != nil {
		s.reactor.Stop()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !isNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
	}
	logger.Info("Server stopped")
}

type CloseCallback struct {
	server *Server
}

func NewCloseCallback(server *Server) *CloseCallback {
	return &CloseCallback{server: server}
}

func (sc *CloseCallback) Invoke(ctx context.Context) error {
	sc.server.Stop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isNetClosedError(err) || !s.running.Load() {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		id := s.reg.NewConnectionID()
		engine := protocol.NewEngine(s.store)
		engine.Start(id, s.reg)
		handler := NewBlockingConnectionHandler(conn, id, engine, s.reg)

		// Registered before the handler goroutine starts, so a client that
		// sends CONNECT immediately always finds its session.
		s.reg.AddConnection(id, handler)

		s.sem <- struct{}{}
		go func() {
			handler.Handle()
			<-s.sem
		}()
	}
}
