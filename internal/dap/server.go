package dap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/hl037/nvim-dap-ghidra-sync/internal/syncer"
)

const (
	// DefaultDialTimeout bounds the connection attempt to the debug adapter
	// made on behalf of an incoming client.
	DefaultDialTimeout = 10 * time.Second
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// ListenAddr is the TCP address to accept DAP client connections on.
	ListenAddr string

	// AdapterAddr is the TCP address of the debug adapter to proxy to.
	AdapterAddr string

	// Engine is the sync engine that sessions are registered with.
	Engine *syncer.Engine

	// Logger for server operations.
	Logger logr.Logger

	// DialTimeout bounds the adapter connection attempt.
	// If zero, DefaultDialTimeout is used.
	DialTimeout time.Duration
}

// Server accepts DAP client connections and runs one Proxy (and one sync
// session) per connection.
type Server struct {
	config ServerConfig
	log    logr.Logger
}

func NewServer(config ServerConfig) *Server {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Server{
		config: config,
		log:    log,
	}
}

// Run listens for client connections until ctx is cancelled.
// Connections are handled in separate goroutines.
func (srv *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listener, listenErr := lc.Listen(ctx, "tcp", srv.config.ListenAddr)
	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.config.ListenAddr, listenErr)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	srv.log.Info("Listening for DAP clients",
		"listenAddr", srv.config.ListenAddr, "adapterAddr", srv.config.AdapterAddr)

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				srv.log.V(1).Info("DAP server shutting down")
				return ctx.Err()
			}
			return fmt.Errorf("failed to accept connection: %w", acceptErr)
		}

		go srv.handleConnection(ctx, conn)
	}
}

// handleConnection wires one client connection to the debug adapter and the
// sync engine. If the adapter cannot be reached, setup fails immediately and
// no sync session is created.
func (srv *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			srv.log.Error(fmt.Errorf("panic: %v", r), "Panic in connection handler")
			conn.Close()
		}
	}()

	log := srv.log.WithValues("remoteAddr", conn.RemoteAddr())
	log.V(1).Info("Accepted DAP client connection")

	dialTimeout := srv.config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	adapter, dialErr := DialTCP(dialCtx, srv.config.AdapterAddr)
	dialCancel()
	if dialErr != nil {
		log.Error(dialErr, "Debug adapter is unreachable; dropping client connection",
			"adapterAddr", srv.config.AdapterAddr)
		conn.Close()
		return
	}

	ide := NewStreamTransport(conn)
	proxy := NewProxy(ProxyConfig{
		IDE:     ide,
		Adapter: adapter,
		Logger:  log.WithName("proxy"),
	})

	sessionID := uuid.NewString()
	session, sessionErr := srv.config.Engine.NewSession(sessionID, proxy)
	if sessionErr != nil {
		log.Error(sessionErr, "Could not register sync session")
		_ = ide.Close()
		_ = adapter.Close()
		return
	}

	log = log.WithValues("session", sessionID)
	log.Info("Debug session started")

	runErr := proxy.Run(ctx, session)
	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
		log.Info("Debug session ended")
	default:
		log.V(1).Info("Debug session ended", "reason", runErr.Error())
	}
}
