package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

const shutdownGracePeriod = 3 * time.Second

// Server serves the admin HTTP surface on a (typically loopback) address.
type Server struct {
	addr    string
	handler http.Handler
	log     logr.Logger
}

func NewServer(addr string, handler http.Handler, log logr.Logger) *Server {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Server{
		addr:    addr,
		handler: handler,
		log:     log,
	}
}

// Run serves requests until ctx is cancelled.
func (srv *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listener, listenErr := lc.Listen(ctx, "tcp", srv.addr)
	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.addr, listenErr)
	}

	httpServer := &http.Server{
		Handler: srv.handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			_ = httpServer.Close()
		}
	})
	defer stop()

	srv.log.Info("Admin endpoint listening", "addr", listener.Addr().String())

	serveErr := httpServer.Serve(listener)
	if errors.Is(serveErr, http.ErrServerClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return serveErr
}
