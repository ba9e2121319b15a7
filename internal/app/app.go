// Package app wires configuration, logging and the proxy together and runs
// the listeners until shut down.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mroth/reloadproxy"
	"github.com/mroth/reloadproxy/admin"
	"github.com/mroth/reloadproxy/internal/config"
	"go.uber.org/zap"
)

// ShutdownTimeout bounds how long in-flight requests get once the app is
// asked to stop.
const ShutdownTimeout = 5 * time.Second

// App is a configured proxy ready to serve.
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	server *reloadproxy.Server
}

// New builds the proxy server described by cfg.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	opts := []reloadproxy.ServerOption{reloadproxy.WithLogger(log)}
	if cfg.Environment != "" {
		opts = append(opts, reloadproxy.WithEnvironment(cfg.Environment))
	}
	srv, err := reloadproxy.NewServer(cfg.BackendURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	return &App{cfg: cfg, log: log, server: srv}, nil
}

// Server returns the underlying proxy server.
func (a *App) Server() *reloadproxy.Server {
	return a.server
}

// Run binds the proxy listener (and the admin listener, when enabled) and
// serves until ctx is done. A listener that cannot be bound is returned as an
// error straight away.
func (a *App) Run(ctx context.Context) error {
	proxyLn, err := net.Listen("tcp", a.cfg.ListenAddr())
	if err != nil {
		a.server.Shutdown()
		return fmt.Errorf("listen on %s: %w", a.cfg.ListenAddr(), err)
	}

	servers := []*http.Server{newHTTPServer(a.server, a.log)}
	listeners := []net.Listener{proxyLn}

	if addr := a.cfg.AdminAddr(); addr != "" {
		adminLn, err := net.Listen("tcp", addr)
		if err != nil {
			proxyLn.Close()
			a.server.Shutdown()
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		servers = append(servers, newHTTPServer(admin.Handler(a.server), a.log))
		listeners = append(listeners, adminLn)
		a.log.Info("admin endpoints enabled", zap.String("addr", adminLn.Addr().String()))
	}

	a.log.Info("live reload proxy running",
		zap.String("addr", proxyLn.Addr().String()),
		zap.String("backend", a.cfg.BackendURL()),
		zap.String("events", reloadproxy.EventsPath),
		zap.String("trigger", reloadproxy.TriggerPath),
	)

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv, listeners[i])
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case runErr = <-errCh:
		a.log.Error("server error", zap.Error(runErr))
	}

	// end the event streams first, otherwise they hold Shutdown open
	a.server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("forced shutdown", zap.Error(err))
			srv.Close()
		}
	}
	return runErr
}

func newHTTPServer(h http.Handler, log *zap.Logger) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}
}
