// Package server runs the node's HTTP surface (health, status, metrics) and
// turns process signals into an orderly shutdown of the whole node.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// DefaultShutdownTimeout bounds HTTP draining plus shutdown hooks.
const DefaultShutdownTimeout = 30 * time.Second

// ConfigReloadFunc is a function that reloads configuration
type ConfigReloadFunc func() error

// ShutdownHook stops one node component. Hooks run in reverse registration order.
type ShutdownHook func(ctx context.Context) error

// Config configures a GracefulServer.
type Config struct {
	Addr            string
	Handler         http.Handler
	ShutdownTimeout time.Duration
	// DrainDelay is how long SIGUSR1 waits before shutting down, so load
	// balancers see the failing readiness probe first.
	DrainDelay time.Duration
	Logger     logging.Logger
}

// GracefulServer wraps an HTTP server with graceful shutdown capabilities
type GracefulServer struct {
	server  *http.Server
	timeout time.Duration
	drain   time.Duration
	logger  logging.Logger

	listener net.Listener
	ready    chan struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	mu             sync.RWMutex
	configReloadFn ConfigReloadFunc
	hooks          []namedHook
}

type namedHook struct {
	name string
	fn   ShutdownHook
}

// NewGracefulServer creates a new graceful HTTP server
func NewGracefulServer(config Config) *GracefulServer {
	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	drain := config.DrainDelay
	if drain <= 0 {
		drain = 5 * time.Second
	}
	return &GracefulServer{
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           config.Handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		timeout:    timeout,
		drain:      drain,
		logger:     logging.ForComponent(config.Logger, "server"),
		ready:      make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// OnShutdown registers a hook run after the HTTP server has drained.
func (gs *GracefulServer) OnShutdown(name string, fn ShutdownHook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks = append(gs.hooks, namedHook{name: name, fn: fn})
}

// Run serves until ctx is cancelled, a termination signal arrives or
// Shutdown is called, then shuts down and returns the first error seen.
func (gs *GracefulServer) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	gs.listener = ln
	close(gs.ready)

	serveErr := make(chan error, 1)
	go func() {
		gs.logger.Info("HTTP server listening", logging.String("addr", ln.Addr().String()))
		if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	for {
		select {
		case <-ctx.Done():
			return gs.Shutdown()
		case <-gs.shutdownCh:
			return gs.Shutdown()
		case err, ok := <-serveErr:
			if ok {
				gs.logger.Error("HTTP server failed", logging.Error(err))
				_ = gs.Shutdown()
				return err
			}
			return gs.Shutdown()
		case sig := <-sigCh:
			gs.handleSignal(sig)
		}
	}
}

// Addr returns the bound listen address once Run has started listening.
func (gs *GracefulServer) Addr() string {
	<-gs.ready
	return gs.listener.Addr().String()
}

// Ready is closed once the listener is bound.
func (gs *GracefulServer) Ready() <-chan struct{} {
	return gs.ready
}

func (gs *GracefulServer) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		gs.logger.Info("termination signal received", logging.String("signal", sig.String()))
		go gs.Shutdown()

	case syscall.SIGHUP:
		if err := gs.ReloadConfig(); err != nil {
			gs.logger.Error("configuration reload failed", logging.Error(err))
		}

	case syscall.SIGUSR1:
		gs.logger.Info("rolling restart requested", logging.Duration("drain", gs.drain))
		go func() {
			time.Sleep(gs.drain)
			gs.Shutdown()
		}()
	}
}

// Shutdown drains HTTP and runs the shutdown hooks once. Later calls
// return the result of the first.
func (gs *GracefulServer) Shutdown() error {
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
		defer cancel()

		gs.logger.Info("initiating graceful shutdown", logging.Duration("timeout", gs.timeout))

		var errs []error
		if err := gs.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
			gs.logger.Error("HTTP shutdown failed", logging.Error(err))
		}

		gs.mu.RLock()
		hooks := append([]namedHook(nil), gs.hooks...)
		gs.mu.RUnlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.fn(ctx); err != nil {
				errs = append(errs, err)
				gs.logger.Error("shutdown hook failed", logging.String("hook", h.name), logging.Error(err))
			}
		}

		gs.shutdownErr = errors.Join(errs...)
		gs.logger.Info("shutdown complete")
	})
	return gs.shutdownErr
}

// IsShuttingDown returns true if shutdown has been initiated
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown is initiated
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetConfigReloadFunc sets the function to call when configuration reload is triggered
func (gs *GracefulServer) SetConfigReloadFunc(fn ConfigReloadFunc) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.configReloadFn = fn
}

// ReloadConfig triggers a configuration reload
func (gs *GracefulServer) ReloadConfig() error {
	gs.mu.RLock()
	reloadFn := gs.configReloadFn
	gs.mu.RUnlock()

	if reloadFn == nil {
		gs.logger.Warn("configuration reload requested, but no reload function configured")
		return nil
	}

	if err := reloadFn(); err != nil {
		return err
	}

	gs.logger.Info("configuration reloaded")
	return nil
}
