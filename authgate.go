package authgate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/authgate/authgate/instrumentation"
	"github.com/authgate/authgate/providers"
	"github.com/authgate/authgate/server"
	"github.com/authgate/authgate/storage"
)

// AuthGate bundles the authorization-server core, the HTTP surface, and
// the background cleanup tasks behind a single composition point. Callers
// that need finer control can assemble server.New and NewHandler directly.
type AuthGate struct {
	server  *server.Server
	handler *Handler
	logger  *slog.Logger

	tokenSweep   *server.CleanupTask
	sessionSweep *server.CleanupTask
	faults       chan error
	closeOnce    sync.Once
}

// New wires a store and configuration into a ready-to-mount service.
// Cleanup tasks are created but not started; call Start.
func New(store storage.Store, config *Config, logger *slog.Logger) (*AuthGate, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv, err := server.New(store, &config.Server, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	handler, err := NewHandler(srv, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}

	faults := make(chan error, 1)
	g := &AuthGate{
		server:       srv,
		handler:      handler,
		logger:       logger,
		tokenSweep:   server.NewTokenCleanup(store, config.Server.TokenSweepInterval, logger, faults),
		sessionSweep: server.NewSessionCleanup(store, config.Server.SessionSweepInterval, logger, faults),
		faults:       faults,
	}
	return g, nil
}

// RegisterProvider registers a delegated identity provider under its name.
func (g *AuthGate) RegisterProvider(p providers.Provider) {
	g.server.RegisterProvider(p)
}

// SetInstrumentation attaches tracing and metrics to the HTTP surface,
// the server core, and the cleanup tasks.
func (g *AuthGate) SetInstrumentation(inst *instrumentation.Instrumentation) {
	g.handler.SetInstrumentation(inst)
	if inst != nil {
		g.tokenSweep.SetMetrics(inst.Metrics())
		g.sessionSweep.SetMetrics(inst.Metrics())
	}
}

// Server exposes the underlying authorization-server core.
func (g *AuthGate) Server() *server.Server {
	return g.server
}

// Routes returns the mux serving /token, /authorize, /authorize/callback
// and /revoke. Mount protected resources alongside it with RegisterProtected.
func (g *AuthGate) Routes() *http.ServeMux {
	return g.handler.Routes()
}

// Start launches the background cleanup tasks and a drain goroutine that
// logs sweep faults. The tasks stop when ctx is cancelled or Close is called.
func (g *AuthGate) Start(ctx context.Context) {
	g.tokenSweep.Start(ctx)
	g.sessionSweep.Start(ctx)
	go func() {
		for err := range g.faults {
			g.logger.Warn("cleanup sweep failed", "error", err)
		}
	}()
}

// Close stops the cleanup tasks and releases handler resources. Safe to
// call more than once.
func (g *AuthGate) Close() {
	g.closeOnce.Do(func() {
		g.tokenSweep.Stop()
		g.sessionSweep.Stop()
		close(g.faults)
		g.handler.Close()
	})
}
