// Package app runs the relay gateway and the peer overlay side by side for
// the life of the process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/neolink/internal/auth"
	"github.com/Tyrowin/neolink/internal/config"
	"github.com/Tyrowin/neolink/internal/overlay"
	"github.com/Tyrowin/neolink/internal/server"
	"github.com/Tyrowin/neolink/internal/store"
)

// App is the orchestrator. The gateway and the overlay share no data path;
// the only link is the overlay event stream feeding peer metrics.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	store    *store.PostgresStore
	registry *server.Registry
	gateway  *server.Gateway
	overlay  *overlay.Overlay
	http     *http.Server

	mu sync.Mutex
	ln net.Listener
}

// New builds every component. It connects to the database when one is
// configured.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		cfg: cfg,
		log: logger.With().Str("component", "app").Logger(),
	}

	if cfg.DatabaseEnabled() {
		a.log.Info().
			Str("host", cfg.Database.Host).
			Int("port", cfg.Database.Port).
			Str("database", cfg.Database.Database).
			Msg("connecting to database")
		st, err := store.NewPostgresStore(ctx, cfg.Database)
		switch {
		case err == nil:
			a.store = st
		case cfg.Auth.Mode == config.AuthModeDatabase:
			return nil, fmt.Errorf("connect to database: %w", err)
		default:
			a.log.Warn().Err(err).Msg("database unavailable; continuing without it")
		}
	}

	validator, err := a.validator()
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.registry = server.NewRegistry()
	a.gateway = server.NewGateway(cfg.Server, a.registry, auth.NewGate(validator), logger)

	ov, err := overlay.New(cfg.Overlay, logger)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("create overlay: %w", err)
	}
	a.overlay = ov

	router := server.SetupRoutes(a.gateway, server.RouteOptions{
		Peers:  ov.State(),
		Status: a.status,
		Mount:  a.mountUserRoutes,
	})
	a.http = server.CreateServer(cfg.Server.Addr, router)

	return a, nil
}

func (a *App) validator() (auth.Validator, error) {
	switch a.cfg.Auth.Mode {
	case config.AuthModeStatic:
		return auth.NewStaticTokens(a.cfg.Auth.Tokens), nil
	case config.AuthModeDatabase:
		if a.store == nil {
			return nil, fmt.Errorf("%w: database auth needs a database", config.ErrMissingSecret)
		}
		return auth.NewStoreValidator(&userLookup{store: a.store, log: a.log}), nil
	default:
		return auth.AnyToken(), nil
	}
}

func (a *App) status() map[string]any {
	return map[string]any{
		"peer_id":      a.overlay.PeerID().String(),
		"listen_addrs": a.overlay.State().ListenAddrs(),
		"peers":        len(a.overlay.Swarm().Peers()),
	}
}

// Gateway returns the relay gateway.
func (a *App) Gateway() *server.Gateway {
	return a.gateway
}

// Overlay returns the peer overlay.
func (a *App) Overlay() *overlay.Overlay {
	return a.overlay
}

// Listen binds the HTTP listener. Run calls it if it has not been called.
func (a *App) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}
	a.ln = ln
	return nil
}

// Addr returns the bound HTTP address, or nil before Listen.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Run serves WebSocket clients and runs the overlay until ctx is done or
// either side fails, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	if err := a.Listen(); err != nil {
		return err
	}

	a.log.Info().
		Str("addr", a.Addr().String()).
		Str("peer_id", a.overlay.PeerID().String()).
		Str("auth_mode", a.cfg.Auth.Mode).
		Msg("starting neolink relay")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.StartServer(a.http, a.ln, a.log)
	})
	g.Go(func() error {
		if err := a.overlay.Run(gctx); err != nil {
			return fmt.Errorf("overlay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.observe(a.overlay.Events())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	a.log.Info().Msg("neolink relay stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdown() error {
	timeout := a.cfg.Server.ShutdownTimeout
	var err error
	err = multierr.Append(err, server.ShutdownServer(a.http, timeout, a.log))
	err = multierr.Append(err, a.gateway.Shutdown(timeout))
	return err
}

func (a *App) closeStore() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}
