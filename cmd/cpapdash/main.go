package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lmwright/cpapdash/internal/authstate"
	"github.com/lmwright/cpapdash/internal/config"
	"github.com/lmwright/cpapdash/internal/connection"
	"github.com/lmwright/cpapdash/internal/importwatch"
	"github.com/lmwright/cpapdash/internal/logging"
	"github.com/lmwright/cpapdash/internal/server"
	"github.com/lmwright/cpapdash/internal/state"
	"github.com/lmwright/cpapdash/internal/tokenvault"
	"github.com/lmwright/cpapdash/internal/tracker"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("cpapdash starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("provider", cfg.TrackerProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := cfg.ResolveProvider()
	if err != nil {
		return fmt.Errorf("resolving provider: %w", err)
	}

	db, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer db.Close()

	attempts := authstate.New(logger,
		authstate.NewMemoryBackend(),
		authstate.NewDurableBackend(db),
	)
	vault := tokenvault.New(db)

	client := tracker.NewClient(nil, tracker.Endpoints{
		TokenURL:   provider.TokenURL,
		ProfileURL: provider.ProfileURL,
		RevokeURL:  provider.RevokeURL,
	}, cfg.TrackerClientID, cfg.TrackerRedirectURL)

	manager := connection.NewManager(connection.Config{
		AuthURL:     provider.AuthURL,
		ClientID:    cfg.TrackerClientID,
		RedirectURI: cfg.TrackerRedirectURL,
		Scopes:      cfg.Scopes(),
	}, attempts, vault, client, logger)

	if stored, err := vault.Exists(); err == nil && stored {
		logger.Info("encrypted token record present, unlock required")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runServer(gctx, cfg, manager, logger)
	})

	g.Go(func() error {
		return runImportWatcher(gctx, cfg, logger)
	})

	return g.Wait()
}

// runServer serves the dashboard API and OAuth callback on loopback.
func runServer(ctx context.Context, cfg *config.Config, manager *connection.Manager, logger *slog.Logger) error {
	mux := server.NewMux(server.MuxConfig{
		Manager: manager,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting dashboard server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("redirect_uri", cfg.TrackerRedirectURL),
	)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down dashboard server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server error: %w", err)
	}

	return nil
}

// runImportWatcher reports fresh therapy-data exports. The data layer
// picks them up from the log stream; parsing happens elsewhere.
func runImportWatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	watcher := importwatch.New(cfg.ImportDir, logger)

	go func() {
		for ev := range watcher.Events() {
			logger.Info("therapy data arrived",
				slog.String("path", ev.Path),
				slog.Time("at", ev.At),
			)
		}
	}()

	err := watcher.Watch(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}

	return err
}
