package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/localmcp/gateway/internal/config"
	"github.com/localmcp/gateway/internal/log"
	"github.com/localmcp/gateway/internal/startup"
)

const shutdownTimeout = 10 * time.Second

func serveCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP surface until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	app, err := Build(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if _, err := EnsureDefaultSpace(app); err != nil {
		return err
	}

	results, err := app.Orchestrator.Run(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			log.Warnf("serve: startup connect for %s failed: %v", r.ServerID, r.Err)
		} else if r.OAuthRequired {
			log.Logf("serve: server %s requires authorization before use", r.ServerID)
		}
	}

	go app.Notify.Run(ctx, app.Bus)
	go app.ServerMgr.RunPeriodicRefresh(ctx, func(ctx context.Context, spaceID, serverID string) error {
		return startup.Discover(ctx, app.Features, app.Pool, app.Bus, spaceID, serverID)
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: app.Gateway.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logf("serve: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
