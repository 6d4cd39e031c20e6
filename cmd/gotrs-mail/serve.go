package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/gotrs-mail/internal/api"
	"github.com/gotrs-io/gotrs-mail/internal/auth"
	"github.com/gotrs-io/gotrs-mail/internal/domains"
	"github.com/gotrs-io/gotrs-mail/internal/realtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the outgoing mail API. Mail submitted through the API is
transferred right away; the runner picks up whatever is left behind.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var hub *realtime.Hub
	if cfg.Realtime.Websocket {
		hub = realtime.NewHub(cfg.Server.CORS.Origins, a.logger)
	}
	svc := a.mailService(hub)

	deps := api.Deps{
		Mail:      svc,
		Mailboxes: a.store,
		DB:        a.store.DB(),
		JWT:       auth.NewJWTManager(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.Audience, 0),
		PushToken: cfg.Auth.PushToken,
		Server:    cfg.Server,
		Metrics:   cfg.Metrics,
		Logger:    a.logger,
	}
	if a.remote != nil {
		deps.Domains = domains.NewService(a.remote, a.store, cfg.Mail, a.logger)
	}
	if hub != nil {
		deps.Hub = hub
	}

	server := api.NewServer(cfg.Server, api.NewRouter(deps), a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.RunImmediateTransfers(gctx)
		return nil
	})
	if hub != nil {
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		if a.redis != nil {
			g.Go(func() error {
				return relay(gctx, a, hub)
			})
		}
	}
	g.Go(func() error {
		return server.Run(gctx)
	})

	return g.Wait()
}

// relay keeps the Redis subscription alive, resubscribing after failures
func relay(ctx context.Context, a *app, hub *realtime.Hub) error {
	for {
		err := realtime.Relay(ctx, a.redis, a.cfg.Realtime.RedisChannel, hub, a.logger)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("realtime relay stopped, resubscribing", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}
