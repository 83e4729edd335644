package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/relaypanel/internal/bootstrap"
	"github.com/dropDatabas3/relaypanel/internal/http/server"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
)

func serveCmd() *cobra.Command {
	var noBootstrap bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el panel HTTP y el refresher de tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.L()
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := app.Close(); cerr != nil {
					log.Error("cleanup", logger.Err(cerr))
				}
			}()

			if !noBootstrap {
				if err := bootstrap.CheckAndCreateAdmin(bootstrap.Config{Users: app.Users}); err != nil {
					return err
				}
			}

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      app.Handler,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 60 * time.Second, // create-app streamea SSE
				IdleTimeout:  120 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("http server listening", logger.Component("server"), zap.String("addr", cfg.Server.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return app.Refresher.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutCtx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("shutdown complete", logger.Component("server"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBootstrap, "no-bootstrap", false, "no crear el primer admin interactivamente")
	return cmd
}
