package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"finitefield.org/seomatic-meta/internal/handlers"
	"finitefield.org/seomatic-meta/internal/head"
	"finitefield.org/seomatic-meta/internal/platform/observability"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve resolved metadata over HTTP",
		Long: `Start the HTTP API. GET /api/v1/metadata?path=<route> returns the metadata
bundle as JSON and GET /api/v1/head?path=<route> returns it as an HTML fragment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port, overrides SEOMATIC_SERVER_PORT")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, port string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := time.Now().UTC()

	a, err := newApp(ctx, opts, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	if port != "" {
		a.cfg.Server.Port = port
	}
	if missing := a.cfg.Seomatic.Missing(); len(missing) > 0 {
		a.logger.Warn("backend connection settings missing; metadata requests will fail", zap.Strings("settings", missing))
	}

	server := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      newHTTPHandler(a, startedAt),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	serverLogger := a.logger.Named("http").With(zap.String("addr", server.Addr))
	serverErr := make(chan error, 1)
	go func() {
		serverLogger.Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-shutdown:
		a.logger.Info("shutdown signal received; draining requests")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func newHTTPHandler(a *app, startedAt time.Time) http.Handler {
	health := handlers.NewHealthHandlers(
		handlers.WithHealthStartedAt(startedAt),
		handlers.WithHealthBuildInfo(handlers.BuildInfo{
			Version:     Version,
			CommitSHA:   CommitSHA,
			Environment: a.cfg.Secrets.Environment,
		}),
		handlers.WithReadinessCheck("backend_config", func(context.Context) error {
			if missing := a.cfg.Seomatic.Missing(); len(missing) > 0 {
				return fmt.Errorf("missing settings: %s", strings.Join(missing, ", "))
			}
			return nil
		}),
	)
	metadata := handlers.NewMetadataHandlers(a.resolver,
		handlers.WithResolveTimeout(a.cfg.Server.ResolveTimeout),
		handlers.WithHeadRenderer(head.NewRenderer()),
	)

	httpLogger := a.logger.Named("http")
	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(a.cfg.Secrets.DefaultProjectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(health),
		handlers.WithMetadataRoutes(metadata.Routes),
	)
}
