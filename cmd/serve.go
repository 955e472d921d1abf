package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/api"
	"github.com/sells-group/advisor/internal/monitoring"
	"github.com/sells-group/advisor/internal/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		limiter, err := ratelimit.FromConfig(cfg.RateLimit)
		if err != nil {
			return eris.Wrap(err, "init rate limiter")
		}
		defer limiter.Close() //nolint:errcheck

		collector := monitoring.NewCollector(env.Store, env.Metrics)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildHandler(env, limiter, collector),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			timeout := time.Duration(cfg.Server.ShutdownTimeoutSecs) * time.Second
			sctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildHandler assembles the API router for env.
func buildHandler(env *appEnv, limiter ratelimit.Limiter, stats api.StatsSource) http.Handler {
	return api.New(env.Service,
		api.WithStats(stats, cfg.Monitoring.LookbackWindowHours),
		api.WithLimiter(limiter),
		api.WithMetrics(env.Metrics.Handler()),
		api.WithHealthCheck(env.Store.Ping),
		api.WithAuth(cfg.Auth),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	).Handler()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
