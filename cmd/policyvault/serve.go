package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/policyvault/internal/application"
	"github.com/sawpanic/policyvault/internal/events"
	httpapi "github.com/sawpanic/policyvault/internal/interfaces/http"
	"github.com/sawpanic/policyvault/internal/interfaces/http/handlers"
	"github.com/sawpanic/policyvault/internal/net/ratelimit"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host            string
		port            int
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vault HTTP API",
		Long:  "Start the vault with its HTTP API, Prometheus metrics and websocket event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.HTTP.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTP.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := httpapi.NewMetricsRegistry()
			stream := httpapi.NewEventStream(0)
			stream.OnClientCount(func(n int) { metrics.StreamClients.Set(float64(n)) })

			rt, err := application.Bootstrap(ctx, cfg, application.BootstrapOptions{
				Metrics:    metrics,
				Sinks:      []events.Sink{metrics, stream},
				OnDelivery: metrics.RecordDelivery,
			})
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Warn().Err(err).Msg("Runtime close failed")
				}
			}()

			h := handlers.NewHandlers(rt.Service, handlers.Options{
				Version:      version,
				Database:     rt.DB.Health(),
				BreakerState: rt.Custody.BreakerState,
			})

			var limiter *ratelimit.Limiter
			if cfg.HTTP.RateLimit.RPS > 0 {
				limiter = ratelimit.NewLimiter(cfg.HTTP.RateLimit.RPS, cfg.HTTP.RateLimit.Burst)
			}

			server := httpapi.NewServer(httpapi.ServerConfig{
				Host:           cfg.HTTP.Host,
				Port:           cfg.HTTP.Port,
				ReadTimeout:    cfg.HTTP.ReadTimeout,
				WriteTimeout:   cfg.HTTP.WriteTimeout,
				IdleTimeout:    cfg.HTTP.IdleTimeout,
				RequestTimeout: httpapi.DefaultServerConfig().RequestTimeout,
			}, h, metrics, stream, limiter)

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- server.Start()
			}()

			if limiter != nil {
				go pruneLimiter(ctx, limiter)
			}

			select {
			case <-ctx.Done():
				log.Info().Msg("Shutdown signal received")
			case err := <-serverErr:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			log.Info().Msg("Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides http.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides http.port)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	return cmd
}

func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(); n > 0 {
				log.Debug().Int("clients", n).Msg("Pruned idle rate limiters")
			}
		}
	}
}
