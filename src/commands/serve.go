package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/handlers"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/services"
)

const shutdownTimeout = 20 * time.Second

func newServeCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Cfg
			if port != "" {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "Listen port (overrides PORT)")
	return cmd
}

func runServer(ctx context.Context, cfg *config.AppConfig) error {
	logger.L.Info("cryptotax backend server starting...")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs := services.NewReportJobs(ctx, a.taxService, services.DefaultJobExpiration)

	warmer, err := startPriceWarmer(ctx, a.oracle, cfg.Prices.WarmSchedule, cfg.Prices.WarmAssets)
	if err != nil {
		return err
	}
	defer func() { <-warmer.Stop().Done() }()

	logger.L.Info("Configuring routes...")
	router := handlers.NewRouter(cfg, handlers.Dependencies{
		TaxService: a.taxService,
		Jobs:       jobs,
		Prices:     a.oracle,
	})

	serverAddr := ":" + cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("Server starting", "address", serverAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.L.Info("Shutdown signal received, draining connections...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Graceful shutdown failed", "error", err)
	}
	// ctx is cancelled, so running report jobs observe it and finish as failed.
	jobs.Wait()
	logger.L.Info("Server stopped gracefully.")
	return nil
}

// startPriceWarmer refreshes the current price cache for assets on schedule.
func startPriceWarmer(ctx context.Context, oracle services.PriceOracle, schedule string, assets []string) (*cron.Cron, error) {
	c := cron.New()
	if schedule == "" || len(assets) == 0 {
		return c, nil
	}
	warm := func() {
		prices := oracle.CurrentPrices(ctx, assets)
		logger.L.Debug("Price cache warmed", "assets", len(prices))
	}
	if _, err := c.AddFunc(schedule, warm); err != nil {
		return nil, fmt.Errorf("invalid price warm schedule %q: %w", schedule, err)
	}
	c.Start()
	go warm()
	logger.L.Info("Price warmer scheduled", "schedule", schedule, "assets", assets)
	return c, nil
}
