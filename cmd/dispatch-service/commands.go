package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/httpapi"
	"qms/dispatch-service/internal/hub"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, realtime push and abandonment sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	cmd.Flags().String("port", "", "HTTP listen port")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func runServe(parent context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, st, err := setup(ctx, v)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.SetDefault(logger)

	shutdownTracing := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	metricsHandler, shutdownMetrics, err := telemetry.InitMeterProvider(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.Meter())
	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}

	realtimeHub := hub.New(logger, metrics)
	service := newService(st, cfg, logger, dispatch.Options{Publisher: realtimeHub, Metrics: metrics})

	sweeper := dispatch.NewSweeper(service, sweepPolicy(cfg), cfg.AbandonInterval, logger)
	go sweeper.Run(ctx)

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		AgencyPerMinute: cfg.AgencyRateLimitPerMinute,
		AgencyBurst:     cfg.AgencyRateLimitBurst,
	})
	handler := httpapi.NewHandler(service, httpapi.Options{
		RateLimiter:    limiter,
		MetricsHandler: metricsHandler,
		Realtime:       httpapi.NewRealtimeHandler(realtimeHub, logger),
		Logger:         logger,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch-service listening", "addr", server.Addr, "store", cfg.StoreDriver, "timezone", cfg.Location.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown error", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", "err", err)
	}
	return nil
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, st, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("migrations applied", "store", cfg.StoreDriver)
			return nil
		},
	}
}

func sweepCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Abandon stale tickets once using the configured policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, st, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer st.Close()

			service := newService(st, cfg, logger, dispatch.Options{})
			abandoned, err := service.SweepAbandoned(cmd.Context(), sweepPolicy(cfg))
			if err != nil {
				return err
			}
			return printTickets(cmd, abandoned)
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func queueCmd(v *viper.Viper) *cobra.Command {
	var agencyID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List waiting or called tickets of an agency",
		RunE: func(cmd *cobra.Command, args []string) error {
			status = strings.TrimSpace(status)
			if status != models.StatusWaiting && status != models.StatusCalled {
				return fmt.Errorf("status must be waiting or called, got %q", status)
			}
			cfg, logger, st, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer st.Close()

			service := newService(st, cfg, logger, dispatch.Options{})
			var tickets []models.Ticket
			if status == models.StatusCalled {
				tickets, err = service.ListCalled(cmd.Context(), agencyID, limit)
			} else {
				tickets, err = service.ListWaiting(cmd.Context(), agencyID, limit)
			}
			if err != nil {
				return err
			}
			return printTickets(cmd, tickets)
		},
	}
	cmd.Flags().StringVar(&agencyID, "agency", "", "agency id")
	cmd.Flags().StringVar(&status, "status", models.StatusWaiting, "waiting or called")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tickets to list")
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func statsCmd(v *viper.Viper) *cobra.Command {
	var agencyID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show live queue statistics of an agency",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, st, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer st.Close()

			service := newService(st, cfg, logger, dispatch.Options{})
			stats, err := service.Stats(cmd.Context(), agencyID)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd, stats)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Agency", "Waiting", "Serving", "Completed today", "Avg wait (min)", "Samples"})
			tw.AppendRow(table.Row{stats.AgencyID, stats.WaitingCount, stats.ServingCount, stats.CompletedToday, stats.AverageWaitTime, stats.SampleSize})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&agencyID, "agency", "", "agency id")
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func printTickets(cmd *cobra.Command, tickets []models.Ticket) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if tickets == nil {
			tickets = []models.Ticket{}
		}
		return printJSON(cmd, tickets)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"#", "Ticket", "Status", "Service", "Counter", "Created", "Called", "Recalls"})
	for _, t := range tickets {
		counter := ""
		if t.CounterID != nil {
			counter = *t.CounterID
		}
		called := ""
		if t.CalledAt != nil {
			called = t.CalledAt.Format(time.Kitchen)
		}
		tw.AppendRow(table.Row{t.TicketNumber, t.TicketID, t.Status, t.ServiceID, counter, t.CreatedAt.Format(time.Kitchen), called, t.RecallCount})
	}
	tw.Render()
	return nil
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
