package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/libs/runtime"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/app"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/appconfig"
	"github.com/spf13/cobra"
)

// withComponents runs fn against the same component graph the server builds. Metrics are
// not exported from one-shot runs.
func withComponents(ctx context.Context, fn func(context.Context, *app.Components, *slog.Logger) error) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	logger := runtime.NewLogger("slotctl")

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: int32(cfg.GeneratorWorkers) + 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := app.OpenRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	c, err := app.New(cfg, pool, rdb, logger, nil)
	if err != nil {
		return err
	}
	return fn(ctx, c, logger)
}

func newRecalculateCommand() *cobra.Command {
	var (
		tenantID string
		staffID  string
		horizon  int
	)
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Regenerate availability in-process (all tenants unless --tenant is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := runtime.SignalContext()
			defer stop()
			return withComponents(ctx, func(ctx context.Context, c *app.Components, _ *slog.Logger) error {
				summary, err := c.Batch.RecalculateAvailability(ctx, uuid.NewString(), tenantID, staffID, horizon)
				if err != nil {
					return err
				}
				cmd.Printf("run %s: tenants=%d skipped=%d staff=%d upserted=%d superseded=%d discarded=%d failures=%d in %s\n",
					summary.RunID, summary.Tenants, summary.Skipped, summary.Result.Staff, summary.Result.Upserted,
					summary.Result.Superseded, summary.Result.Discarded, summary.Result.Failures,
					summary.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (default: all tenants)")
	cmd.Flags().StringVar(&staffID, "staff", "", "staff id (requires --tenant)")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "days ahead to generate (default: tenant or HORIZON_DAYS)")
	cmd.MarkFlagsRequiredTogether("staff", "tenant")
	return cmd
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Clear expired reservation holds once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := runtime.SignalContext()
			defer stop()
			return withComponents(ctx, func(ctx context.Context, c *app.Components, _ *slog.Logger) error {
				n, err := c.Reservations.Cleanup(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("released %d expired holds\n", n)
				return nil
			})
		},
	}
}
