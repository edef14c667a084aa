package generator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/storage"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/workinghours"
)

type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
	GetTenant(ctx context.Context, tenantID string) (model.TenantSettings, error)
}

type Releaser interface {
	Release(ctx context.Context, scope storage.ReleaseScope, reason string) (int64, error)
}

type EventWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type BatchConfig struct {
	// HorizonDays applies when neither the caller nor the tenant sets one.
	HorizonDays int
}

// Batch is the scheduled entry point. It owns no timer: an external scheduler triggers it.
type Batch struct {
	gen      *Generator
	tenants  TenantLister
	releaser Releaser
	tx       db.Transactor
	events   EventWriter
	logger   *slog.Logger
	horizon  int
}

func NewBatch(gen *Generator, tenants TenantLister, releaser Releaser, tx db.Transactor, events EventWriter, logger *slog.Logger, cfg BatchConfig) *Batch {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 45
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{gen: gen, tenants: tenants, releaser: releaser, tx: tx, events: events, logger: logger, horizon: cfg.HorizonDays}
}

type RunSummary struct {
	RunID    string
	Tenants  int
	Skipped  int
	Result   Result
	Duration time.Duration
}

// RecalculateAvailability regenerates slots from today over the horizon for one tenant (or
// all when tenantID is empty) and optionally one staff member. A failing tenant is logged
// and skipped.
func (b *Batch) RecalculateAvailability(ctx context.Context, runID, tenantID, staffID string, horizonDays int) (RunSummary, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	started := time.Now()
	summary := RunSummary{RunID: runID}
	log := b.logger.With("run_id", runID)

	tenantIDs := []string{tenantID}
	if tenantID == "" {
		ids, err := b.tenants.ListTenantIDs(ctx)
		if err != nil {
			return summary, fmt.Errorf("list tenants: %w", err)
		}
		tenantIDs = ids
	}

	for _, id := range tenantIDs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		res, from, to, err := b.recalculateTenant(ctx, id, staffID, horizonDays)
		if err != nil {
			summary.Skipped++
			b.gen.metrics.ObserveGenerationFailure("tenant")
			log.Error("tenant recalculation failed, continuing", "tenant_id", id, "err", err)
			continue
		}
		summary.Tenants++
		summary.Result.add(res)
		b.publishRun(ctx, log, runID, id, from, to, res)
	}

	summary.Duration = time.Since(started)
	log.Info("availability recalculation finished",
		"tenants", summary.Tenants,
		"skipped", summary.Skipped,
		"upserted", summary.Result.Upserted,
		"superseded", summary.Result.Superseded,
		"failures", summary.Result.Failures,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, nil
}

func (b *Batch) recalculateTenant(ctx context.Context, tenantID, staffID string, horizonDays int) (Result, time.Time, time.Time, error) {
	from, to, err := b.window(ctx, tenantID, horizonDays)
	if err != nil {
		return Result{}, from, to, err
	}
	res, err := b.gen.Generate(ctx, tenantID, staffID, from, to)
	return res, from, to, err
}

// window is [today, today+horizon) in the tenant's timezone.
func (b *Batch) window(ctx context.Context, tenantID string, horizonDays int) (time.Time, time.Time, error) {
	tenant, err := b.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("load tenant: %w", err)
	}
	loc, err := tenant.Location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if horizonDays <= 0 {
		horizonDays = tenant.HorizonDays
	}
	if horizonDays <= 0 {
		horizonDays = b.horizon
	}
	from := workinghours.StartOfDay(b.gen.cfg.Now(), loc)
	return from, from.AddDate(0, 0, horizonDays), nil
}

func (b *Batch) publishRun(ctx context.Context, log *slog.Logger, runID, tenantID string, from, to time.Time, res Result) {
	if b.events == nil || b.tx == nil {
		return
	}
	evt, err := outbox.NewEvent(outbox.AggregateTenant, tenantID, outbox.EventAvailabilityRecalc, outbox.AvailabilityRecalculated{
		RunID:      runID,
		TenantID:   tenantID,
		From:       from,
		To:         to,
		Staff:      res.Staff,
		Upserted:   res.Upserted,
		Superseded: res.Superseded,
		Failures:   res.Failures,
	})
	if err == nil {
		err = b.tx.InTx(ctx, func(tx pgx.Tx) error { return b.events.Insert(ctx, tx, evt) })
	}
	if err != nil {
		log.Warn("recalculation event not recorded", "tenant_id", tenantID, "err", err)
	}
}

// OnWorkingHoursChanged releases holds on the staff member's slots over the horizon (only
// on dates falling on weekday when it is set) and regenerates the staff member, which
// withdraws slots the new rules no longer produce.
func (b *Batch) OnWorkingHoursChanged(ctx context.Context, tenantID, staffID string, weekday *time.Weekday, horizonDays int) (int64, Result, error) {
	from, to, err := b.window(ctx, tenantID, horizonDays)
	if err != nil {
		return 0, Result{}, err
	}

	var released int64
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		if weekday != nil && day.Weekday() != *weekday {
			continue
		}
		end := day.AddDate(0, 0, 1)
		if weekday == nil {
			end = to
		}
		n, err := b.releaser.Release(ctx, storage.ReleaseScope{
			TenantID: tenantID,
			StaffID:  staffID,
			From:     day,
			To:       end,
		}, "working_hours_changed")
		if err != nil {
			return released, Result{}, fmt.Errorf("release %s: %w", day.Format(time.DateOnly), err)
		}
		released += n
		if weekday == nil {
			break
		}
	}

	res, err := b.gen.Generate(ctx, tenantID, staffID, from, to)
	if err != nil {
		return released, res, err
	}
	return released, res, nil
}

// RegenerateDay regenerates one staff member on the tenant-local date containing at. Past
// dates are left alone.
func (b *Batch) RegenerateDay(ctx context.Context, tenantID, staffID string, at time.Time) (Result, error) {
	tenant, err := b.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("load tenant: %w", err)
	}
	loc, err := tenant.Location()
	if err != nil {
		return Result{}, err
	}
	day := workinghours.StartOfDay(at, loc)
	if day.Before(workinghours.StartOfDay(b.gen.cfg.Now(), loc)) {
		return Result{}, nil
	}
	return b.gen.Generate(ctx, tenantID, staffID, day, day.AddDate(0, 0, 1))
}
