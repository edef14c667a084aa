// Package generator materializes bookable slots from working hours, appointments and
// travel constraints into the slot store.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/metrics"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/traveltime"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/workinghours"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var ErrStaffNotFound = errors.New("staff member not found or inactive")

type ConfigStore interface {
	GetTenant(ctx context.Context, tenantID string) (model.TenantSettings, error)
	ListStaff(ctx context.Context, tenantID, staffID string) ([]model.StaffProfile, error)
	PeakWindow(ctx context.Context, tenantID, staffID string) (model.PeakTimeWindow, bool, error)
	CategoryDurations(ctx context.Context, tenantID string) (map[string]int, error)
}

type IntervalResolver interface {
	ResolveIn(ctx context.Context, tenantID, staffID string, from, to time.Time, loc *time.Location) ([]workinghours.Interval, error)
}

type Appointments interface {
	ListForStaff(ctx context.Context, tenantID, staffID string, from, to time.Time) ([]model.Appointment, error)
}

type SlotWriter interface {
	UpsertSlot(ctx context.Context, q db.Querier, s model.Slot, now time.Time) (string, bool, error)
	SupersedeExcept(ctx context.Context, q db.Querier, staffID string, from, to time.Time, keep []string, now time.Time) (int64, error)
}

type TravelTimes interface {
	TravelTime(ctx context.Context, req traveltime.Request) traveltime.Estimate
}

type Config struct {
	Workers                int
	DefaultDurationMinutes int
	DefaultStepMinutes     int
	// TravelMarginMinutes is used when the tenant configures none.
	TravelMarginMinutes int
	MaxTravelMinutes    int
	Now                 func() time.Time
}

// Result counts what one generation pass did.
type Result struct {
	Staff      int
	Dates      int
	Upserted   int
	Inserted   int
	Superseded int64
	Discarded  int
	Failures   int
}

// Written is the number of slots offered by the pass.
func (r Result) Written() int {
	return r.Upserted
}

func (r *Result) add(o Result) {
	r.Staff += o.Staff
	r.Dates += o.Dates
	r.Upserted += o.Upserted
	r.Inserted += o.Inserted
	r.Superseded += o.Superseded
	r.Discarded += o.Discarded
	r.Failures += o.Failures
}

type Generator struct {
	tx      db.Transactor
	config  ConfigStore
	hours   IntervalResolver
	appts   Appointments
	slots   SlotWriter
	travel  TravelTimes
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

func New(tx db.Transactor, config ConfigStore, hours IntervalResolver, appts Appointments, slots SlotWriter, travel TravelTimes, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Generator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultDurationMinutes <= 0 {
		cfg.DefaultDurationMinutes = 45
	}
	if cfg.DefaultStepMinutes <= 0 {
		cfg.DefaultStepMinutes = 15
	}
	if cfg.TravelMarginMinutes < 0 {
		cfg.TravelMarginMinutes = 0
	}
	if cfg.MaxTravelMinutes <= 0 {
		cfg.MaxTravelMinutes = 120
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		tx:      tx,
		config:  config,
		hours:   hours,
		appts:   appts,
		slots:   slots,
		travel:  travel,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
	}
}

// tenantScope is what every staff member of one tenant shares during a pass.
type tenantScope struct {
	tenant    model.TenantSettings
	loc       *time.Location
	durations map[string]int
	margin    time.Duration
	before    time.Duration
	after     time.Duration
}

// Generate writes slots for every active staff member of the tenant (or only staffID) on
// every calendar date from the date of from up to, but excluding, to. Errors of single
// staff members or dates are logged and counted in Result.Failures; only a failure to
// load the tenant itself is returned.
func (g *Generator) Generate(ctx context.Context, tenantID, staffID string, from, to time.Time) (Result, error) {
	started := time.Now()
	ctx, span := otelx.Tracer("availability/generator").Start(ctx, "generator.tenant")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	scope, err := g.loadScope(ctx, tenantID)
	if err != nil {
		g.metrics.ObserveGenerationFailure("tenant")
		return Result{}, err
	}
	staff, err := g.config.ListStaff(ctx, tenantID, staffID)
	if err != nil {
		g.metrics.ObserveGenerationFailure("tenant")
		return Result{}, fmt.Errorf("load staff: %w", err)
	}
	if staffID != "" && len(staff) == 0 {
		return Result{}, ErrStaffNotFound
	}

	var (
		mu    sync.Mutex
		total Result
	)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.cfg.Workers)
	for _, member := range staff {
		member := member
		grp.Go(func() error {
			res := g.generateStaff(gctx, scope, member, from, to)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			// Never fail the group: one staff member must not cancel the others.
			return nil
		})
	}
	_ = grp.Wait()

	g.metrics.ObserveGeneration("tenant", time.Since(started))
	g.logger.Info("slot generation finished",
		"tenant_id", tenantID,
		"staff", total.Staff,
		"dates", total.Dates,
		"upserted", total.Upserted,
		"inserted", total.Inserted,
		"superseded", total.Superseded,
		"discarded", total.Discarded,
		"failures", total.Failures,
	)
	return total, nil
}

func (g *Generator) loadScope(ctx context.Context, tenantID string) (tenantScope, error) {
	tenant, err := g.config.GetTenant(ctx, tenantID)
	if err != nil {
		return tenantScope{}, fmt.Errorf("load tenant: %w", err)
	}
	loc, err := tenant.Location()
	if err != nil {
		return tenantScope{}, err
	}
	durations, err := g.config.CategoryDurations(ctx, tenantID)
	if err != nil {
		return tenantScope{}, fmt.Errorf("load category durations: %w", err)
	}
	margin := tenant.TravelMarginMinutes
	if margin <= 0 {
		margin = g.cfg.TravelMarginMinutes
	}
	return tenantScope{
		tenant:    tenant,
		loc:       loc,
		durations: durations,
		margin:    time.Duration(margin) * time.Minute,
		before:    time.Duration(tenant.BufferBeforeMinutes) * time.Minute,
		after:     time.Duration(tenant.BufferAfterMinutes) * time.Minute,
	}, nil
}

// staffPlan is the per-staff input shared by all dates of a pass.
type staffPlan struct {
	scope     tenantScope
	staff     model.StaffProfile
	locations []model.LocationRef
	window    model.PeakTimeWindow
	duration  time.Duration
	step      time.Duration
}

func (g *Generator) generateStaff(ctx context.Context, scope tenantScope, staff model.StaffProfile, from, to time.Time) Result {
	started := time.Now()
	ctx, span := otelx.Tracer("availability/generator").Start(ctx, "generator.staff")
	defer span.End()
	span.SetAttributes(attribute.String("staff.id", staff.ID))

	res := Result{Staff: 1}
	log := g.logger.With("tenant_id", scope.tenant.ID, "staff_id", staff.ID)
	fail := func(unit, msg string, err error, args ...any) {
		res.Failures++
		g.metrics.ObserveGenerationFailure(unit)
		log.Error(msg, append(args, "err", err)...)
	}

	intervals, err := g.hours.ResolveIn(ctx, scope.tenant.ID, staff.ID, from, to, scope.loc)
	if err != nil {
		fail("staff", "resolve working hours failed, skipping staff", err)
		return res
	}
	dayStart := workinghours.StartOfDay(from, scope.loc)
	appts, err := g.appts.ListForStaff(ctx, scope.tenant.ID, staff.ID, dayStart.Add(-24*time.Hour), to.Add(24*time.Hour))
	if err != nil {
		fail("staff", "load appointments failed, skipping staff", err)
		return res
	}

	plan := staffPlan{
		scope:     scope,
		staff:     staff,
		window:    model.DefaultPeakWindow,
		duration:  time.Duration(g.slotMinutes(scope, staff)) * time.Minute,
		step:      time.Duration(g.stepMinutes(staff)) * time.Minute,
		locations: g.servedLocations(ctx, scope, staff, log),
	}
	if w, ok, err := g.config.PeakWindow(ctx, scope.tenant.ID, staff.ID); err != nil {
		log.Warn("peak window lookup failed, using default", "err", err)
	} else if ok {
		plan.window = w
	}
	if len(plan.locations) == 0 && len(intervals) > 0 {
		log.Warn("staff member serves no location, existing slots will be withdrawn")
	}

	for day := dayStart; day.Before(to); day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			fail("staff", "generation cancelled", ctx.Err())
			break
		}
		dayRes, err := g.generateDate(ctx, plan, day, workinghours.ForDate(intervals, day), appts)
		res.add(dayRes)
		if err != nil {
			fail("date", "slot generation for date failed", err, "date", day.Format(time.DateOnly))
		}
	}
	g.metrics.ObserveGeneration("staff", time.Since(started))
	return res
}

// generateDate carves, filters and persists the slots of one date. Survivors are upserted
// and every other slot of the date is superseded in the same transaction.
func (g *Generator) generateDate(ctx context.Context, plan staffPlan, day time.Time, intervals []workinghours.Interval, appts []model.Appointment) (Result, error) {
	res := Result{Dates: 1}
	now := g.cfg.Now()
	nextDay := day.AddDate(0, 0, 1)

	var candidates []model.Slot
	if len(intervals) > 0 && len(plan.locations) > 0 {
		free := make([]availability.Interval, 0, len(intervals))
		for _, iv := range intervals {
			free = append(free, availability.Interval{Start: iv.Start, End: iv.End})
		}
		busy := make([]availability.Interval, 0, len(appts))
		for _, a := range appts {
			if a.Blocking() && a.StartTime.Before(nextDay) && a.EndTime.After(day) {
				busy = append(busy, availability.Interval{Start: a.StartTime, End: a.EndTime})
			}
		}
		busy = availability.Widen(busy, plan.scope.before, plan.scope.after)
		carved := availability.Carve(availability.Subtract(free, busy), plan.duration, plan.step, now)

		for _, loc := range plan.locations {
			for _, c := range carved {
				if !g.reachable(ctx, plan, loc, c, appts) {
					res.Discarded++
					continue
				}
				candidates = append(candidates, model.Slot{
					TenantID:        plan.scope.tenant.ID,
					StaffID:         plan.staff.ID,
					LocationID:      loc.ID,
					StartTime:       c.Start,
					EndTime:         c.End,
					DurationMinutes: int(plan.duration / time.Minute),
					IsAvailable:     true,
				})
			}
		}
	}

	err := g.tx.InTx(ctx, func(tx pgx.Tx) error {
		keep := make([]string, 0, len(candidates))
		for _, s := range candidates {
			id, inserted, err := g.slots.UpsertSlot(ctx, tx, s, now)
			if err != nil {
				return fmt.Errorf("upsert slot %s at %s: %w", s.LocationID, s.StartTime.Format(time.RFC3339), err)
			}
			keep = append(keep, id)
			if inserted {
				res.Inserted++
			}
		}
		superseded, err := g.slots.SupersedeExcept(ctx, tx, plan.staff.ID, day, nextDay, keep, now)
		if err != nil {
			return fmt.Errorf("supersede slots: %w", err)
		}
		res.Upserted = len(keep)
		res.Superseded = superseded
		return nil
	})
	if err != nil {
		return Result{Dates: 1}, err
	}
	g.metrics.AddSlots("upserted", res.Upserted)
	g.metrics.AddSlots("inserted", res.Inserted)
	g.metrics.AddSlots("superseded", int(res.Superseded))
	g.metrics.AddSlots("discarded", res.Discarded)
	return res, nil
}

// reachable checks the transitions from the nearest earlier appointment and to the nearest
// later appointment of the same date when they are at another postal code.
func (g *Generator) reachable(ctx context.Context, plan staffPlan, loc model.LocationRef, c availability.Interval, appts []model.Appointment) bool {
	plz := model.NormalizePostalCode(loc.PostalCode)
	day := workinghours.StartOfDay(c.Start, plan.scope.loc)
	nextDay := day.AddDate(0, 0, 1)

	var prev, next *model.Appointment
	for i := range appts {
		a := &appts[i]
		if !a.Blocking() || a.StartTime.Before(day) || !a.StartTime.Before(nextDay) {
			continue
		}
		if !a.EndTime.After(c.Start) && (prev == nil || a.EndTime.After(prev.EndTime)) {
			prev = a
		}
		if !a.StartTime.Before(c.End) && (next == nil || a.StartTime.Before(next.StartTime)) {
			next = a
		}
	}
	if prev != nil {
		other := model.PostalCode(prev.Location)
		if !g.transitionFits(ctx, plan, other, plz, prev.EndTime, c.Start.Sub(prev.EndTime)) {
			return false
		}
	}
	if next != nil {
		other := model.PostalCode(next.Location)
		if !g.transitionFits(ctx, plan, plz, other, c.End, next.StartTime.Sub(c.End)) {
			return false
		}
	}
	return true
}

func (g *Generator) transitionFits(ctx context.Context, plan staffPlan, from, to string, departAt time.Time, gap time.Duration) bool {
	if from != "" && from == to {
		return true
	}
	maxTravel := time.Duration(g.cfg.MaxTravelMinutes) * time.Minute
	if gap >= maxTravel+plan.scope.margin {
		return true
	}
	window := plan.window
	est := g.travel.TravelTime(ctx, traveltime.Request{
		TenantID: plan.scope.tenant.ID,
		StaffID:  plan.staff.ID,
		From:     from,
		To:       to,
		At:       departAt,
		Loc:      plan.scope.loc,
		Window:   &window,
	})
	if !est.Known {
		return false
	}
	return time.Duration(est.Minutes)*time.Minute+plan.scope.margin <= gap
}

// servedLocations drops locations outside the staff member's pickup radius. A location
// whose distance cannot be determined is not served.
func (g *Generator) servedLocations(ctx context.Context, scope tenantScope, staff model.StaffProfile, log *slog.Logger) []model.LocationRef {
	if staff.PickupRadiusKM == nil || staff.BasePostalCode == "" {
		return staff.Locations
	}
	radius := *staff.PickupRadiusKM
	var out []model.LocationRef
	for _, loc := range staff.Locations {
		est := g.travel.TravelTime(ctx, traveltime.Request{
			TenantID: scope.tenant.ID,
			StaffID:  staff.ID,
			From:     staff.BasePostalCode,
			To:       loc.PostalCode,
			At:       g.cfg.Now(),
			Loc:      scope.loc,
		})
		switch {
		case !est.Known:
			log.Warn("pickup distance unknown, location skipped", "location_id", loc.ID, "postal_code", loc.PostalCode)
		case est.DistanceKM > radius:
			log.Debug("location outside pickup radius", "location_id", loc.ID, "distance_km", est.DistanceKM, "radius_km", radius)
		default:
			out = append(out, loc)
		}
	}
	return out
}

// slotMinutes: staff override, else the first of the staff member's categories with a
// configured duration, else the default.
func (g *Generator) slotMinutes(scope tenantScope, staff model.StaffProfile) int {
	if staff.SlotDurationMinutes > 0 {
		return staff.SlotDurationMinutes
	}
	cats := append([]string(nil), staff.Categories...)
	sort.Strings(cats)
	for _, c := range cats {
		if m := scope.durations[c]; m > 0 {
			return m
		}
	}
	return g.cfg.DefaultDurationMinutes
}

func (g *Generator) stepMinutes(staff model.StaffProfile) int {
	if staff.SlotStepMinutes > 0 {
		return staff.SlotStepMinutes
	}
	return g.cfg.DefaultStepMinutes
}
