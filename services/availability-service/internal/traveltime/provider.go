// Package traveltime resolves driving durations between postal codes for slot generation
// and conflict checks.
package traveltime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/metrics"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/routing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

type Source string

const (
	SourceSamePostalCode Source = "same"
	SourceCache          Source = "cache"
	SourceStale          Source = "stale"
	SourceRouting        Source = "routing"
	SourceUnknown        Source = "unknown"
)

// Estimate is a travel duration. Known is false when neither the cache nor the routing
// provider could answer; callers must then act conservatively.
type Estimate struct {
	Minutes    int
	DistanceKM float64
	Peak       bool
	Known      bool
	Source     Source
}

func unknown() Estimate {
	return Estimate{Source: SourceUnknown}
}

type Request struct {
	TenantID string
	StaffID  string
	From     string
	To       string
	At       time.Time
	// Loc is the tenant timezone used to bucket At into peak/off-peak. Defaults to At's.
	Loc *time.Location
	// Window skips the peak window lookup when the caller already loaded it.
	Window *model.PeakTimeWindow
}

type Router interface {
	DistanceMatrix(ctx context.Context, q routing.Query) (routing.Result, error)
}

type PeakWindows interface {
	PeakWindow(ctx context.Context, tenantID, staffID string) (model.PeakTimeWindow, bool, error)
}

type Config struct {
	// MaxAge after which a cached pair is refreshed. A failed refresh still serves the
	// stale figure.
	MaxAge time.Duration
	// Timeout bounds both routing calls of one cache miss together.
	Timeout time.Duration
	Now     func() time.Time
}

type Provider struct {
	cache   Cache
	router  Router
	windows PeakWindows
	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
}

func NewProvider(cache Cache, router Router, windows PeakWindows, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Provider {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cache:   cache,
		router:  router,
		windows: windows,
		logger:  logger,
		metrics: m,
		maxAge:  cfg.MaxAge,
		timeout: cfg.Timeout,
		now:     cfg.Now,
	}
}

// TravelTime returns the driving minutes from req.From to req.To for a departure at req.At.
// It never returns an error: provider failures surface as an unknown Estimate.
func (p *Provider) TravelTime(ctx context.Context, req Request) Estimate {
	from := model.NormalizePostalCode(req.From)
	to := model.NormalizePostalCode(req.To)
	if from == "" || to == "" {
		p.metrics.ObserveTravelLookup(string(SourceUnknown))
		return unknown()
	}
	if from == to {
		p.metrics.ObserveTravelLookup(string(SourceSamePostalCode))
		return Estimate{Known: true, Source: SourceSamePostalCode}
	}

	ctx, span := otelx.Tracer("availability/traveltime").Start(ctx, "traveltime.lookup")
	defer span.End()
	span.SetAttributes(attribute.String("travel.from", from), attribute.String("travel.to", to))

	entry, source, ok := p.lookup(ctx, from, to, req.Loc)
	span.SetAttributes(attribute.String("travel.source", string(source)))
	p.metrics.ObserveTravelLookup(string(source))
	if !ok {
		return unknown()
	}
	peak := p.isPeak(ctx, req)
	return Estimate{
		Minutes:    entry.Minutes(peak),
		DistanceKM: entry.DistanceKM,
		Peak:       peak,
		Known:      true,
		Source:     source,
	}
}

func (p *Provider) lookup(ctx context.Context, from, to string, loc *time.Location) (model.TravelTimeEntry, Source, bool) {
	cached, hit, err := p.cache.Get(ctx, from, to)
	if err != nil {
		p.logger.Warn("travel cache read failed", "from", from, "to", to, "err", err)
		hit = false
	}
	if hit && p.now().Sub(cached.LastUpdated) < p.maxAge {
		return cached, SourceCache, true
	}

	a, b := model.OrderedPair(from, to)
	v, err, _ := p.group.Do(a+"|"+b, func() (any, error) {
		return p.fetch(ctx, a, b, loc)
	})
	if err != nil {
		if hit {
			p.logger.Warn("travel time refresh failed, serving stale entry", "from", a, "to", b, "err", err)
			return cached, SourceStale, true
		}
		p.logger.Warn("travel time unknown", "from", a, "to", b, "err", err)
		return model.TravelTimeEntry{}, SourceUnknown, false
	}
	return v.(model.TravelTimeEntry), SourceRouting, true
}

// fetch asks the router twice: current conditions for the off-peak figure and a synthetic
// next-weekday 08:00 departure with pessimistic traffic for the peak figure.
func (p *Provider) fetch(ctx context.Context, a, b string, loc *time.Location) (model.TravelTimeEntry, error) {
	if p.router == nil {
		return model.TravelTimeEntry{}, errors.New("no routing provider configured")
	}
	// Shared by every waiter of the singleflight group, so one caller's cancellation must
	// not fail the others.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	now := p.now()
	offpeak, err := p.router.DistanceMatrix(ctx, routing.Query{
		Origin:       a,
		Destination:  b,
		Departure:    now,
		TrafficModel: routing.TrafficBestGuess,
	})
	if err != nil {
		return model.TravelTimeEntry{}, fmt.Errorf("offpeak route: %w", err)
	}
	peak, err := p.router.DistanceMatrix(ctx, routing.Query{
		Origin:       a,
		Destination:  b,
		Departure:    NextWeekdayMorning(now, loc),
		TrafficModel: routing.TrafficPessimistic,
	})
	if err != nil {
		return model.TravelTimeEntry{}, fmt.Errorf("peak route: %w", err)
	}

	entry := model.TravelTimeEntry{
		FromPostalCode: a,
		ToPostalCode:   b,
		PeakMinutes:    max(peak.Minutes(), offpeak.Minutes()),
		OffpeakMinutes: offpeak.Minutes(),
		DistanceKM:     float64(offpeak.DistanceMeters) / 1000,
		LastUpdated:    now,
	}
	if err := p.cache.Put(ctx, entry); err != nil {
		p.logger.Warn("travel cache write failed", "from", a, "to", b, "err", err)
	}
	return entry, nil
}

func (p *Provider) isPeak(ctx context.Context, req Request) bool {
	at := req.At
	if req.Loc != nil {
		at = at.In(req.Loc)
	}
	if req.Window != nil {
		return req.Window.IsPeak(at)
	}
	window := model.DefaultPeakWindow
	if p.windows != nil {
		w, ok, err := p.windows.PeakWindow(ctx, req.TenantID, req.StaffID)
		if err != nil {
			p.logger.Warn("peak window lookup failed, using default", "tenant_id", req.TenantID, "staff_id", req.StaffID, "err", err)
		} else if ok {
			window = w
		}
	}
	return window.IsPeak(at)
}

// NextWeekdayMorning returns 08:00 local on the next Monday-to-Friday day strictly after now.
func NextWeekdayMorning(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = now.Location()
	}
	day := now.In(loc)
	for {
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 8, 0, 0, 0, loc)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return day
		}
	}
}
