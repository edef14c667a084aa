package workinghours

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
)

// Interval is one concrete working window. Date is local midnight of the calendar day the
// window belongs to.
type Interval struct {
	Date  time.Time
	Start time.Time
	End   time.Time
}

// Resolve expands the weekly rules into concrete intervals for every calendar date (in loc)
// from the date of from up to, but excluding, to. Overlapping or touching windows on the same
// date are merged. The result is ordered chronologically.
func Resolve(rules []model.WorkingHourRule, from, to time.Time, loc *time.Location) []Interval {
	if loc == nil {
		loc = time.UTC
	}
	if !to.After(from) {
		return nil
	}
	byDay := map[time.Weekday][]model.WorkingHourRule{}
	for _, rule := range rules {
		if !rule.IsActive || rule.EndMinute <= rule.StartMinute {
			continue
		}
		if rule.DayOfWeek < 0 || rule.DayOfWeek > 6 {
			continue
		}
		byDay[time.Weekday(rule.DayOfWeek)] = append(byDay[time.Weekday(rule.DayOfWeek)], rule)
	}
	if len(byDay) == 0 {
		return nil
	}

	var out []Interval
	for day := StartOfDay(from, loc); day.Before(to); day = day.AddDate(0, 0, 1) {
		dayRules := byDay[day.Weekday()]
		if len(dayRules) == 0 {
			continue
		}
		windows := make([]Interval, 0, len(dayRules))
		for _, rule := range dayRules {
			windows = append(windows, Interval{
				Date:  day,
				Start: atMinute(day, rule.StartMinute, loc),
				End:   atMinute(day, rule.EndMinute, loc),
			})
		}
		out = append(out, merge(windows)...)
	}
	return out
}

// StartOfDay returns local midnight of t's calendar date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// ForDate returns the intervals whose Date equals day.
func ForDate(intervals []Interval, day time.Time) []Interval {
	var out []Interval
	for _, iv := range intervals {
		if iv.Date.Equal(day) {
			out = append(out, iv)
		}
	}
	return out
}

// time.Date is used rather than day.Add so wall-clock minutes survive DST switches.
func atMinute(day time.Time, minute int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, loc)
}

func merge(windows []Interval) []Interval {
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start.Before(windows[j].Start) })
	merged := []Interval{windows[0]}
	for _, w := range windows[1:] {
		last := &merged[len(merged)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged
}

type RuleStore interface {
	ListWorkingHours(ctx context.Context, tenantID, staffID string) ([]model.WorkingHourRule, error)
}

type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (model.TenantSettings, error)
}

// Resolver loads a staff member's rules and the tenant timezone before expanding them.
type Resolver struct {
	rules   RuleStore
	tenants TenantStore
}

func NewResolver(rules RuleStore, tenants TenantStore) *Resolver {
	return &Resolver{rules: rules, tenants: tenants}
}

func (r *Resolver) ResolveIntervals(ctx context.Context, tenantID, staffID string, from, to time.Time) ([]Interval, error) {
	tenant, err := r.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	loc, err := tenant.Location()
	if err != nil {
		return nil, err
	}
	return r.ResolveIn(ctx, tenantID, staffID, from, to, loc)
}

// ResolveIn is ResolveIntervals for callers that already hold the tenant location.
func (r *Resolver) ResolveIn(ctx context.Context, tenantID, staffID string, from, to time.Time, loc *time.Location) ([]Interval, error) {
	rules, err := r.rules.ListWorkingHours(ctx, tenantID, staffID)
	if err != nil {
		return nil, fmt.Errorf("load working hours: %w", err)
	}
	return Resolve(rules, from, to, loc), nil
}
