// Package conflict validates a proposed booking against the customer's own calendar.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/metrics"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/traveltime"
)

type Reason string

const (
	ReasonNone          Reason = ""
	ReasonOverlap       Reason = "overlap"
	ReasonTravelTime    Reason = "travel_time"
	ReasonTravelUnknown Reason = "travel_time_unknown"
)

var ErrInvalidRange = errors.New("proposed end must be after start")

type Appointments interface {
	ListForCustomer(ctx context.Context, tenantID, customerID string, from, to time.Time) ([]model.Appointment, error)
}

type TravelTimes interface {
	TravelTime(ctx context.Context, req traveltime.Request) traveltime.Estimate
}

type Config struct {
	// BufferMinutes widens the direct-overlap test on both sides.
	BufferMinutes int
	// TravelMarginMinutes is added to the travel time before comparing against a gap.
	TravelMarginMinutes int
	// MaxTravelMinutes bounds plausible travel; larger gaps are accepted without a lookup.
	MaxTravelMinutes int
	// AllowUnknownTravel lets a transition pass when the travel time cannot be determined.
	// Off by default: an unknown transition is reported as a conflict.
	AllowUnknownTravel bool
}

type Request struct {
	TenantID   string
	CustomerID string
	Start      time.Time
	End        time.Time
	// FromPostalCode is where the proposed appointment starts; ToPostalCode where it ends
	// (defaults to FromPostalCode).
	FromPostalCode string
	ToPostalCode   string
	// ExcludeAppointmentID skips the appointment being rescheduled.
	ExcludeAppointmentID string
	Loc                  *time.Location
}

type Result struct {
	Conflict          bool
	Reason            Reason
	Message           string
	AppointmentID     string
	StaffID           string
	LocationPostal    string
	TravelTimeMinutes *int
	EarliestArrival   *time.Time
	EarliestStart     *time.Time
}

type Checker struct {
	appointments Appointments
	travel       TravelTimes
	logger       *slog.Logger
	metrics      *metrics.Metrics
	cfg          Config
}

func NewChecker(appointments Appointments, travel TravelTimes, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Checker {
	if cfg.TravelMarginMinutes < 0 {
		cfg.TravelMarginMinutes = 0
	}
	if cfg.MaxTravelMinutes <= 0 {
		cfg.MaxTravelMinutes = 120
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{appointments: appointments, travel: travel, logger: logger, metrics: m, cfg: cfg}
}

// Check reports the first conflict between the proposal and the customer's non-cancelled
// appointments. Direct overlaps are reported before travel-time conflicts.
func (c *Checker) Check(ctx context.Context, req Request) (Result, error) {
	if !req.End.After(req.Start) {
		return Result{}, ErrInvalidRange
	}
	if req.ToPostalCode == "" {
		req.ToPostalCode = req.FromPostalCode
	}
	window := time.Duration(c.cfg.MaxTravelMinutes+c.cfg.TravelMarginMinutes+c.cfg.BufferMinutes) * time.Minute
	appts, err := c.appointments.ListForCustomer(ctx, req.TenantID, req.CustomerID, req.Start.Add(-window), req.End.Add(window))
	if err != nil {
		return Result{}, fmt.Errorf("load customer appointments: %w", err)
	}
	sort.Slice(appts, func(i, j int) bool { return appts[i].StartTime.Before(appts[j].StartTime) })

	var relevant []model.Appointment
	for _, a := range appts {
		if a.Blocking() && a.ID != req.ExcludeAppointmentID {
			relevant = append(relevant, a)
		}
	}

	res := c.overlap(req, relevant)
	if !res.Conflict {
		res = c.transitions(ctx, req, relevant)
	}
	c.metrics.ObserveConflictCheck(string(res.Reason))
	return res, nil
}

func (c *Checker) overlap(req Request, appts []model.Appointment) Result {
	buffer := time.Duration(c.cfg.BufferMinutes) * time.Minute
	for _, a := range appts {
		if availability.Overlaps(req.Start.Add(-buffer), req.End.Add(buffer), a.StartTime, a.EndTime) {
			return Result{
				Conflict:       true,
				Reason:         ReasonOverlap,
				Message:        "overlaps an existing appointment",
				AppointmentID:  a.ID,
				StaffID:        a.StaffID,
				LocationPostal: model.PostalCode(a.Location),
			}
		}
	}
	return Result{}
}

func (c *Checker) transitions(ctx context.Context, req Request, appts []model.Appointment) Result {
	margin := time.Duration(c.cfg.TravelMarginMinutes) * time.Minute
	maxTravel := time.Duration(c.cfg.MaxTravelMinutes) * time.Minute

	for _, a := range appts {
		plz := model.PostalCode(a.Location)
		switch {
		case !a.EndTime.After(req.Start):
			// Existing appointment first, then travel to the proposed start.
			gap := req.Start.Sub(a.EndTime)
			if gap >= maxTravel+margin || samePlace(plz, req.FromPostalCode) {
				continue
			}
			est := c.travel.TravelTime(ctx, traveltime.Request{
				TenantID: req.TenantID, StaffID: a.StaffID, From: plz, To: req.FromPostalCode, At: a.EndTime, Loc: req.Loc,
			})
			if r, bad := c.judge(a, plz, est, gap, a.EndTime); bad {
				return r
			}
		case !req.End.After(a.StartTime):
			// Proposed appointment first, then travel on to the existing one.
			gap := a.StartTime.Sub(req.End)
			if gap >= maxTravel+margin || samePlace(req.ToPostalCode, plz) {
				continue
			}
			est := c.travel.TravelTime(ctx, traveltime.Request{
				TenantID: req.TenantID, StaffID: a.StaffID, From: req.ToPostalCode, To: plz, At: req.End, Loc: req.Loc,
			})
			if r, bad := c.judge(a, plz, est, gap, time.Time{}); bad {
				return r
			}
		}
	}
	return Result{}
}

// judge decides one transition. departedAt is the end of the earlier appointment when the
// proposal comes second; it is zero otherwise, and no earliest start is reported.
func (c *Checker) judge(a model.Appointment, plz string, est traveltime.Estimate, gap time.Duration, departedAt time.Time) (Result, bool) {
	if !est.Known {
		if c.cfg.AllowUnknownTravel {
			c.logger.Warn("travel time unknown, allowed by policy", "appointment_id", a.ID, "postal_code", plz)
			return Result{}, false
		}
		return Result{
			Conflict:       true,
			Reason:         ReasonTravelUnknown,
			Message:        "travel time to or from an existing appointment could not be determined",
			AppointmentID:  a.ID,
			StaffID:        a.StaffID,
			LocationPostal: plz,
		}, true
	}

	travel := time.Duration(est.Minutes) * time.Minute
	margin := time.Duration(c.cfg.TravelMarginMinutes) * time.Minute
	if gap >= travel+margin {
		return Result{}, false
	}
	minutes := est.Minutes
	r := Result{
		Conflict:          true,
		Reason:            ReasonTravelTime,
		Message:           fmt.Sprintf("needs %d minutes of travel plus %d minutes margin", est.Minutes, c.cfg.TravelMarginMinutes),
		AppointmentID:     a.ID,
		StaffID:           a.StaffID,
		LocationPostal:    plz,
		TravelTimeMinutes: &minutes,
	}
	if !departedAt.IsZero() {
		arrival := departedAt.Add(travel)
		start := arrival.Add(margin)
		r.EarliestArrival = &arrival
		r.EarliestStart = &start
	}
	return r, true
}

// Without a postal code on either side there is nothing to compare; the lookup then
// reports unknown and the policy decides.
func samePlace(a, b string) bool {
	a, b = model.NormalizePostalCode(a), model.NormalizePostalCode(b)
	return a != "" && a == b
}
