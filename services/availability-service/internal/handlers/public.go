package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/conflict"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/reservation"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/storage"
)

const (
	defaultRange = 14 * 24 * time.Hour
	maxRange     = 62 * 24 * time.Hour
)

type SlotLister interface {
	ListAvailable(ctx context.Context, q storage.SlotQuery) ([]model.Slot, error)
}

type Reservations interface {
	Reserve(ctx context.Context, slotID, sessionID string) (model.Slot, error)
	Extend(ctx context.Context, slotID, sessionID string) (model.Slot, error)
}

type ConflictChecker interface {
	Check(ctx context.Context, req conflict.Request) (conflict.Result, error)
}

type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (model.TenantSettings, error)
}

// PublicHandler serves the anonymous booking flow.
type PublicHandler struct {
	slots     SlotLister
	holds     Reservations
	conflicts ConflictChecker
	tenants   TenantStore
	postal    model.PostalCodeExtractor
	logger    *slog.Logger
	now       func() time.Time
}

func NewPublicHandler(slots SlotLister, holds Reservations, conflicts ConflictChecker, tenants TenantStore, postal model.PostalCodeExtractor, logger *slog.Logger) *PublicHandler {
	return &PublicHandler{
		slots:     slots,
		holds:     holds,
		conflicts: conflicts,
		tenants:   tenants,
		postal:    postal,
		logger:    logger,
		now:       time.Now,
	}
}

type slotItem struct {
	SlotID          string `json:"slot_id"`
	StaffID         string `json:"staff_id"`
	LocationID      string `json:"location_id"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
	ReservedUntil   string `json:"reserved_until,omitempty"`
}

type listSlotsResponse struct {
	TenantID string     `json:"tenant_id"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Slots    []slotItem `json:"slots"`
}

// Slots lists open slots. Slots held by the caller's own session stay visible.
func (h *PublicHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	tenantID := strings.TrimSpace(q.Get("tenant_id"))
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_tenant_id", "tenant_id is required")
		return
	}

	ctx := r.Context()
	tenant, err := h.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, storage.ErrTenantNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "tenant_not_found", "")
		return
	}
	if err != nil {
		h.logger.Error("load tenant failed", "tenant_id", tenantID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	loc, err := tenant.Location()
	if err != nil {
		h.logger.Error("tenant timezone invalid", "tenant_id", tenantID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	now := h.now()
	from, err := parseTimeParam(q.Get("from"), loc, now)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_from", err.Error())
		return
	}
	to, err := parseTimeParam(q.Get("to"), loc, from.Add(defaultRange))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_to", err.Error())
		return
	}
	if !to.After(from) || to.Sub(from) > maxRange {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_range", "to must be after from and within 62 days")
		return
	}
	if from.Before(now) {
		from = now
	}

	sessionID := strings.TrimSpace(q.Get("session_id"))
	slots, err := h.slots.ListAvailable(ctx, storage.SlotQuery{
		TenantID:  tenantID,
		StaffID:   strings.TrimSpace(q.Get("staff_id")),
		Category:  strings.TrimSpace(q.Get("category")),
		From:      from,
		To:        to,
		SessionID: sessionID,
		Now:       now,
	})
	if err != nil {
		h.logger.Error("list slots failed", "tenant_id", tenantID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		item := slotItem{
			SlotID:          s.ID,
			StaffID:         s.StaffID,
			LocationID:      s.LocationID,
			StartTime:       s.StartTime.In(loc).Format(time.RFC3339),
			EndTime:         s.EndTime.In(loc).Format(time.RFC3339),
			DurationMinutes: s.DurationMinutes,
		}
		if s.HeldBy(sessionID, now) {
			item.ReservedUntil = s.ReservedUntil.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	httpx.WriteJSON(w, http.StatusOK, listSlotsResponse{
		TenantID: tenantID,
		From:     from.In(loc).Format(time.RFC3339),
		To:       to.In(loc).Format(time.RFC3339),
		Slots:    items,
	})
}

type holdRequest struct {
	SlotID    string `json:"slot_id"`
	SessionID string `json:"session_id"`
}

type holdResponse struct {
	Success       bool      `json:"success"`
	Slot          *slotItem `json:"slot,omitempty"`
	ReservedUntil string    `json:"reserved_until"`
}

// Reserve answers 409 slot_no_longer_available when another session holds the slot or it
// was withdrawn; the client must let the user pick again.
func (h *PublicHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.hold(w, r, true)
}

func (h *PublicHandler) Extend(w http.ResponseWriter, r *http.Request) {
	h.hold(w, r, false)
}

func (h *PublicHandler) hold(w http.ResponseWriter, r *http.Request, reserve bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req holdRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}

	var (
		slot model.Slot
		err  error
	)
	if reserve {
		slot, err = h.holds.Reserve(r.Context(), req.SlotID, req.SessionID)
	} else {
		slot, err = h.holds.Extend(r.Context(), req.SlotID, req.SessionID)
	}
	if err != nil {
		writeHoldError(w, err)
		return
	}

	until := ""
	if slot.ReservedUntil != nil {
		until = slot.ReservedUntil.UTC().Format(time.RFC3339)
	}
	resp := holdResponse{Success: true, ReservedUntil: until}
	if reserve {
		resp.Slot = &slotItem{
			SlotID:          slot.ID,
			StaffID:         slot.StaffID,
			LocationID:      slot.LocationID,
			StartTime:       slot.StartTime.UTC().Format(time.RFC3339),
			EndTime:         slot.EndTime.UTC().Format(time.RFC3339),
			DurationMinutes: slot.DurationMinutes,
			ReservedUntil:   until,
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func writeHoldError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservation.ErrInvalidSlotID):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_slot_id", "")
	case errors.Is(err, reservation.ErrInvalidSession):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_session_id", "")
	case errors.Is(err, storage.ErrSlotNotFound):
		httpx.WriteError(w, http.StatusNotFound, "slot_not_found", "")
	case errors.Is(err, storage.ErrSlotHeld), errors.Is(err, storage.ErrSlotUnavailable):
		httpx.WriteError(w, http.StatusConflict, "slot_no_longer_available", "the selected slot is no longer available, please choose another one")
	case errors.Is(err, storage.ErrReservationNotHeld):
		httpx.WriteError(w, http.StatusConflict, "reservation_not_held", "the reservation expired or belongs to another session")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

// locationInput is either a configured location (location_id + postal_code) or a free-text
// address; both resolve to a postal code before the check runs.
type locationInput struct {
	LocationID string `json:"location_id,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Address    string `json:"address,omitempty"`
}

func (l *locationInput) location() model.Location {
	switch {
	case l == nil:
		return nil
	case l.LocationID != "" || l.PostalCode != "":
		return model.LocationRef{ID: l.LocationID, PostalCode: l.PostalCode}
	case l.Address != "":
		return model.CustomAddress{Text: l.Address}
	default:
		return nil
	}
}

type conflictRequest struct {
	TenantID             string         `json:"tenant_id"`
	CustomerID           string         `json:"customer_id"`
	ProposedStart        string         `json:"proposed_start"`
	ProposedEnd          string         `json:"proposed_end"`
	FromLocation         *locationInput `json:"from_location,omitempty"`
	ToLocation           *locationInput `json:"to_location,omitempty"`
	ExcludeAppointmentID string         `json:"exclude_appointment_id,omitempty"`
}

type conflictResponse struct {
	Conflict          bool   `json:"conflict"`
	Reason            string `json:"reason,omitempty"`
	Message           string `json:"message,omitempty"`
	AppointmentID     string `json:"appointment_id,omitempty"`
	StaffID           string `json:"staff_id,omitempty"`
	PostalCode        string `json:"postal_code,omitempty"`
	TravelTimeMinutes *int   `json:"travel_time_minutes,omitempty"`
	EarliestArrival   string `json:"earliest_arrival,omitempty"`
	EarliestStart     string `json:"earliest_start,omitempty"`
}

// CheckConflicts validates a proposed booking against the customer's calendar. Callers
// should send from_location (and to_location when the customer leaves from elsewhere):
// without a postal code every appointment ending or starting within the travel bound of
// the proposal is reported as travel_time_unknown, unless unknown travel is allowed.
func (h *PublicHandler) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req conflictRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.TenantID == "" || req.CustomerID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_required_fields", "tenant_id and customer_id are required")
		return
	}
	start, err := time.Parse(time.RFC3339, req.ProposedStart)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_proposed_start", "")
		return
	}
	end, err := time.Parse(time.RFC3339, req.ProposedEnd)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_proposed_end", "")
		return
	}

	ctx := r.Context()
	var loc *time.Location
	if tenant, err := h.tenants.GetTenant(ctx, req.TenantID); err == nil {
		loc, _ = tenant.Location()
	} else if errors.Is(err, storage.ErrTenantNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "tenant_not_found", "")
		return
	} else {
		h.logger.Warn("tenant lookup failed, using request offset for peak windows", "tenant_id", req.TenantID, "err", err)
	}

	res, err := h.conflicts.Check(ctx, conflict.Request{
		TenantID:             req.TenantID,
		CustomerID:           req.CustomerID,
		Start:                start,
		End:                  end,
		FromPostalCode:       h.postal.PostalCode(req.FromLocation.location()),
		ToPostalCode:         h.postal.PostalCode(req.ToLocation.location()),
		ExcludeAppointmentID: strings.TrimSpace(req.ExcludeAppointmentID),
		Loc:                  loc,
	})
	if errors.Is(err, conflict.ErrInvalidRange) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("conflict check failed", "tenant_id", req.TenantID, "customer_id", req.CustomerID, "err", err)
		httpx.WriteError(w, http.StatusServiceUnavailable, "conflict_check_unavailable", "")
		return
	}

	resp := conflictResponse{
		Conflict:          res.Conflict,
		Reason:            string(res.Reason),
		Message:           res.Message,
		AppointmentID:     res.AppointmentID,
		StaffID:           res.StaffID,
		PostalCode:        res.LocationPostal,
		TravelTimeMinutes: res.TravelTimeMinutes,
	}
	if res.EarliestArrival != nil {
		resp.EarliestArrival = formatIn(*res.EarliestArrival, loc)
	}
	if res.EarliestStart != nil {
		resp.EarliestStart = formatIn(*res.EarliestStart, loc)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// parseTimeParam accepts RFC3339 or a bare date (midnight in loc). Empty returns fallback.
func parseTimeParam(raw string, loc *time.Location, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, errors.New("expected RFC3339 timestamp or YYYY-MM-DD date")
	}
	return t, nil
}

func formatIn(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(time.RFC3339)
}
