package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/slotengine/libs/httpx"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/generator"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/storage"
)

type Recalculator interface {
	RecalculateAvailability(ctx context.Context, runID, tenantID, staffID string, horizonDays int) (generator.RunSummary, error)
	OnWorkingHoursChanged(ctx context.Context, tenantID, staffID string, weekday *time.Weekday, horizonDays int) (int64, generator.Result, error)
}

type Releaser interface {
	Release(ctx context.Context, scope storage.ReleaseScope, reason string) (int64, error)
}

// InternalHandler serves batch endpoints. Routes must sit behind auth.RequireBatchCredential.
type InternalHandler struct {
	batch    Recalculator
	releaser Releaser
	logger   *slog.Logger
	// base outlives the request so 202 runs are not cancelled when the caller disconnects.
	base    context.Context
	running atomic.Bool
}

func NewInternalHandler(base context.Context, batch Recalculator, releaser Releaser, logger *slog.Logger) *InternalHandler {
	return &InternalHandler{base: base, batch: batch, releaser: releaser, logger: logger}
}

type recalculateRequest struct {
	TenantID    string `json:"tenant_id,omitempty"`
	StaffID     string `json:"staff_id,omitempty"`
	HorizonDays int    `json:"horizon_days,omitempty"`
	// Wait runs the batch inline and returns its summary.
	Wait bool `json:"wait,omitempty"`
}

type runSummaryResponse struct {
	RunID      string `json:"run_id"`
	Tenants    int    `json:"tenants"`
	Skipped    int    `json:"skipped"`
	Staff      int    `json:"staff"`
	Upserted   int    `json:"upserted"`
	Inserted   int    `json:"inserted"`
	Superseded int64  `json:"superseded"`
	Discarded  int    `json:"discarded"`
	Failures   int    `json:"failures"`
	DurationMS int64  `json:"duration_ms"`
}

func toSummaryResponse(s generator.RunSummary) runSummaryResponse {
	return runSummaryResponse{
		RunID:      s.RunID,
		Tenants:    s.Tenants,
		Skipped:    s.Skipped,
		Staff:      s.Result.Staff,
		Upserted:   s.Result.Upserted,
		Inserted:   s.Result.Inserted,
		Superseded: s.Result.Superseded,
		Discarded:  s.Result.Discarded,
		Failures:   s.Result.Failures,
		DurationMS: s.Duration.Milliseconds(),
	}
}

// Recalculate starts a batch run. Only one run is in flight per instance; a second trigger
// gets 409 rather than queueing.
func (h *InternalHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req recalculateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	if req.HorizonDays < 0 || req.HorizonDays > 366 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_horizon_days", "")
		return
	}
	if !h.running.CompareAndSwap(false, true) {
		httpx.WriteError(w, http.StatusConflict, "recalculation_in_progress", "")
		return
	}

	runID := httpx.RequestIDFromContext(r.Context())
	if _, err := uuid.Parse(runID); err != nil {
		runID = uuid.NewString()
	}
	tenantID := strings.TrimSpace(req.TenantID)
	staffID := strings.TrimSpace(req.StaffID)

	if req.Wait {
		defer h.running.Store(false)
		summary, err := h.batch.RecalculateAvailability(r.Context(), runID, tenantID, staffID, req.HorizonDays)
		if err != nil {
			h.logger.Error("availability recalculation failed", "run_id", runID, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "recalculation_failed", "")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toSummaryResponse(summary))
		return
	}

	ctx := httpx.ContextWithRequestID(h.base, runID)
	go func() {
		defer h.running.Store(false)
		if _, err := h.batch.RecalculateAvailability(ctx, runID, tenantID, staffID, req.HorizonDays); err != nil {
			h.logger.Error("availability recalculation failed", "run_id", runID, "err", err)
		}
	}()
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

type releaseRequest struct {
	TenantID        string `json:"tenant_id"`
	StaffID         string `json:"staff_id,omitempty"`
	From            string `json:"from"`
	To              string `json:"to"`
	MarkUnavailable bool   `json:"mark_unavailable,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Release frees holds (and optionally withdraws slots) for a tenant or staff range.
func (h *InternalHandler) Release(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req releaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_tenant_id", "")
		return
	}
	from, err := time.Parse(time.RFC3339, req.From)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_from", "")
		return
	}
	to, err := time.Parse(time.RFC3339, req.To)
	if err != nil || !to.After(from) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_to", "")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}

	n, err := h.releaser.Release(r.Context(), storage.ReleaseScope{
		TenantID:        req.TenantID,
		StaffID:         strings.TrimSpace(req.StaffID),
		From:            from,
		To:              to,
		MarkUnavailable: req.MarkUnavailable,
	}, reason)
	if err != nil {
		h.logger.Error("release failed", "tenant_id", req.TenantID, "staff_id", req.StaffID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "release_failed", "")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int64{"released": n})
}

type workingHoursChangedRequest struct {
	TenantID string `json:"tenant_id"`
	StaffID  string `json:"staff_id"`
	// Weekday is 0 (Sunday) through 6; omitted means every day changed.
	Weekday     *int `json:"weekday,omitempty"`
	HorizonDays int  `json:"horizon_days,omitempty"`
}

// WorkingHoursChanged releases the staff member's affected slots and regenerates them in the
// background.
func (h *InternalHandler) WorkingHoursChanged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req workingHoursChangedRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	staffID := strings.TrimSpace(req.StaffID)
	if tenantID == "" || staffID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_required_fields", "tenant_id and staff_id are required")
		return
	}
	var weekday *time.Weekday
	if req.Weekday != nil {
		if *req.Weekday < 0 || *req.Weekday > 6 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_weekday", "")
			return
		}
		d := time.Weekday(*req.Weekday)
		weekday = &d
	}

	runID := uuid.NewString()
	ctx := httpx.ContextWithRequestID(h.base, runID)
	log := h.logger.With("run_id", runID, "tenant_id", tenantID, "staff_id", staffID)
	go func() {
		released, res, err := h.batch.OnWorkingHoursChanged(ctx, tenantID, staffID, weekday, req.HorizonDays)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("working hours regeneration failed", "released", released, "err", err)
			return
		}
		log.Info("working hours regeneration finished", "released", released, "upserted", res.Upserted, "superseded", res.Superseded)
	}()
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}
