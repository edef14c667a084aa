package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/auth"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/conflict"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/generator"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/reservation"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/storage"
)

const testSlotID = "6f1c2a7e-5b0e-4c55-9a51-0d7c1c7a2b11"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var zurich = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		panic(err)
	}
	return loc
}()

type fakeSlots struct {
	got   storage.SlotQuery
	slots []model.Slot
}

func (f *fakeSlots) ListAvailable(_ context.Context, q storage.SlotQuery) ([]model.Slot, error) {
	f.got = q
	return f.slots, nil
}

type fakeHolds struct {
	slot model.Slot
	err  error
}

func (f *fakeHolds) Reserve(context.Context, string, string) (model.Slot, error) {
	return f.slot, f.err
}

func (f *fakeHolds) Extend(context.Context, string, string) (model.Slot, error) {
	return f.slot, f.err
}

type fakeChecker struct {
	got conflict.Request
	res conflict.Result
}

func (f *fakeChecker) Check(_ context.Context, req conflict.Request) (conflict.Result, error) {
	f.got = req
	return f.res, nil
}

type fakeTenants struct{}

func (fakeTenants) GetTenant(_ context.Context, id string) (model.TenantSettings, error) {
	if id != "t1" {
		return model.TenantSettings{}, storage.ErrTenantNotFound
	}
	return model.TenantSettings{ID: id, Timezone: "Europe/Zurich"}, nil
}

func newPublic(slots *fakeSlots, holds *fakeHolds, checker *fakeChecker, now time.Time) *PublicHandler {
	extractor, _ := model.NewPostalCodeExtractor("")
	h := NewPublicHandler(slots, holds, checker, fakeTenants{}, extractor, testLogger())
	h.now = func() time.Time { return now }
	return h
}

func decodeBody(t *testing.T, rw *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rw.Body.String(), err)
	}
	return body
}

func TestReserveMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		extend bool
		status int
		code   string
	}{
		{"held elsewhere", storage.ErrSlotHeld, false, http.StatusConflict, "slot_no_longer_available"},
		{"withdrawn", storage.ErrSlotUnavailable, false, http.StatusConflict, "slot_no_longer_available"},
		{"missing", storage.ErrSlotNotFound, false, http.StatusNotFound, "slot_not_found"},
		{"bad id", reservation.ErrInvalidSlotID, false, http.StatusBadRequest, "invalid_slot_id"},
		{"bad session", reservation.ErrInvalidSession, false, http.StatusBadRequest, "invalid_session_id"},
		{"extend lost hold", storage.ErrReservationNotHeld, true, http.StatusConflict, "reservation_not_held"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newPublic(&fakeSlots{}, &fakeHolds{err: tc.err}, &fakeChecker{}, time.Now())
			body := `{"slot_id":"` + testSlotID + `","session_id":"sess-1"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/public/slots/reserve", strings.NewReader(body))
			rw := httptest.NewRecorder()
			if tc.extend {
				h.Extend(rw, req)
			} else {
				h.Reserve(rw, req)
			}
			if rw.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rw.Code)
			}
			if got := decodeBody(t, rw)["error"]; got != tc.code {
				t.Fatalf("expected error %q, got %v", tc.code, got)
			}
		})
	}
}

func TestReserveReturnsHold(t *testing.T) {
	until := time.Date(2026, 3, 2, 8, 10, 0, 0, time.UTC)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, zurich)
	holds := &fakeHolds{slot: model.Slot{
		ID: testSlotID, StaffID: "s1", LocationID: "l1", StartTime: start, EndTime: start.Add(45 * time.Minute),
		DurationMinutes: 45, IsAvailable: true, ReservedUntil: &until, ReservedBySession: "sess-1",
	}}
	h := newPublic(&fakeSlots{}, holds, &fakeChecker{}, time.Now())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/slots/reserve", strings.NewReader(`{"slot_id":"`+testSlotID+`","session_id":"sess-1"}`))
	rw := httptest.NewRecorder()
	h.Reserve(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	body := decodeBody(t, rw)
	if body["success"] != true || body["reserved_until"] != "2026-03-02T08:10:00Z" {
		t.Fatalf("unexpected body %v", body)
	}
	slot, ok := body["slot"].(map[string]any)
	if !ok || slot["slot_id"] != testSlotID {
		t.Fatalf("expected slot in body, got %v", body["slot"])
	}
}

func TestReserveRejectsWrongMethodAndBadJSON(t *testing.T) {
	h := newPublic(&fakeSlots{}, &fakeHolds{}, &fakeChecker{}, time.Now())

	rw := httptest.NewRecorder()
	h.Reserve(rw, httptest.NewRequest(http.MethodGet, "/api/v1/public/slots/reserve", nil))
	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rw.Code)
	}

	rw = httptest.NewRecorder()
	h.Reserve(rw, httptest.NewRequest(http.MethodPost, "/api/v1/public/slots/reserve", strings.NewReader(`{"slot":1}`)))
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestSlotsShowsOwnHoldOnly(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, zurich)
	until := now.Add(5 * time.Minute)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, zurich)
	slots := &fakeSlots{slots: []model.Slot{
		{ID: "a", StaffID: "s1", StartTime: start, EndTime: start.Add(45 * time.Minute), DurationMinutes: 45, IsAvailable: true},
		{ID: "b", StaffID: "s1", StartTime: start.Add(time.Hour), EndTime: start.Add(105 * time.Minute), DurationMinutes: 45, IsAvailable: true, ReservedUntil: &until, ReservedBySession: "mine"},
	}}
	h := newPublic(slots, &fakeHolds{}, &fakeChecker{}, now)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots?tenant_id=t1&staff_id=s1&from=2026-03-01&to=2026-03-05&session_id=mine", nil)
	rw := httptest.NewRecorder()
	h.Slots(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}

	if !slots.got.From.Equal(now) {
		t.Fatalf("expected from clamped to now, got %s", slots.got.From)
	}
	if want := time.Date(2026, 3, 5, 0, 0, 0, 0, zurich); !slots.got.To.Equal(want) {
		t.Fatalf("expected to %s, got %s", want, slots.got.To)
	}
	if slots.got.SessionID != "mine" || slots.got.StaffID != "s1" {
		t.Fatalf("unexpected query %+v", slots.got)
	}

	var resp listSlotsResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(resp.Slots))
	}
	if resp.Slots[0].ReservedUntil != "" || resp.Slots[1].ReservedUntil == "" {
		t.Fatalf("expected reserved_until only on own hold, got %+v", resp.Slots)
	}
	if resp.Slots[0].StartTime != "2026-03-02T09:00:00+01:00" {
		t.Fatalf("expected tenant-local start, got %s", resp.Slots[0].StartTime)
	}
}

func TestSlotsValidatesQuery(t *testing.T) {
	h := newPublic(&fakeSlots{}, &fakeHolds{}, &fakeChecker{}, time.Now())
	cases := []struct {
		target string
		status int
	}{
		{"/api/v1/public/slots", http.StatusBadRequest},
		{"/api/v1/public/slots?tenant_id=nope", http.StatusNotFound},
		{"/api/v1/public/slots?tenant_id=t1&from=tomorrow", http.StatusBadRequest},
		{"/api/v1/public/slots?tenant_id=t1&from=2026-03-05&to=2026-03-01", http.StatusBadRequest},
		{"/api/v1/public/slots?tenant_id=t1&from=2026-03-01&to=2026-06-01", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rw := httptest.NewRecorder()
		h.Slots(rw, httptest.NewRequest(http.MethodGet, tc.target, nil))
		if rw.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.target, tc.status, rw.Code)
		}
	}
}

func TestConflictsResolvesAddressAndReportsEarliestStart(t *testing.T) {
	travel := 20
	arrival := time.Date(2026, 3, 2, 9, 5, 0, 0, zurich)
	start := arrival.Add(5 * time.Minute)
	checker := &fakeChecker{res: conflict.Result{
		Conflict: true, Reason: conflict.ReasonTravelTime, AppointmentID: "a1", StaffID: "s1",
		LocationPostal: "8610", TravelTimeMinutes: &travel, EarliestArrival: &arrival, EarliestStart: &start,
	}}
	h := newPublic(&fakeSlots{}, &fakeHolds{}, checker, time.Now())

	body := `{
		"tenant_id": "t1",
		"customer_id": "c1",
		"proposed_start": "2026-03-02T09:00:00+01:00",
		"proposed_end": "2026-03-02T09:45:00+01:00",
		"from_location": {"location_id": "l1", "postal_code": "8610"},
		"to_location": {"address": "Bahnhofstrasse 1, 8048 Zürich"}
	}`
	rw := httptest.NewRecorder()
	h.CheckConflicts(rw, httptest.NewRequest(http.MethodPost, "/api/v1/public/conflicts", strings.NewReader(body)))
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if checker.got.FromPostalCode != "8610" || checker.got.ToPostalCode != "8048" {
		t.Fatalf("expected postal codes resolved, got %+v", checker.got)
	}
	if checker.got.Loc == nil || checker.got.Loc.String() != "Europe/Zurich" {
		t.Fatalf("expected tenant location, got %v", checker.got.Loc)
	}

	resp := decodeBody(t, rw)
	if resp["reason"] != "travel_time" || resp["travel_time_minutes"] != float64(20) {
		t.Fatalf("unexpected response %v", resp)
	}
	if resp["earliest_arrival"] != "2026-03-02T09:05:00+01:00" || resp["earliest_start"] != "2026-03-02T09:10:00+01:00" {
		t.Fatalf("unexpected earliest times %v / %v", resp["earliest_arrival"], resp["earliest_start"])
	}
}

func TestConflictsRequiresIdentifiers(t *testing.T) {
	h := newPublic(&fakeSlots{}, &fakeHolds{}, &fakeChecker{}, time.Now())
	rw := httptest.NewRecorder()
	h.CheckConflicts(rw, httptest.NewRequest(http.MethodPost, "/api/v1/public/conflicts", strings.NewReader(`{"tenant_id":"t1"}`)))
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

type fakeBatch struct {
	mu       sync.Mutex
	done     chan struct{}
	tenantID string
	weekday  *time.Weekday
}

func (f *fakeBatch) RecalculateAvailability(_ context.Context, runID, tenantID, _ string, _ int) (generator.RunSummary, error) {
	f.mu.Lock()
	f.tenantID = tenantID
	f.mu.Unlock()
	defer close(f.done)
	return generator.RunSummary{RunID: runID, Tenants: 1, Result: generator.Result{Staff: 2, Upserted: 12, Inserted: 5, Superseded: 3}}, nil
}

func (f *fakeBatch) OnWorkingHoursChanged(_ context.Context, _, _ string, weekday *time.Weekday, _ int) (int64, generator.Result, error) {
	f.mu.Lock()
	f.weekday = weekday
	f.mu.Unlock()
	defer close(f.done)
	return 3, generator.Result{}, nil
}

type fakeReleaser struct {
	scope  storage.ReleaseScope
	reason string
}

func (f *fakeReleaser) Release(_ context.Context, scope storage.ReleaseScope, reason string) (int64, error) {
	f.scope, f.reason = scope, reason
	return 4, nil
}

func protected(h http.HandlerFunc) http.Handler {
	return auth.RequireBatchCredential("s3cret")(h)
}

func TestInternalEndpointsRequireSecret(t *testing.T) {
	batch := &fakeBatch{done: make(chan struct{})}
	h := NewInternalHandler(context.Background(), batch, &fakeReleaser{}, testLogger())

	rw := httptest.NewRecorder()
	protected(h.Recalculate).ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/api/v1/internal/availability/recalculate", nil))
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/availability/recalculate", strings.NewReader(`{"tenant_id":"t1"}`))
	req.Header.Set(auth.SecretHeader, "s3cret")
	rw = httptest.NewRecorder()
	protected(h.Recalculate).ServeHTTP(rw, req)
	if rw.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rw.Code)
	}
	if id, _ := decodeBody(t, rw)["run_id"].(string); id == "" {
		t.Fatalf("expected run_id")
	}

	select {
	case <-batch.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("batch run never started")
	}
	batch.mu.Lock()
	defer batch.mu.Unlock()
	if batch.tenantID != "t1" {
		t.Fatalf("expected tenant t1, got %q", batch.tenantID)
	}
}

func TestRecalculateWaitReturnsSummary(t *testing.T) {
	batch := &fakeBatch{done: make(chan struct{})}
	h := NewInternalHandler(context.Background(), batch, &fakeReleaser{}, testLogger())

	rw := httptest.NewRecorder()
	h.Recalculate(rw, httptest.NewRequest(http.MethodPost, "/api/v1/internal/availability/recalculate", bytes.NewReader([]byte(`{"wait":true}`))))
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var resp runSummaryResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Tenants != 1 || resp.Staff != 2 || resp.Upserted != 12 || resp.Inserted != 5 || resp.Superseded != 3 || resp.RunID == "" {
		t.Fatalf("unexpected summary %+v", resp)
	}
	if h.running.Load() {
		t.Fatalf("expected run flag cleared")
	}
}

func TestReleaseParsesScope(t *testing.T) {
	rel := &fakeReleaser{}
	h := NewInternalHandler(context.Background(), &fakeBatch{}, rel, testLogger())

	body := `{"tenant_id":"t1","staff_id":"s1","from":"2026-03-02T00:00:00+01:00","to":"2026-03-03T00:00:00+01:00","mark_unavailable":true}`
	rw := httptest.NewRecorder()
	h.Release(rw, httptest.NewRequest(http.MethodPost, "/api/v1/internal/availability/release", strings.NewReader(body)))
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if decodeBody(t, rw)["released"] != float64(4) {
		t.Fatalf("unexpected body %s", rw.Body.String())
	}
	if !rel.scope.MarkUnavailable || rel.scope.StaffID != "s1" || rel.reason != "manual" {
		t.Fatalf("unexpected scope %+v reason %q", rel.scope, rel.reason)
	}

	rw = httptest.NewRecorder()
	h.Release(rw, httptest.NewRequest(http.MethodPost, "/api/v1/internal/availability/release", strings.NewReader(`{"tenant_id":"t1","from":"2026-03-03T00:00:00Z","to":"2026-03-02T00:00:00Z"}`)))
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", rw.Code)
	}
}

func TestWorkingHoursChangedPassesWeekday(t *testing.T) {
	batch := &fakeBatch{done: make(chan struct{})}
	h := NewInternalHandler(context.Background(), batch, &fakeReleaser{}, testLogger())

	rw := httptest.NewRecorder()
	h.WorkingHoursChanged(rw, httptest.NewRequest(http.MethodPost, "/api/v1/internal/working-hours/changed", strings.NewReader(`{"tenant_id":"t1","staff_id":"s1","weekday":1}`)))
	if rw.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rw.Code)
	}
	select {
	case <-batch.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("regeneration never started")
	}
	batch.mu.Lock()
	defer batch.mu.Unlock()
	if batch.weekday == nil || *batch.weekday != time.Monday {
		t.Fatalf("expected Monday, got %v", batch.weekday)
	}

	rw = httptest.NewRecorder()
	h.WorkingHoursChanged(rw, httptest.NewRequest(http.MethodPost, "/api/v1/internal/working-hours/changed", strings.NewReader(`{"tenant_id":"t1","staff_id":"s1","weekday":9}`)))
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}
