package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/storage"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/traveltime"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/workinghours"
)

var zurich = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		panic(err)
	}
	return loc
}()

// Sunday noon; the next day is Monday 2026-03-02.
var sunday = time.Date(2026, 3, 1, 12, 0, 0, 0, zurich)

func monday(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, zurich)
}

type fakeConfig struct {
	tenants   map[string]model.TenantSettings
	staff     map[string][]model.StaffProfile
	durations map[string]int
}

func (f *fakeConfig) ListTenantIDs(context.Context) ([]string, error) {
	var ids []string
	for id := range f.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeConfig) GetTenant(_ context.Context, id string) (model.TenantSettings, error) {
	t, ok := f.tenants[id]
	if !ok {
		return model.TenantSettings{}, storage.ErrTenantNotFound
	}
	return t, nil
}

func (f *fakeConfig) ListStaff(_ context.Context, tenantID, staffID string) ([]model.StaffProfile, error) {
	var out []model.StaffProfile
	for _, s := range f.staff[tenantID] {
		if staffID == "" || s.ID == staffID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeConfig) PeakWindow(context.Context, string, string) (model.PeakTimeWindow, bool, error) {
	return model.PeakTimeWindow{}, false, nil
}

func (f *fakeConfig) CategoryDurations(context.Context, string) (map[string]int, error) {
	return f.durations, nil
}

type ruleStore struct {
	mu    sync.Mutex
	rules map[string][]model.WorkingHourRule
}

func (r *ruleStore) ListWorkingHours(_ context.Context, _, staffID string) ([]model.WorkingHourRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.WorkingHourRule(nil), r.rules[staffID]...), nil
}

type fakeAppointments struct {
	byStaff map[string][]model.Appointment
	fail    map[string]error
}

func (f *fakeAppointments) ListForStaff(_ context.Context, _, staffID string, _, _ time.Time) ([]model.Appointment, error) {
	if err := f.fail[staffID]; err != nil {
		return nil, err
	}
	return f.byStaff[staffID], nil
}

// memSlots mirrors the upsert and supersede statements of the slot repository.
type memSlots struct {
	mu    sync.Mutex
	seq   int
	byKey map[string]*model.Slot
}

func newMemSlots() *memSlots {
	return &memSlots{byKey: map[string]*model.Slot{}}
}

func slotKey(staffID, locationID string, start time.Time) string {
	return staffID + "|" + locationID + "|" + start.UTC().Format(time.RFC3339)
}

func (m *memSlots) UpsertSlot(_ context.Context, _ db.Querier, s model.Slot, now time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := slotKey(s.StaffID, s.LocationID, s.StartTime)
	if cur, ok := m.byKey[k]; ok {
		cur.EndTime = s.EndTime
		cur.DurationMinutes = s.DurationMinutes
		cur.IsAvailable = true
		return cur.ID, false, nil
	}
	m.seq++
	s.ID = fmt.Sprintf("slot-%d", m.seq)
	s.IsAvailable = true
	s.UpdatedAt = now
	m.byKey[k] = &s
	return s.ID, true, nil
}

func (m *memSlots) SupersedeExcept(_ context.Context, _ db.Querier, staffID string, from, to time.Time, keep []string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := map[string]bool{}
	for _, id := range keep {
		kept[id] = true
	}
	var n int64
	for _, s := range m.byKey {
		if s.StaffID != staffID || s.StartTime.Before(from) || !s.StartTime.Before(to) || kept[s.ID] {
			continue
		}
		if s.IsAvailable || s.ReservedUntil != nil {
			s.IsAvailable = false
			s.ReservedUntil = nil
			s.ReservedBySession = ""
			n++
		}
	}
	return n, nil
}

func (m *memSlots) Release(_ context.Context, scope storage.ReleaseScope, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.byKey {
		if s.StaffID == scope.StaffID && !s.StartTime.Before(scope.From) && s.StartTime.Before(scope.To) && s.ReservedUntil != nil {
			s.ReservedUntil = nil
			s.ReservedBySession = ""
			n++
		}
	}
	return n, nil
}

func (m *memSlots) snapshot() []model.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Slot, 0, len(m.byKey))
	for _, s := range m.byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].LocationID < out[j].LocationID
	})
	return out
}

func (m *memSlots) available() []model.Slot {
	var out []model.Slot
	for _, s := range m.snapshot() {
		if s.IsAvailable {
			out = append(out, s)
		}
	}
	return out
}

type fakeTx struct{}

func (fakeTx) InTx(_ context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

type tableTravel struct {
	minutes  map[string]int
	distance map[string]float64
}

func (t tableTravel) TravelTime(_ context.Context, req traveltime.Request) traveltime.Estimate {
	if req.From != "" && req.From == req.To {
		return traveltime.Estimate{Known: true, Source: traveltime.SourceSamePostalCode}
	}
	a, b := model.OrderedPair(req.From, req.To)
	m, ok := t.minutes[a+"|"+b]
	if !ok {
		return traveltime.Estimate{Source: traveltime.SourceUnknown}
	}
	return traveltime.Estimate{Minutes: m, DistanceKM: t.distance[a+"|"+b], Known: true, Source: traveltime.SourceCache}
}

type memEvents struct {
	events []outbox.Event
}

func (e *memEvents) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	e.events = append(e.events, evt)
	return nil
}

type fixture struct {
	config *fakeConfig
	rules  *ruleStore
	appts  *fakeAppointments
	slots  *memSlots
	travel tableTravel
}

func newFixture() *fixture {
	return &fixture{
		config: &fakeConfig{
			tenants: map[string]model.TenantSettings{
				"t1": {ID: "t1", Timezone: "Europe/Zurich", TravelMarginMinutes: 5},
			},
			staff: map[string][]model.StaffProfile{
				"t1": {{
					ID: "s1", TenantID: "t1", IsActive: true, BasePostalCode: "8610",
					Locations: []model.LocationRef{{ID: "l-uster", PostalCode: "8610"}},
				}},
			},
		},
		rules: &ruleStore{rules: map[string][]model.WorkingHourRule{
			"s1": {{ID: "r1", StaffID: "s1", DayOfWeek: int(time.Monday), StartMinute: 8 * 60, EndMinute: 10 * 60, IsActive: true}},
		}},
		appts:  &fakeAppointments{byStaff: map[string][]model.Appointment{}, fail: map[string]error{}},
		slots:  newMemSlots(),
		travel: tableTravel{minutes: map[string]int{"8048|8610": 20}, distance: map[string]float64{"8048|8610": 15.4}},
	}
}

func (f *fixture) generator() *Generator {
	return New(fakeTx{}, f.config, workinghours.NewResolver(f.rules, f.config), f.appts, f.slots, f.travel,
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil,
		Config{Workers: 2, DefaultDurationMinutes: 45, DefaultStepMinutes: 15, Now: func() time.Time { return sunday }})
}

func startsOf(slots []model.Slot) []string {
	var out []string
	for _, s := range slots {
		out = append(out, s.StartTime.In(zurich).Format("15:04")+"@"+s.LocationID)
	}
	return out
}

func TestGenerateCarvesWorkingHours(t *testing.T) {
	f := newFixture()
	res, err := f.generator().Generate(context.Background(), "t1", "", monday(0, 0), monday(0, 0).AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	got := startsOf(f.slots.available())
	want := []string{"08:00@l-uster", "08:15@l-uster", "08:30@l-uster", "08:45@l-uster", "09:00@l-uster", "09:15@l-uster"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if res.Written() != 6 || res.Inserted != 6 || res.Failures != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGenerateIsIdempotentAndKeepsReservations(t *testing.T) {
	f := newFixture()
	g := f.generator()
	from, to := monday(0, 0), monday(0, 0).AddDate(0, 0, 1)

	if _, err := g.Generate(context.Background(), "t1", "", from, to); err != nil {
		t.Fatalf("generate: %v", err)
	}
	held := sunday.Add(10 * time.Minute)
	f.slots.mu.Lock()
	for _, s := range f.slots.byKey {
		if s.StartTime.Equal(monday(8, 30)) {
			s.ReservedUntil = &held
			s.ReservedBySession = "sess"
		}
	}
	f.slots.mu.Unlock()
	before := f.slots.snapshot()

	res, err := g.Generate(context.Background(), "t1", "", from, to)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	after := f.slots.snapshot()
	if len(after) != len(before) || res.Inserted != 0 || res.Superseded != 0 {
		t.Fatalf("expected no changes, got %d -> %d slots, result %+v", len(before), len(after), res)
	}
	for i := range after {
		if after[i].ID != before[i].ID || after[i].ReservedBySession != before[i].ReservedBySession {
			t.Fatalf("slot %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestAppointmentsAndBuffersAreSubtracted(t *testing.T) {
	f := newFixture()
	f.config.tenants["t1"] = model.TenantSettings{ID: "t1", Timezone: "Europe/Zurich", BufferAfterMinutes: 15, TravelMarginMinutes: 5}
	f.appts.byStaff["s1"] = []model.Appointment{{
		ID: "a1", StaffID: "s1", Location: model.LocationRef{ID: "l-uster", PostalCode: "8610"},
		StartTime: monday(8, 0), EndTime: monday(8, 45), Status: model.AppointmentConfirmed,
	}}

	if _, err := f.generator().Generate(context.Background(), "t1", "", monday(0, 0), monday(0, 0).AddDate(0, 0, 1)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	got := startsOf(f.slots.available())
	want := []string{"09:00@l-uster", "09:15@l-uster"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTravelToNextAppointmentDiscardsTightSlots(t *testing.T) {
	f := newFixture()
	f.appts.byStaff["s1"] = []model.Appointment{{
		ID: "a1", StaffID: "s1", Location: model.LocationRef{ID: "l-zh", PostalCode: "8048"},
		StartTime: monday(10, 0), EndTime: monday(10, 45), Status: model.AppointmentPending,
	}}

	res, err := f.generator().Generate(context.Background(), "t1", "", monday(0, 0), monday(0, 0).AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// 20 minutes travel + 5 margin: a slot must end by 09:35.
	got := startsOf(f.slots.available())
	want := []string{"08:00@l-uster", "08:15@l-uster", "08:30@l-uster", "08:45@l-uster"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if res.Discarded != 2 {
		t.Fatalf("expected 2 discarded candidates, got %d", res.Discarded)
	}
}

func TestUnknownTravelDiscardsCandidates(t *testing.T) {
	f := newFixture()
	f.appts.byStaff["s1"] = []model.Appointment{{
		ID: "a1", StaffID: "s1", Location: model.CustomAddress{Text: "somewhere without a postal code"},
		StartTime: monday(7, 0), EndTime: monday(7, 45), Status: model.AppointmentConfirmed,
	}}

	if _, err := f.generator().Generate(context.Background(), "t1", "", monday(0, 0), monday(0, 0).AddDate(0, 0, 1)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := f.slots.available(); len(got) != 0 {
		t.Fatalf("expected every candidate within reach of the unknown location to be dropped, got %v", startsOf(got))
	}
}

func TestPickupRadiusLimitsLocations(t *testing.T) {
	f := newFixture()
	radius := 10.0
	f.config.staff["t1"][0].PickupRadiusKM = &radius
	f.config.staff["t1"][0].Locations = append(f.config.staff["t1"][0].Locations,
		model.LocationRef{ID: "l-zh", PostalCode: "8048"},
		model.LocationRef{ID: "l-bern", PostalCode: "3000"},
	)

	if _, err := f.generator().Generate(context.Background(), "t1", "", monday(0, 0), monday(0, 0).AddDate(0, 0, 1)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, s := range f.slots.available() {
		if s.LocationID != "l-uster" {
			t.Fatalf("expected only the base location to be served, got slot at %s", s.LocationID)
		}
	}
}

func TestStaffFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture()
	f.config.staff["t1"] = append(f.config.staff["t1"], model.StaffProfile{
		ID: "s2", TenantID: "t1", IsActive: true, Locations: []model.LocationRef{{ID: "l-zh", PostalCode: "8048"}},
	})
	f.rules.rules["s2"] = f.rules.rules["s1"]
	f.appts.fail["s2"] = errors.New("connection reset")

	res, err := f.generator().Generate(context.Background(), "t1", "", monday(0, 0), monday(0, 0).AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Failures != 1 || res.Staff != 2 || res.Written() != 6 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCategoryDurationUsedWithoutStaffOverride(t *testing.T) {
	f := newFixture()
	f.config.durations = map[string]int{"B": 60}
	f.config.staff["t1"][0].Categories = []string{"B"}
	f.config.staff["t1"][0].SlotStepMinutes = 60

	if _, err := f.generator().Generate(context.Background(), "t1", "", monday(0, 0), monday(0, 0).AddDate(0, 0, 1)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	got := f.slots.available()
	if len(got) != 2 || got[0].DurationMinutes != 60 {
		t.Fatalf("expected two 60 minute slots, got %v", startsOf(got))
	}
}

func TestDeactivatedRuleReleasesAndWithdrawsSlots(t *testing.T) {
	f := newFixture()
	g := f.generator()
	events := &memEvents{}
	batch := NewBatch(g, f.config, f.slots, fakeTx{}, events, slog.New(slog.NewTextHandler(io.Discard, nil)), BatchConfig{HorizonDays: 7})

	summary, err := batch.RecalculateAvailability(context.Background(), "", "t1", "", 0)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if summary.Result.Written() != 6 || len(events.events) != 1 || events.events[0].EventType != outbox.EventAvailabilityRecalc {
		t.Fatalf("unexpected summary %+v events %+v", summary, events.events)
	}

	held := sunday.Add(10 * time.Minute)
	f.slots.mu.Lock()
	for _, s := range f.slots.byKey {
		s.ReservedUntil = &held
		s.ReservedBySession = "sess"
		break
	}
	f.slots.mu.Unlock()

	f.rules.mu.Lock()
	f.rules.rules["s1"][0].IsActive = false
	f.rules.mu.Unlock()

	monday := time.Monday
	released, res, err := batch.OnWorkingHoursChanged(context.Background(), "t1", "s1", &monday, 0)
	if err != nil {
		t.Fatalf("working hours changed: %v", err)
	}
	if released != 1 || res.Superseded != 6 {
		t.Fatalf("expected 1 release and 6 superseded, got %d and %+v", released, res)
	}
	for _, s := range f.slots.snapshot() {
		if s.IsAvailable || s.ReservedUntil != nil || s.ReservedBySession != "" {
			t.Fatalf("expected slot withdrawn and reservation-free, got %+v", s)
		}
	}
}

func TestRecalculateSkipsFailingTenant(t *testing.T) {
	f := newFixture()
	f.config.tenants["t0"] = model.TenantSettings{ID: "t0", Timezone: "Nowhere/Invalid"}
	batch := NewBatch(f.generator(), f.config, f.slots, fakeTx{}, &memEvents{}, slog.New(slog.NewTextHandler(io.Discard, nil)), BatchConfig{HorizonDays: 3})

	summary, err := batch.RecalculateAvailability(context.Background(), "run-1", "", "", 0)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if summary.RunID != "run-1" || summary.Tenants != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(f.slots.available()) != 6 {
		t.Fatalf("expected the healthy tenant to be generated, got %d slots", len(f.slots.available()))
	}
}

func TestRegenerateDayWithdrawsSlotsCoveredByNewAppointment(t *testing.T) {
	f := newFixture()
	batch := NewBatch(f.generator(), f.config, f.slots, fakeTx{}, &memEvents{}, slog.New(slog.NewTextHandler(io.Discard, nil)), BatchConfig{HorizonDays: 7})
	if _, err := batch.RecalculateAvailability(context.Background(), "", "t1", "", 0); err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	f.appts.byStaff["s1"] = []model.Appointment{{
		ID: "a1", StaffID: "s1", Location: model.LocationRef{ID: "l-uster", PostalCode: "8610"},
		StartTime: monday(8, 0), EndTime: monday(8, 45), Status: model.AppointmentConfirmed,
	}}
	res, err := batch.RegenerateDay(context.Background(), "t1", "s1", monday(8, 0))
	if err != nil {
		t.Fatalf("regenerate day: %v", err)
	}
	if res.Superseded != 3 {
		t.Fatalf("expected 3 superseded, got %+v", res)
	}
	got := startsOf(f.slots.available())
	want := []string{"08:45@l-uster", "09:00@l-uster", "09:15@l-uster"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	res, err = batch.RegenerateDay(context.Background(), "t1", "s1", sunday.AddDate(0, 0, -3))
	if err != nil || res.Dates != 0 {
		t.Fatalf("expected past day to be skipped, got %+v, %v", res, err)
	}
}
