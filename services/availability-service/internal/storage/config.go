package storage

import (
	"context"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
)

// ConfigRepository reads tenant and staff configuration. The core never writes it.
type ConfigRepository struct {
	db db.Querier
}

func NewConfigRepository(q db.Querier) *ConfigRepository {
	return &ConfigRepository{db: q}
}

func (r *ConfigRepository) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id::text FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ConfigRepository) GetTenant(ctx context.Context, tenantID string) (model.TenantSettings, error) {
	var t model.TenantSettings
	err := r.db.QueryRow(ctx, `
		SELECT id::text, name, timezone, buffer_before_minutes, buffer_after_minutes,
			travel_margin_minutes, horizon_days
		FROM tenants
		WHERE id::text = $1
	`, tenantID).Scan(&t.ID, &t.Name, &t.Timezone, &t.BufferBeforeMinutes, &t.BufferAfterMinutes,
		&t.TravelMarginMinutes, &t.HorizonDays)
	if IsNotFound(err) {
		return model.TenantSettings{}, ErrTenantNotFound
	}
	return t, err
}

// ListStaff returns active staff of the tenant, optionally narrowed to one member, with
// their categories and served locations.
func (r *ConfigRepository) ListStaff(ctx context.Context, tenantID, staffID string) ([]model.StaffProfile, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.id::text, s.tenant_id::text, s.display_name, s.is_active, s.base_postal_code,
			s.pickup_radius_km, s.slot_duration_minutes, s.slot_step_minutes,
			ARRAY(SELECT c.category_code FROM staff_categories c WHERE c.staff_id = s.id ORDER BY c.category_code)
		FROM staff s
		WHERE s.tenant_id::text = $1
			AND s.is_active
			AND ($2 = '' OR s.id::text = $2)
		ORDER BY s.id
	`, tenantID, staffID)
	if err != nil {
		return nil, err
	}
	var staff []model.StaffProfile
	for rows.Next() {
		var p model.StaffProfile
		var radius *float64
		if err := rows.Scan(&p.ID, &p.TenantID, &p.DisplayName, &p.IsActive, &p.BasePostalCode,
			&radius, &p.SlotDurationMinutes, &p.SlotStepMinutes, &p.Categories); err != nil {
			rows.Close()
			return nil, err
		}
		p.PickupRadiusKM = radius
		staff = append(staff, p)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	for i := range staff {
		locs, err := r.ListStaffLocations(ctx, staff[i].ID)
		if err != nil {
			return nil, err
		}
		staff[i].Locations = locs
	}
	return staff, nil
}

func (r *ConfigRepository) ListStaffLocations(ctx context.Context, staffID string) ([]model.LocationRef, error) {
	rows, err := r.db.Query(ctx, `
		SELECT l.id::text, l.postal_code
		FROM staff_locations sl
		JOIN locations l ON l.id = sl.location_id
		WHERE sl.staff_id::text = $1
		ORDER BY l.id
	`, staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locs []model.LocationRef
	for rows.Next() {
		var l model.LocationRef
		if err := rows.Scan(&l.ID, &l.PostalCode); err != nil {
			return nil, err
		}
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

func (r *ConfigRepository) ListWorkingHours(ctx context.Context, tenantID, staffID string) ([]model.WorkingHourRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, staff_id::text, day_of_week, start_minute, end_minute, is_active
		FROM working_hours
		WHERE tenant_id::text = $1 AND staff_id::text = $2
		ORDER BY day_of_week, start_minute
	`, tenantID, staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.WorkingHourRule
	for rows.Next() {
		var w model.WorkingHourRule
		if err := rows.Scan(&w.ID, &w.StaffID, &w.DayOfWeek, &w.StartMinute, &w.EndMinute, &w.IsActive); err != nil {
			return nil, err
		}
		rules = append(rules, w)
	}
	return rules, rows.Err()
}

// PeakWindow returns the staff member's window, else the tenant default. ok is false when
// neither is configured.
func (r *ConfigRepository) PeakWindow(ctx context.Context, tenantID, staffID string) (model.PeakTimeWindow, bool, error) {
	var w model.PeakTimeWindow
	err := r.db.QueryRow(ctx, `
		SELECT morning_start_minute, morning_end_minute, evening_start_minute, evening_end_minute
		FROM peak_time_windows
		WHERE tenant_id::text = $1
			AND (staff_id IS NULL OR staff_id::text = $2)
		ORDER BY staff_id NULLS LAST
		LIMIT 1
	`, tenantID, staffID).Scan(&w.MorningStart, &w.MorningEnd, &w.EveningStart, &w.EveningEnd)
	if IsNotFound(err) {
		return model.PeakTimeWindow{}, false, nil
	}
	if err != nil {
		return model.PeakTimeWindow{}, false, err
	}
	return w, true, nil
}

// CategoryDurations maps category code to slot minutes for the tenant.
func (r *ConfigRepository) CategoryDurations(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT category_code, duration_minutes
		FROM category_durations
		WHERE tenant_id::text = $1
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var code string
		var minutes int
		if err := rows.Scan(&code, &minutes); err != nil {
			return nil, err
		}
		out[code] = minutes
	}
	return out, rows.Err()
}

