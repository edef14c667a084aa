package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
)

const appointmentColumns = `a.id::text, a.tenant_id::text, a.staff_id::text, a.user_id::text,
	COALESCE(a.location_id::text, ''), COALESCE(l.postal_code, ''), COALESCE(a.custom_address, ''),
	a.start_time, a.end_time, a.status`

// AppointmentRepository is the read side of the booking subsystem's appointments.
type AppointmentRepository struct {
	db db.Querier
}

func NewAppointmentRepository(q db.Querier) *AppointmentRepository {
	return &AppointmentRepository{db: q}
}

// ListForStaff returns non-cancelled appointments of the staff member intersecting [from, to).
func (r *AppointmentRepository) ListForStaff(ctx context.Context, tenantID, staffID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		LEFT JOIN locations l ON l.id = a.location_id
		WHERE a.tenant_id::text = $1
			AND a.staff_id::text = $2
			AND a.status <> 'cancelled'
			AND a.start_time < $4
			AND a.end_time > $3
		ORDER BY a.start_time ASC
	`, tenantID, staffID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// ListForCustomer returns the customer's non-cancelled appointments intersecting [from, to)
// across every staff member of the tenant.
func (r *AppointmentRepository) ListForCustomer(ctx context.Context, tenantID, customerID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		LEFT JOIN locations l ON l.id = a.location_id
		WHERE a.tenant_id::text = $1
			AND a.user_id::text = $2
			AND a.status <> 'cancelled'
			AND a.start_time < $4
			AND a.end_time > $3
		ORDER BY a.start_time ASC
	`, tenantID, customerID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		var a model.Appointment
		var locationID, postalCode, customAddress, status string
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.StaffID,
			&a.UserID,
			&locationID,
			&postalCode,
			&customAddress,
			&a.StartTime,
			&a.EndTime,
			&status,
		); err != nil {
			return nil, err
		}
		a.Status = model.AppointmentStatus(status)
		switch {
		case locationID != "":
			a.Location = model.LocationRef{ID: locationID, PostalCode: postalCode}
		case customAddress != "":
			a.Location = model.CustomAddress{Text: customAddress}
		}
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}
