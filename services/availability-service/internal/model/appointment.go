package model

import "time"

type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

type Appointment struct {
	ID        string
	TenantID  string
	StaffID   string
	UserID    string
	Location  Location
	StartTime time.Time
	EndTime   time.Time
	Status    AppointmentStatus
}

// Blocking reports whether the appointment occupies its staff member's and customer's time.
func (a Appointment) Blocking() bool {
	return a.Status != AppointmentCancelled
}
