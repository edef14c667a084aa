package model

import "time"

type SlotState string

const (
	SlotOpen        SlotState = "open"
	SlotReserved    SlotState = "reserved"
	SlotUnavailable SlotState = "unavailable"
)

type Slot struct {
	ID                string
	TenantID          string
	StaffID           string
	LocationID        string
	StartTime         time.Time
	EndTime           time.Time
	DurationMinutes   int
	IsAvailable       bool
	ReservedUntil     *time.Time
	ReservedBySession string
	UpdatedAt         time.Time
}

// State derives the reservation state at now. A hold whose reserved_until has passed is
// reported as open: expiry needs no cleanup to take effect.
func (s Slot) State(now time.Time) SlotState {
	if !s.IsAvailable {
		return SlotUnavailable
	}
	if s.ReservedUntil != nil && s.ReservedUntil.After(now) {
		return SlotReserved
	}
	return SlotOpen
}

// HeldBy reports whether sessionID owns an active hold at now.
func (s Slot) HeldBy(sessionID string, now time.Time) bool {
	return sessionID != "" && s.State(now) == SlotReserved && s.ReservedBySession == sessionID
}
