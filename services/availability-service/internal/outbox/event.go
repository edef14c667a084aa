package outbox

import (
	"encoding/json"
	"time"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	EventSlotReserved          = "slot.reserved.v1"
	EventSlotExtended          = "slot.reservation_extended.v1"
	EventSlotsReleased         = "slot.released.v1"
	EventAvailabilityRecalc    = "availability.recalculated.v1"
	AggregateSlot              = "availability_slot"
	AggregateStaffAvailability = "staff_availability"
	AggregateTenant            = "tenant"
)

// SlotHeld is the payload of reserve and extend events.
type SlotHeld struct {
	SlotID        string    `json:"slot_id"`
	TenantID      string    `json:"tenant_id"`
	StaffID       string    `json:"staff_id"`
	SessionID     string    `json:"session_id"`
	StartTime     time.Time `json:"start_time"`
	ReservedUntil time.Time `json:"reserved_until"`
}

type SlotsReleased struct {
	TenantID string    `json:"tenant_id,omitempty"`
	StaffID  string    `json:"staff_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Released int64     `json:"released"`
	Reason   string    `json:"reason,omitempty"`
}

type AvailabilityRecalculated struct {
	RunID      string    `json:"run_id"`
	TenantID   string    `json:"tenant_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Staff      int       `json:"staff"`
	Upserted   int       `json:"upserted"`
	Superseded int64     `json:"superseded"`
	Failures   int       `json:"failures"`
}

// NewEvent marshals payload into an Event.
func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
