package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/kafkax"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/generator"
	"github.com/segmentio/kafka-go"
)

const (
	EventWorkingHoursChanged = "staff.working_hours.changed.v1"
	EventAppointmentChanged  = "appointment.changed.v1"
)

// DefaultTopics are consumed when KAFKA_CONSUME_TOPICS is not set.
var DefaultTopics = []string{EventWorkingHoursChanged, EventAppointmentChanged}

type Regenerator interface {
	OnWorkingHoursChanged(ctx context.Context, tenantID, staffID string, weekday *time.Weekday, horizonDays int) (int64, generator.Result, error)
	RegenerateDay(ctx context.Context, tenantID, staffID string, at time.Time) (generator.Result, error)
}

// WorkingHoursChanged is published by the configuration owner after a staff schedule edit.
type WorkingHoursChanged struct {
	TenantID string `json:"tenant_id"`
	StaffID  string `json:"staff_id"`
	// Weekday is 0 (Sunday) through 6; nil means the whole week.
	Weekday *int `json:"weekday,omitempty"`
}

// AppointmentChanged is published when an appointment is booked, moved or cancelled.
type AppointmentChanged struct {
	TenantID          string     `json:"tenant_id"`
	StaffID           string     `json:"staff_id"`
	AppointmentID     string     `json:"appointment_id"`
	StartTime         time.Time  `json:"start_time"`
	PreviousStartTime *time.Time `json:"previous_start_time,omitempty"`
}

// NewDispatcher routes events by type to the regenerator. Malformed payloads are logged
// and dropped; retrying them cannot succeed.
func NewDispatcher(regen Regenerator, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		eventType := kafkax.ExtractEventMeta(msg).EventType
		switch eventType {
		case EventWorkingHoursChanged:
			var evt WorkingHoursChanged
			if err := decode(msg.Value, &evt, &evt.TenantID, &evt.StaffID); err != nil {
				logger.Error("invalid working hours event", "err", err)
				return nil
			}
			var weekday *time.Weekday
			if evt.Weekday != nil {
				if *evt.Weekday < 0 || *evt.Weekday > 6 {
					logger.Error("invalid working hours event", "weekday", *evt.Weekday)
					return nil
				}
				d := time.Weekday(*evt.Weekday)
				weekday = &d
			}
			released, res, err := regen.OnWorkingHoursChanged(ctx, evt.TenantID, evt.StaffID, weekday, 0)
			if err != nil {
				return fmt.Errorf("working hours changed %s/%s: %w", evt.TenantID, evt.StaffID, err)
			}
			logger.Info("working hours change applied", "tenant_id", evt.TenantID, "staff_id", evt.StaffID,
				"released", released, "upserted", res.Upserted, "superseded", res.Superseded)
			return nil

		case EventAppointmentChanged:
			var evt AppointmentChanged
			if err := decode(msg.Value, &evt, &evt.TenantID, &evt.StaffID); err != nil || evt.StartTime.IsZero() {
				logger.Error("invalid appointment event", "err", err)
				return nil
			}
			days := []time.Time{evt.StartTime}
			if evt.PreviousStartTime != nil && !evt.PreviousStartTime.Equal(evt.StartTime) {
				days = append(days, *evt.PreviousStartTime)
			}
			for _, at := range days {
				if _, err := regen.RegenerateDay(ctx, evt.TenantID, evt.StaffID, at); err != nil {
					return fmt.Errorf("appointment %s regenerate %s: %w", evt.AppointmentID, at.Format(time.DateOnly), err)
				}
			}
			return nil

		default:
			logger.Debug("event type not handled", "event_type", eventType)
			return nil
		}
	}
}

// decode unmarshals raw into v and trims the tenant and staff ids, which must be present.
func decode(raw []byte, v any, tenantID, staffID *string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	*tenantID = strings.TrimSpace(*tenantID)
	*staffID = strings.TrimSpace(*staffID)
	if *tenantID == "" || *staffID == "" {
		return errors.New("tenant_id and staff_id are required")
	}
	return nil
}
