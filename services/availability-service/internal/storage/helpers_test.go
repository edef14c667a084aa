package storage

import (
	"time"

	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
)

func slotFixture(start time.Time) model.Slot {
	return model.Slot{
		TenantID:        "t1",
		StaffID:         "s1",
		LocationID:      "l1",
		StartTime:       start,
		EndTime:         start.Add(45 * time.Minute),
		DurationMinutes: 45,
	}
}
