package model

import (
	"fmt"
	"time"
)

// WorkingHourRule is a recurring weekly availability window. Minutes count from local
// midnight; DayOfWeek follows time.Weekday (0 = Sunday).
type WorkingHourRule struct {
	ID          string
	StaffID     string
	DayOfWeek   int
	StartMinute int
	EndMinute   int
	IsActive    bool
}

// PeakTimeWindow holds the morning and evening rush-hour windows in minutes after midnight.
type PeakTimeWindow struct {
	MorningStart int
	MorningEnd   int
	EveningStart int
	EveningEnd   int
}

// DefaultPeakWindow is used when neither the staff member nor the tenant configured one.
var DefaultPeakWindow = PeakTimeWindow{
	MorningStart: 7 * 60,
	MorningEnd:   9 * 60,
	EveningStart: 16*60 + 30,
	EveningEnd:   18*60 + 30,
}

// IsPeak reports whether t, read in its own location, falls in a rush-hour window.
// Weekends are always off-peak.
func (w PeakTimeWindow) IsPeak(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	m := t.Hour()*60 + t.Minute()
	return (m >= w.MorningStart && m < w.MorningEnd) || (m >= w.EveningStart && m < w.EveningEnd)
}

type TravelTimeEntry struct {
	FromPostalCode string
	ToPostalCode   string
	PeakMinutes    int
	OffpeakMinutes int
	DistanceKM     float64
	LastUpdated    time.Time
}

// Minutes picks the peak or off-peak figure.
func (e TravelTimeEntry) Minutes(peak bool) int {
	if peak {
		return e.PeakMinutes
	}
	return e.OffpeakMinutes
}

type StaffProfile struct {
	ID                  string
	TenantID            string
	DisplayName         string
	IsActive            bool
	BasePostalCode      string
	PickupRadiusKM      *float64
	SlotDurationMinutes int
	SlotStepMinutes     int
	Categories          []string
	Locations           []LocationRef
}

type TenantSettings struct {
	ID                  string
	Name                string
	Timezone            string
	BufferBeforeMinutes int
	BufferAfterMinutes  int
	TravelMarginMinutes int
	HorizonDays         int
}

func (t TenantSettings) Location() (*time.Location, error) {
	tz := t.Timezone
	if tz == "" {
		tz = "Europe/Zurich"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("tenant %s timezone %q: %w", t.ID, tz, err)
	}
	return loc, nil
}
