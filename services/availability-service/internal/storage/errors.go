package storage

import (
	"errors"

	"github.com/md-rashed-zaman/slotengine/libs/db"
)

var (
	ErrSlotNotFound = errors.New("slot not found")
	// ErrSlotUnavailable means the slot was superseded by regeneration.
	ErrSlotUnavailable = errors.New("slot is no longer offered")
	// ErrSlotHeld means another session holds an unexpired reservation.
	ErrSlotHeld           = errors.New("slot is reserved by another session")
	ErrReservationNotHeld = errors.New("session does not hold an active reservation on this slot")
	ErrTenantNotFound     = errors.New("tenant not found")
)

func IsNotFound(err error) bool {
	return db.IsNotFound(err)
}
