// Package reservation implements the slot hold protocol of the public booking flow.
// Mutual exclusion comes only from the conditional updates in the slot store; nothing here
// keeps per-slot state in memory.
package reservation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/metrics"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/storage"
)

const DefaultHold = 10 * time.Minute

var (
	ErrInvalidSlotID  = errors.New("invalid slot id")
	ErrInvalidSession = errors.New("invalid session id")
)

type SlotStore interface {
	Reserve(ctx context.Context, q db.Querier, slotID, sessionID string, now time.Time, hold time.Duration) (model.Slot, error)
	Extend(ctx context.Context, q db.Querier, slotID, sessionID string, now time.Time, hold time.Duration) (model.Slot, error)
	Release(ctx context.Context, q db.Querier, scope storage.ReleaseScope, now time.Time) (int64, error)
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

type EventWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Config struct {
	Hold         time.Duration
	CleanupBatch int
	// Now overrides the clock holds are judged by. Nil leaves it to the database so every
	// instance agrees on expiry.
	Now func() time.Time
}

type Service struct {
	tx      db.Transactor
	slots   SlotStore
	events  EventWriter
	logger  *slog.Logger
	metrics *metrics.Metrics
	hold    time.Duration
	batch   int
	now     func() time.Time
}

func NewService(tx db.Transactor, slots SlotStore, events EventWriter, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Service {
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultHold
	}
	if cfg.CleanupBatch <= 0 {
		cfg.CleanupBatch = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:      tx,
		slots:   slots,
		events:  events,
		logger:  logger,
		metrics: m,
		hold:    cfg.Hold,
		batch:   cfg.CleanupBatch,
		now:     cfg.Now,
	}
}

// Hold is the reservation window granted by Reserve and Extend.
func (s *Service) Hold() time.Duration {
	return s.hold
}

// Reserve claims slotID for sessionID. Re-reserving an own hold refreshes it; an expired
// hold of another session is reclaimed. A live hold of another session yields
// storage.ErrSlotHeld and is never retried here.
func (s *Service) Reserve(ctx context.Context, slotID, sessionID string) (model.Slot, error) {
	slot, err := s.holdSlot(ctx, "reserve", outbox.EventSlotReserved, slotID, sessionID, s.slots.Reserve)
	if err != nil {
		return model.Slot{}, err
	}
	s.logger.Info("slot reserved", "slot_id", slot.ID, "staff_id", slot.StaffID, "reserved_until", deref(slot.ReservedUntil))
	return slot, nil
}

// Extend pushes the caller's own active hold forward by one hold window.
func (s *Service) Extend(ctx context.Context, slotID, sessionID string) (model.Slot, error) {
	return s.holdSlot(ctx, "extend", outbox.EventSlotExtended, slotID, sessionID, s.slots.Extend)
}

type holdFunc func(ctx context.Context, q db.Querier, slotID, sessionID string, now time.Time, hold time.Duration) (model.Slot, error)

func (s *Service) holdSlot(ctx context.Context, op, eventType, slotID, sessionID string, fn holdFunc) (model.Slot, error) {
	slotID, sessionID, err := validate(slotID, sessionID)
	if err != nil {
		s.metrics.ObserveReservation(op, "invalid")
		return model.Slot{}, err
	}

	now := s.clock()
	var slot model.Slot
	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		slot, err = fn(ctx, tx, slotID, sessionID, now, s.hold)
		if err != nil {
			return err
		}
		evt, err := outbox.NewEvent(outbox.AggregateSlot, slot.ID, eventType, outbox.SlotHeld{
			SlotID:        slot.ID,
			TenantID:      slot.TenantID,
			StaffID:       slot.StaffID,
			SessionID:     sessionID,
			StartTime:     slot.StartTime,
			ReservedUntil: deref(slot.ReservedUntil),
		})
		if err != nil {
			return err
		}
		return s.events.Insert(ctx, tx, evt)
	})
	s.metrics.ObserveReservation(op, outcome(err))
	if err != nil {
		if !isExpected(err) {
			s.logger.Error("slot "+op+" failed", "slot_id", slotID, "err", err)
		}
		return model.Slot{}, err
	}
	return slot, nil
}

// Release clears holds on every slot of the staff member in the scope. It is the
// administrative path used when working hours change.
func (s *Service) Release(ctx context.Context, scope storage.ReleaseScope, reason string) (int64, error) {
	var released int64
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		released, err = s.slots.Release(ctx, tx, scope, s.clock())
		if err != nil || released == 0 {
			return err
		}
		evt, err := outbox.NewEvent(outbox.AggregateStaffAvailability, scope.StaffID, outbox.EventSlotsReleased, outbox.SlotsReleased{
			TenantID: scope.TenantID,
			StaffID:  scope.StaffID,
			From:     scope.From,
			To:       scope.To,
			Released: released,
			Reason:   reason,
		})
		if err != nil {
			return err
		}
		return s.events.Insert(ctx, tx, evt)
	})
	s.metrics.ObserveReservation("release", outcome(err))
	if err != nil {
		s.logger.Error("slot release failed", "staff_id", scope.StaffID, "tenant_id", scope.TenantID, "err", err)
		return 0, err
	}
	s.logger.Info("slots released", "staff_id", scope.StaffID, "tenant_id", scope.TenantID, "released", released, "reason", reason)
	return released, nil
}

// Cleanup clears expired holds until a sweep returns less than a full batch.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	var total int64
	for {
		n, err := s.slots.CleanupExpired(ctx, s.clock(), s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.batch) || ctx.Err() != nil {
			break
		}
	}
	s.metrics.AddCleanupReleased(total)
	return total, nil
}

// clock is the zero time when the database clock applies.
func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Time{}
	}
	return s.now()
}

func validate(slotID, sessionID string) (string, string, error) {
	slotID = strings.TrimSpace(slotID)
	if _, err := uuid.Parse(slotID); err != nil {
		return "", "", ErrInvalidSlotID
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || len(sessionID) > 128 {
		return "", "", ErrInvalidSession
	}
	return slotID, sessionID, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrSlotHeld):
		return "conflict"
	case errors.Is(err, storage.ErrSlotUnavailable):
		return "unavailable"
	case errors.Is(err, storage.ErrReservationNotHeld):
		return "not_held"
	case errors.Is(err, storage.ErrSlotNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func isExpected(err error) bool {
	return errors.Is(err, storage.ErrSlotHeld) ||
		errors.Is(err, storage.ErrSlotUnavailable) ||
		errors.Is(err, storage.ErrReservationNotHeld) ||
		errors.Is(err, storage.ErrSlotNotFound)
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
