package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
)

const slotColumns = `id::text, tenant_id::text, staff_id::text, location_id::text, start_time, end_time,
	duration_minutes, is_available, reserved_until, COALESCE(reserved_by_session, ''), updated_at`

// SlotRepository owns availability_slots. Every state change is a single conditional
// statement so concurrent service instances never need an in-process lock.
//
// Methods taking a now argument compare holds against the database clock when now is the
// zero time, so instances with skewed clocks agree on expiry.
type SlotRepository struct {
	db db.Querier
}

func NewSlotRepository(q db.Querier) *SlotRepository {
	return &SlotRepository{db: q}
}

type SlotQuery struct {
	TenantID string
	StaffID  string
	Category string
	From     time.Time
	To       time.Time
	// SessionID keeps the caller's own holds visible.
	SessionID string
	Now       time.Time
	Limit     int
}

// clockArg binds now as a nullable timestamp; statements read it as
// COALESCE($n::timestamptz, now()).
func clockArg(now time.Time) any {
	if now.IsZero() {
		return nil
	}
	return now
}

// overlappingHold matches another session's live hold on an overlapping slot of the same
// staff member. It expects the candidate row as s, the clock in $clock and the session in
// $session.
const overlappingHold = `EXISTS (
		SELECT 1 FROM availability_slots o
		WHERE o.staff_id = s.staff_id
			AND o.id <> s.id
			AND o.reserved_until > COALESCE($clock::timestamptz, now())
			AND o.reserved_by_session IS DISTINCT FROM NULLIF($session, '')
			AND o.start_time < s.end_time
			AND o.end_time > s.start_time
	)`

func overlapClause(clock, session string) string {
	return strings.NewReplacer("$clock", clock, "$session", session).Replace(overlappingHold)
}

// ListAvailable returns offered slots that nobody else holds at q.Now, directly or through
// an overlapping slot of the same staff member.
func (r *SlotRepository) ListAvailable(ctx context.Context, q SlotQuery) ([]model.Slot, error) {
	if q.Limit <= 0 {
		q.Limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots s
		WHERE s.tenant_id = $1
			AND s.is_available
			AND s.start_time >= $2
			AND s.start_time < $3
			AND ($4 = '' OR s.staff_id::text = $4)
			AND ($5 = '' OR EXISTS (
				SELECT 1 FROM staff_categories c
				WHERE c.staff_id = s.staff_id AND c.category_code = $5
			))
			AND (s.reserved_until IS NULL
				OR s.reserved_until <= COALESCE($6::timestamptz, now())
				OR s.reserved_by_session = NULLIF($7, ''))
			AND NOT `+overlapClause("$6", "$7")+`
		ORDER BY s.start_time, s.staff_id
		LIMIT $8
	`, q.TenantID, q.From, q.To, q.StaffID, q.Category, clockArg(q.Now), q.SessionID, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return slots, nil
}

func (r *SlotRepository) Get(ctx context.Context, q db.Querier, slotID string) (model.Slot, error) {
	if q == nil {
		q = r.db
	}
	s, err := scanSlot(q.QueryRow(ctx, `SELECT `+slotColumns+` FROM availability_slots WHERE id = $1`, slotID))
	if IsNotFound(err) {
		return model.Slot{}, ErrSlotNotFound
	}
	return s, err
}

// Reserve claims the slot for sessionID until now+hold. The WHERE clause carries every
// precondition: offered, not yet started, either unheld, expired or already held by the
// same session, and no other session holding an overlapping slot of the same staff member.
//
// q must be a transaction: the per-staff advisory lock taken first serializes concurrent
// reservations of overlapping slots and is released at commit.
func (r *SlotRepository) Reserve(ctx context.Context, q db.Querier, slotID, sessionID string, now time.Time, hold time.Duration) (model.Slot, error) {
	if q == nil {
		q = r.db
	}
	if _, err := q.Exec(ctx, `
		SELECT pg_advisory_xact_lock(hashtext(staff_id::text))
		FROM availability_slots
		WHERE id = $1
	`, slotID); err != nil {
		return model.Slot{}, fmt.Errorf("lock staff: %w", err)
	}
	s, err := scanSlot(q.QueryRow(ctx, `
		UPDATE availability_slots s
		SET reserved_until = COALESCE($4::timestamptz, now()) + make_interval(secs => $3),
			reserved_by_session = $2,
			updated_at = COALESCE($4::timestamptz, now())
		WHERE s.id = $1
			AND s.is_available
			AND s.start_time > COALESCE($4::timestamptz, now())
			AND (s.reserved_until IS NULL
				OR s.reserved_until <= COALESCE($4::timestamptz, now())
				OR s.reserved_by_session = $2)
			AND NOT `+overlapClause("$4", "$2")+`
		RETURNING `+slotColumns,
		slotID, sessionID, hold.Seconds(), clockArg(now)))
	if err == nil {
		return s, nil
	}
	if !IsNotFound(err) {
		return model.Slot{}, err
	}
	return model.Slot{}, r.classifyReserveMiss(ctx, q, slotID, now)
}

// Extend pushes an active hold owned by sessionID to now+hold.
func (r *SlotRepository) Extend(ctx context.Context, q db.Querier, slotID, sessionID string, now time.Time, hold time.Duration) (model.Slot, error) {
	if q == nil {
		q = r.db
	}
	s, err := scanSlot(q.QueryRow(ctx, `
		UPDATE availability_slots
		SET reserved_until = COALESCE($4::timestamptz, now()) + make_interval(secs => $3),
			updated_at = COALESCE($4::timestamptz, now())
		WHERE id = $1
			AND is_available
			AND reserved_by_session = $2
			AND reserved_until > COALESCE($4::timestamptz, now())
			AND start_time > COALESCE($4::timestamptz, now())
		RETURNING `+slotColumns,
		slotID, sessionID, hold.Seconds(), clockArg(now)))
	if err == nil {
		return s, nil
	}
	if !IsNotFound(err) {
		return model.Slot{}, err
	}
	// Only used to pick an error; the outcome was decided by the UPDATE.
	if _, err := r.Get(ctx, q, slotID); err != nil {
		return model.Slot{}, err
	}
	return model.Slot{}, ErrReservationNotHeld
}

// classifyReserveMiss only picks an error; the outcome was decided by the UPDATE.
func (r *SlotRepository) classifyReserveMiss(ctx context.Context, q db.Querier, slotID string, now time.Time) error {
	s, err := r.Get(ctx, q, slotID)
	if err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now()
	}
	if !s.IsAvailable || !s.StartTime.After(now) {
		return ErrSlotUnavailable
	}
	return ErrSlotHeld
}

type ReleaseScope struct {
	TenantID string
	StaffID  string
	From     time.Time
	To       time.Time
	// MarkUnavailable also withdraws the slots until the next generation pass re-offers them.
	MarkUnavailable bool
}

// Release clears reservation fields on every slot of the staff member starting in the range.
func (r *SlotRepository) Release(ctx context.Context, q db.Querier, scope ReleaseScope, now time.Time) (int64, error) {
	if q == nil {
		q = r.db
	}
	if scope.StaffID == "" {
		return 0, fmt.Errorf("release requires a staff id")
	}
	tag, err := q.Exec(ctx, `
		UPDATE availability_slots
		SET reserved_until = NULL,
			reserved_by_session = NULL,
			is_available = CASE WHEN $5 THEN FALSE ELSE is_available END,
			updated_at = COALESCE($6::timestamptz, now())
		WHERE staff_id::text = $1
			AND start_time >= $2
			AND start_time < $3
			AND ($4 = '' OR tenant_id::text = $4)
			AND (reserved_until IS NOT NULL OR ($5 AND is_available))
	`, scope.StaffID, scope.From, scope.To, scope.TenantID, scope.MarkUnavailable, clockArg(now))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CleanupExpired clears up to limit expired holds. Rows locked by an in-flight Reserve are
// skipped; the next sweep picks them up if they are still expired.
func (r *SlotRepository) CleanupExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := r.db.Exec(ctx, `
		WITH expired AS (
			SELECT id
			FROM availability_slots
			WHERE reserved_until IS NOT NULL AND reserved_until <= COALESCE($1::timestamptz, now())
			ORDER BY reserved_until
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE availability_slots s
		SET reserved_until = NULL,
			reserved_by_session = NULL,
			updated_at = COALESCE($1::timestamptz, now())
		FROM expired
		WHERE s.id = expired.id AND s.reserved_until <= COALESCE($1::timestamptz, now())
	`, clockArg(now), limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertSlot inserts or re-offers the slot keyed by (staff_id, location_id, start_time).
// Reservation fields of an existing row are left untouched.
func (r *SlotRepository) UpsertSlot(ctx context.Context, q db.Querier, s model.Slot, now time.Time) (string, bool, error) {
	if q == nil {
		q = r.db
	}
	var (
		id       string
		inserted bool
	)
	err := q.QueryRow(ctx, `
		INSERT INTO availability_slots
			(tenant_id, staff_id, location_id, start_time, end_time, duration_minutes, is_available, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT ON CONSTRAINT availability_slots_key DO UPDATE
		SET end_time = EXCLUDED.end_time,
			duration_minutes = EXCLUDED.duration_minutes,
			is_available = TRUE,
			updated_at = CASE
				WHEN availability_slots.is_available
					AND availability_slots.end_time = EXCLUDED.end_time
				THEN availability_slots.updated_at
				ELSE EXCLUDED.updated_at
			END
		RETURNING id::text, (xmax = 0)
	`, s.TenantID, s.StaffID, s.LocationID, s.StartTime, s.EndTime, s.DurationMinutes, now).Scan(&id, &inserted)
	if err != nil {
		return "", false, err
	}
	return id, inserted, nil
}

// SupersedeExcept withdraws every still-offered or held slot of the staff member in
// [from, to) whose id is not in keep, clearing any reservation on it.
func (r *SlotRepository) SupersedeExcept(ctx context.Context, q db.Querier, staffID string, from, to time.Time, keep []string, now time.Time) (int64, error) {
	if q == nil {
		q = r.db
	}
	if keep == nil {
		keep = []string{}
	}
	tag, err := q.Exec(ctx, `
		UPDATE availability_slots
		SET is_available = FALSE,
			reserved_until = NULL,
			reserved_by_session = NULL,
			updated_at = $5
		WHERE staff_id::text = $1
			AND start_time >= $2
			AND start_time < $3
			AND NOT (id::text = ANY($4))
			AND (is_available OR reserved_until IS NOT NULL)
	`, staffID, from, to, keep, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanSlot(row pgx.Row) (model.Slot, error) {
	var s model.Slot
	var reservedUntil *time.Time
	if err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.StaffID,
		&s.LocationID,
		&s.StartTime,
		&s.EndTime,
		&s.DurationMinutes,
		&s.IsAvailable,
		&reservedUntil,
		&s.ReservedBySession,
		&s.UpdatedAt,
	); err != nil {
		return model.Slot{}, err
	}
	s.ReservedUntil = reservedUntil
	return s, nil
}
