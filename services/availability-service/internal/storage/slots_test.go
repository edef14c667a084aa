package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var slotCols = []string{"id", "tenant_id", "staff_id", "location_id", "start_time", "end_time",
	"duration_minutes", "is_available", "reserved_until", "reserved_by_session", "updated_at"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestReserveReturnsHeldSlot(t *testing.T) {
	mock := newMock(t)
	repo := NewSlotRepository(mock)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	until := now.Add(10 * time.Minute)
	start := now.Add(24 * time.Hour)

	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("slot-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("UPDATE availability_slots s").
		WithArgs("slot-1", "sess-a", 600.0, now).
		WillReturnRows(pgxmock.NewRows(slotCols).AddRow(
			"slot-1", "t1", "s1", "l1", start, start.Add(45*time.Minute), 45, true, &until, "sess-a", now))

	slot, err := repo.Reserve(context.Background(), nil, "slot-1", "sess-a", now, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "sess-a", slot.ReservedBySession)
	require.NotNil(t, slot.ReservedUntil)
	assert.True(t, slot.ReservedUntil.Equal(until))
	assert.True(t, slot.HeldBy("sess-a", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveClassifiesMisses(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	until := now.Add(5 * time.Minute)
	start := now.Add(24 * time.Hour)

	cases := []struct {
		name      string
		available bool
		found     bool
		start     time.Time
		want      error
	}{
		{name: "held by other", available: true, found: true, start: start, want: ErrSlotHeld},
		{name: "superseded", available: false, found: true, start: start, want: ErrSlotUnavailable},
		{name: "already started", available: true, found: true, start: now.Add(-10 * time.Minute), want: ErrSlotUnavailable},
		{name: "missing", found: false, want: ErrSlotNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			repo := NewSlotRepository(mock)

			mock.ExpectExec("pg_advisory_xact_lock").
				WithArgs("slot-1").
				WillReturnResult(pgxmock.NewResult("SELECT", 1))
			mock.ExpectQuery("UPDATE availability_slots s").
				WithArgs("slot-1", "sess-b", 600.0, now).
				WillReturnRows(pgxmock.NewRows(slotCols))
			rows := pgxmock.NewRows(slotCols)
			if tc.found {
				rows.AddRow("slot-1", "t1", "s1", "l1", tc.start, tc.start.Add(45*time.Minute), 45, tc.available, &until, "sess-a", now)
			}
			mock.ExpectQuery("FROM availability_slots WHERE id").
				WithArgs("slot-1").
				WillReturnRows(rows)

			_, err := repo.Reserve(context.Background(), nil, "slot-1", "sess-b", now, 10*time.Minute)
			assert.True(t, errors.Is(err, tc.want), "expected %v, got %v", tc.want, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReserveGuardsOverlappingHoldsOfSameStaff(t *testing.T) {
	mock := newMock(t)
	repo := NewSlotRepository(mock)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)SELECT pg_advisory_xact_lock\(hashtext\(staff_id::text\)\).*WHERE id = \$1`).
		WithArgs("slot-2").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`(?s)UPDATE availability_slots s.*s\.start_time > .*NOT EXISTS \(.*o\.staff_id = s\.staff_id.*o\.reserved_by_session IS DISTINCT FROM NULLIF\(\$2, ''\).*o\.start_time < s\.end_time.*o\.end_time > s\.start_time`).
		WithArgs("slot-2", "sess-b", 600.0, now).
		WillReturnRows(pgxmock.NewRows(slotCols))
	mock.ExpectQuery("FROM availability_slots WHERE id").
		WithArgs("slot-2").
		WillReturnRows(pgxmock.NewRows(slotCols).AddRow(
			"slot-2", "t1", "s1", "l2", now.Add(time.Hour), now.Add(105*time.Minute), 45, true, (*time.Time)(nil), "", now))

	_, err := repo.Reserve(context.Background(), nil, "slot-2", "sess-b", now, 10*time.Minute)
	assert.ErrorIs(t, err, ErrSlotHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestZeroClockDefersToDatabase(t *testing.T) {
	mock := newMock(t)
	repo := NewSlotRepository(mock)
	start := time.Now().Add(24 * time.Hour)
	until := time.Now().Add(10 * time.Minute)

	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("slot-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`COALESCE\(\$4::timestamptz, now\(\)\) \+ make_interval\(secs => \$3\)`).
		WithArgs("slot-1", "sess-a", 600.0, nil).
		WillReturnRows(pgxmock.NewRows(slotCols).AddRow(
			"slot-1", "t1", "s1", "l1", start, start.Add(45*time.Minute), 45, true, &until, "sess-a", until))
	_, err := repo.Reserve(context.Background(), nil, "slot-1", "sess-a", time.Time{}, 10*time.Minute)
	require.NoError(t, err)

	mock.ExpectExec("FOR UPDATE SKIP LOCKED").
		WithArgs(nil, 50).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	_, err = repo.CleanupExpired(context.Background(), time.Time{}, 50)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExtendRejectsForeignSession(t *testing.T) {
	mock := newMock(t)
	repo := NewSlotRepository(mock)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	until := now.Add(5 * time.Minute)
	start := now.Add(time.Hour)

	mock.ExpectQuery("UPDATE availability_slots").
		WithArgs("slot-1", "thief", 600.0, now).
		WillReturnRows(pgxmock.NewRows(slotCols))
	mock.ExpectQuery("FROM availability_slots WHERE id").
		WithArgs("slot-1").
		WillReturnRows(pgxmock.NewRows(slotCols).AddRow(
			"slot-1", "t1", "s1", "l1", start, start.Add(45*time.Minute), 45, true, &until, "owner", now))

	_, err := repo.Extend(context.Background(), nil, "slot-1", "thief", now, 10*time.Minute)
	assert.ErrorIs(t, err, ErrReservationNotHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseAndCleanupReportRowCounts(t *testing.T) {
	mock := newMock(t)
	repo := NewSlotRepository(mock)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	from := now
	to := now.Add(24 * time.Hour)

	mock.ExpectExec("UPDATE availability_slots").
		WithArgs("s1", from, to, "t1", true, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))
	n, err := repo.Release(context.Background(), nil, ReleaseScope{TenantID: "t1", StaffID: "s1", From: from, To: to, MarkUnavailable: true}, now)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	mock.ExpectExec("FOR UPDATE SKIP LOCKED").
		WithArgs(now, 100).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	n, err = repo.CleanupExpired(context.Background(), now, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = repo.Release(context.Background(), nil, ReleaseScope{From: from, To: to}, now)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAndSupersede(t *testing.T) {
	mock := newMock(t)
	repo := NewSlotRepository(mock)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)

	mock.ExpectQuery("INSERT INTO availability_slots").
		WithArgs("t1", "s1", "l1", start, start.Add(45*time.Minute), 45, now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow("slot-9", false))
	id, inserted, err := repo.UpsertSlot(context.Background(), nil, slotFixture(start), now)
	require.NoError(t, err)
	assert.Equal(t, "slot-9", id)
	assert.False(t, inserted)

	mock.ExpectExec("UPDATE availability_slots").
		WithArgs("s1", now, now.Add(15*time.Hour), []string{"slot-9"}, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	n, err := repo.SupersedeExcept(context.Background(), nil, "s1", now, now.Add(15*time.Hour), []string{"slot-9"}, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAvailableScansRows(t *testing.T) {
	mock := newMock(t)
	repo := NewSlotRepository(mock)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)

	mock.ExpectQuery(`(?s)FROM availability_slots s.*AND NOT EXISTS \(.*o\.reserved_by_session IS DISTINCT FROM NULLIF\(\$7, ''\)`).
		WithArgs("t1", now, now.Add(48*time.Hour), "", "B", now, "sess", 500).
		WillReturnRows(pgxmock.NewRows(slotCols).
			AddRow("slot-1", "t1", "s1", "l1", start, start.Add(45*time.Minute), 45, true, (*time.Time)(nil), "", now).
			AddRow("slot-2", "t1", "s1", "l1", start.Add(time.Hour), start.Add(105*time.Minute), 45, true, (*time.Time)(nil), "", now))

	slots, err := repo.ListAvailable(context.Background(), SlotQuery{
		TenantID:  "t1",
		Category:  "B",
		From:      now,
		To:        now.Add(48 * time.Hour),
		SessionID: "sess",
		Now:       now,
	})
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Nil(t, slots[0].ReservedUntil)
	assert.Equal(t, "slot-2", slots[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
