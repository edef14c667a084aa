package storage

import (
	"context"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/availability-service/internal/model"
)

// TravelCacheRepository is the persistent travel-time cache and its source of truth.
// Rows are keyed by the ordered postal-code pair.
type TravelCacheRepository struct {
	db db.Querier
}

func NewTravelCacheRepository(q db.Querier) *TravelCacheRepository {
	return &TravelCacheRepository{db: q}
}

func (r *TravelCacheRepository) Get(ctx context.Context, from, to string) (model.TravelTimeEntry, bool, error) {
	a, b := model.OrderedPair(from, to)
	var e model.TravelTimeEntry
	err := r.db.QueryRow(ctx, `
		SELECT from_postal_code, to_postal_code, peak_minutes, offpeak_minutes, distance_km, last_updated
		FROM travel_time_cache
		WHERE from_postal_code = $1 AND to_postal_code = $2
	`, a, b).Scan(&e.FromPostalCode, &e.ToPostalCode, &e.PeakMinutes, &e.OffpeakMinutes, &e.DistanceKM, &e.LastUpdated)
	if IsNotFound(err) {
		return model.TravelTimeEntry{}, false, nil
	}
	if err != nil {
		return model.TravelTimeEntry{}, false, err
	}
	return e, true, nil
}

func (r *TravelCacheRepository) Put(ctx context.Context, e model.TravelTimeEntry) error {
	a, b := model.OrderedPair(e.FromPostalCode, e.ToPostalCode)
	_, err := r.db.Exec(ctx, `
		INSERT INTO travel_time_cache (from_postal_code, to_postal_code, peak_minutes, offpeak_minutes, distance_km, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (from_postal_code, to_postal_code) DO UPDATE
		SET peak_minutes = EXCLUDED.peak_minutes,
			offpeak_minutes = EXCLUDED.offpeak_minutes,
			distance_km = EXCLUDED.distance_km,
			last_updated = EXCLUDED.last_updated
	`, a, b, e.PeakMinutes, e.OffpeakMinutes, e.DistanceKM, e.LastUpdated)
	return err
}
