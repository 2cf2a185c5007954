package services

import (
	"context"
	"fmt"
	"time"

	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/storage"
)

// HealthcheckService expires listings the scrapers have stopped seeing
type HealthcheckService struct {
	store   *storage.SQLStore
	listing *ListingService
}

// NewHealthcheckService creates a new HealthcheckService
func NewHealthcheckService(store *storage.SQLStore, listing *ListingService) *HealthcheckService {
	return &HealthcheckService{
		store:   store,
		listing: listing,
	}
}

// GetStaleListings returns active listings that haven't been seen recently
func (s *HealthcheckService) GetStaleListings(ctx context.Context, staleAfter time.Duration, limit int) ([]models.StaleListing, error) {
	return s.store.GetStaleListings(ctx, time.Now().Add(-staleAfter), limit)
}

// ExpireStale moves every stale listing to Expired through the state machine
func (s *HealthcheckService) ExpireStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := time.Now().Add(-staleAfter)
	stale, err := s.store.GetStaleListings(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	expired, err := s.expire(ctx, stale, cutoff)
	if expired > 0 {
		logging.Logger.Infof("Expired %d stale listings (not seen for %s)", expired, staleAfter)
	}
	return expired, err
}

// expire transitions the selected listings that are still open and still
// unseen since cutoff once their lock is held
func (s *HealthcheckService) expire(ctx context.Context, stale []models.StaleListing, cutoff time.Time) (int, error) {
	stillStale := func(l *models.Listing) bool {
		return !l.Status.IsTerminal() && l.LastSeenAt.Before(cutoff)
	}

	expired := 0
	for _, sl := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		note := fmt.Sprintf("Not seen since %s", sl.LastSeenAt.Format(time.RFC3339))
		res, err := s.listing.transition(ctx, sl.ListingID, models.StatusExpired, models.Today(), nil, note, stillStale)
		if err != nil {
			if models.IsKind(err, models.KindConflict) || models.IsKind(err, models.KindNotFound) {
				continue
			}
			return expired, err
		}
		if res.StatusChanged {
			expired++
		}
	}
	return expired, nil
}
