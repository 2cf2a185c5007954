package services

import (
	"context"
	"time"

	"listing_ledger/models"
	"listing_ledger/storage"
)

// AnalyticsService serves the read-only views. Everything here is derived
// from the ledger, listing and historical sale tables.
type AnalyticsService struct {
	store *storage.SQLStore
}

// NewAnalyticsService creates a new AnalyticsService
func NewAnalyticsService(store *storage.SQLStore) *AnalyticsService {
	return &AnalyticsService{store: store}
}

func (s *AnalyticsService) ListListings(ctx context.Context, f models.ListingFilter) ([]models.ListingView, error) {
	return s.store.ListListings(ctx, f)
}

// PriceHistory returns the ledger of a listing, newest first
func (s *AnalyticsService) PriceHistory(ctx context.Context, listingID int64) ([]models.PriceObservation, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, models.NewError(models.KindNotFound, "price history", "listing %d", listingID)
	}
	return s.store.ListPriceHistory(ctx, listingID)
}

// CurrentPrice returns nil when the listing has no ledger rows
func (s *AnalyticsService) CurrentPrice(ctx context.Context, listingID int64) (*models.PriceObservation, error) {
	return s.store.GetCurrentPrice(ctx, listingID)
}

func (s *AnalyticsService) BuildingStats(ctx context.Context, buildingID int64) (*models.BuildingStats, error) {
	stats, err := s.store.GetBuildingStats(ctx, buildingID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, models.NewError(models.KindNotFound, "building stats", "building %d", buildingID)
	}
	return stats, nil
}

// PriceDrops lists drops of at least minPercent recorded in the last days
func (s *AnalyticsService) PriceDrops(ctx context.Context, days int, minPercent float64) ([]models.PriceDrop, error) {
	if days <= 0 {
		days = 30
	}
	return s.store.ListPriceDrops(ctx, sinceDays(days), minPercent)
}

// MarketSummary aggregates per neighborhood; neighborhoodID 0 means all.
// Sales are counted over the last salesDays.
func (s *AnalyticsService) MarketSummary(ctx context.Context, neighborhoodID int64, salesDays int) ([]models.MarketSummary, error) {
	if salesDays <= 0 {
		salesDays = 365
	}
	return s.store.MarketSummary(ctx, neighborhoodID, sinceDays(salesDays))
}

func (s *AnalyticsService) RecentActivity(ctx context.Context, limit int) ([]models.ActivityEntry, error) {
	return s.store.RecentActivity(ctx, limit)
}

func (s *AnalyticsService) ListHistoricalSales(ctx context.Context, f models.SaleFilter) ([]models.HistoricalSaleView, error) {
	return s.store.ListHistoricalSales(ctx, f)
}

// MaxCompareBuildings caps a side-by-side building comparison
const MaxCompareBuildings = 10

// CompareBuildings returns stats for each distinct id in the order given
func (s *AnalyticsService) CompareBuildings(ctx context.Context, ids []int64) ([]models.BuildingStats, error) {
	seen := make(map[int64]bool, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 || len(unique) > MaxCompareBuildings {
		return nil, models.NewError(models.KindValidation, "compare buildings",
			"need 1 to %d buildings, got %d", MaxCompareBuildings, len(unique))
	}

	out := make([]models.BuildingStats, 0, len(unique))
	for _, id := range unique {
		stats, err := s.BuildingStats(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *stats)
	}
	return out, nil
}

// ListBuildings returns buildings by name; neighborhoodID 0 means all
func (s *AnalyticsService) ListBuildings(ctx context.Context, neighborhoodID int64) ([]models.Building, error) {
	return s.store.ListBuildings(ctx, neighborhoodID)
}

func (s *AnalyticsService) GetBuilding(ctx context.Context, id int64) (*models.Building, error) {
	b, err := s.store.GetBuilding(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, models.NewError(models.KindNotFound, "get building", "building %d", id)
	}
	return b, nil
}

func (s *AnalyticsService) ListNeighborhoods(ctx context.Context) ([]models.Neighborhood, error) {
	return s.store.ListNeighborhoods(ctx)
}

func (s *AnalyticsService) GetNeighborhood(ctx context.Context, id int64) (*models.Neighborhood, error) {
	n, err := s.store.GetNeighborhood(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, models.NewError(models.KindNotFound, "get neighborhood", "neighborhood %d", id)
	}
	return n, nil
}

// AuditTrail returns a listing's audit events oldest first
func (s *AnalyticsService) AuditTrail(ctx context.Context, listingID int64) ([]models.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, listingID)
}

func sinceDays(days int) models.Date {
	return models.DateOf(time.Now().UTC().AddDate(0, 0, -days))
}
