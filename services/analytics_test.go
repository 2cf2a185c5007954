package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"listing_ledger/config"
	"listing_ledger/models"
)

func daysAgo(n int) models.Date {
	return models.DateOf(time.Now().UTC().AddDate(0, 0, -n))
}

func seedMarket(t *testing.T, env *testEnv) (a, b *models.ReconcileResult) {
	t.Helper()
	area := 1000.0

	obsA := observation("MLS-A", 500000, daysAgo(10))
	obsA.Area = &area
	a = env.reconcile(t, obsA)
	obsA = observation("MLS-A", 450000, daysAgo(5))
	env.reconcile(t, obsA)

	obsB := observation("MLS-B", 400000, daysAgo(10))
	obsB.UnitNumber = "1101"
	b = env.reconcile(t, obsB)
	obsB = observation("MLS-B", 396000, daysAgo(4))
	obsB.UnitNumber = "1101"
	env.reconcile(t, obsB)

	report, err := env.sales.Import(context.Background(), []map[string]string{
		{"building_name": "The Janion", "address": "1610 Store Street", "sale_price": "420000", "sale_date": daysAgo(60).String(), "area": "700"},
		{"building_name": "The Janion", "address": "1610 Store Street", "sale_price": "380000", "sale_date": daysAgo(800).String()},
	}, "")
	require.NoError(t, err)
	require.Equal(t, 2, report.Imported)
	return a, b
}

func TestPriceDrops(t *testing.T) {
	env := newTestEnv(t)
	a, _ := seedMarket(t, env)

	drops, err := env.analytics.PriceDrops(context.Background(), 30, 5)
	require.NoError(t, err)
	require.Len(t, drops, 1)
	assert.Equal(t, a.ListingID, drops[0].ListingID)
	assert.Equal(t, 500000.0, drops[0].PreviousPrice)
	assert.Equal(t, -50000.0, drops[0].Delta)
	assert.Equal(t, -10.0, drops[0].PercentChange)

	drops, err = env.analytics.PriceDrops(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, drops, 2)

	drops, err = env.analytics.PriceDrops(context.Background(), 3, 0)
	require.NoError(t, err)
	assert.Empty(t, drops)
}

func TestBuildingStats(t *testing.T) {
	env := newTestEnv(t)
	a, _ := seedMarket(t, env)

	stats, err := env.analytics.BuildingStats(context.Background(), *a.BuildingID)
	require.NoError(t, err)
	assert.Equal(t, "The Janion", stats.BuildingName)
	assert.Equal(t, 2, stats.ActiveListings)
	assert.Equal(t, 2, stats.TotalListings)
	require.NotNil(t, stats.AvgPrice)
	assert.Equal(t, 423000.0, *stats.AvgPrice)
	require.NotNil(t, stats.AvgPricePerArea)
	assert.Equal(t, 450.0, *stats.AvgPricePerArea)
	assert.Equal(t, 396000.0, *stats.MinPrice)
	assert.Equal(t, 450000.0, *stats.MaxPrice)
	assert.Equal(t, 2, stats.HistoricalSales)
	assert.Equal(t, 400000.0, *stats.AvgSalePrice)
	assert.Equal(t, 600.0, *stats.AvgSalePricePerArea)

	_, err = env.analytics.BuildingStats(context.Background(), 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMarketSummary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.resolver.Seed(ctx, env.store, []config.NeighborhoodSeed{{Name: "Fernwood"}})
	require.NoError(t, err)
	seedMarket(t, env)

	summary, err := env.analytics.MarketSummary(ctx, 0, 365)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	downtown := summary[0]
	assert.Equal(t, "Downtown", downtown.NeighborhoodName)
	assert.Equal(t, 2, downtown.ActiveListings)
	assert.Equal(t, 423000.0, *downtown.AvgPrice)
	assert.Equal(t, 1, downtown.RecentSales)
	assert.Equal(t, 420000.0, *downtown.AvgSalePrice)

	fernwood := summary[1]
	assert.Equal(t, "Fernwood", fernwood.NeighborhoodName)
	assert.Equal(t, 0, fernwood.ActiveListings)
	assert.Nil(t, fernwood.AvgPrice)

	one, err := env.analytics.MarketSummary(ctx, fernwood.NeighborhoodID, 0)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "Fernwood", one[0].NeighborhoodName)
}

func TestListListingsFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := seedMarket(t, env)

	all, err := env.analytics.ListListings(ctx, models.ListingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cheap, err := env.analytics.ListListings(ctx, models.ListingFilter{MaxPrice: 400000})
	require.NoError(t, err)
	require.Len(t, cheap, 1)
	assert.Equal(t, b.ListingID, cheap[0].ID)
	assert.Equal(t, 396000.0, *cheap[0].CurrentPrice)

	_, err = env.listings.Transition(ctx, a.ListingID, models.StatusSold, daysAgo(1), nil, "")
	require.NoError(t, err)
	active, err := env.analytics.ListListings(ctx, models.ListingFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ListingID, active[0].ID)

	sold, err := env.analytics.ListListings(ctx, models.ListingFilter{Status: models.StatusSold})
	require.NoError(t, err)
	require.Len(t, sold, 1)
	require.NotNil(t, sold[0].PricePerArea)
	assert.Equal(t, 450.0, *sold[0].PricePerArea)

	history, err := env.analytics.PriceHistory(ctx, a.ListingID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.PriceEventSold, history[0].EventType)

	current, err := env.analytics.CurrentPrice(ctx, a.ListingID)
	require.NoError(t, err)
	assert.Equal(t, models.PriceEventSold, current.EventType)

	_, err = env.analytics.PriceHistory(ctx, 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecentActivity(t *testing.T) {
	env := newTestEnv(t)
	seedMarket(t, env)

	entries, err := env.analytics.RecentActivity(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditPriceChange, entries[0].EventType)
	require.NotNil(t, entries[0].UnitNumber)
	assert.Equal(t, "1101", *entries[0].UnitNumber)
	assert.Equal(t, models.AuditDiscovered, entries[1].EventType)
}

func TestCompareBuildings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _ := seedMarket(t, env)

	hudson := observation("MLS-H", 612000, daysAgo(3))
	hudson.BuildingName = "Hudson Place"
	hudson.Address = "845 Yates Street"
	hudson.NeighborhoodName = ""
	h := env.reconcile(t, hudson)

	stats, err := env.analytics.CompareBuildings(ctx, []int64{*h.BuildingID, *a.BuildingID, *h.BuildingID})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "Hudson Place", stats[0].BuildingName)
	assert.Equal(t, 1, stats[0].ActiveListings)
	assert.Equal(t, "The Janion", stats[1].BuildingName)
	assert.Equal(t, 2, stats[1].HistoricalSales)

	_, err = env.analytics.CompareBuildings(ctx, nil)
	assert.True(t, models.IsKind(err, models.KindValidation))

	tooMany := make([]int64, MaxCompareBuildings+1)
	for i := range tooMany {
		tooMany[i] = int64(i + 1)
	}
	_, err = env.analytics.CompareBuildings(ctx, tooMany)
	assert.True(t, models.IsKind(err, models.KindValidation))

	_, err = env.analytics.CompareBuildings(ctx, []int64{*a.BuildingID, 9999})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBuildingAndNeighborhoodLookups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _ := seedMarket(t, env)

	hudson := observation("MLS-H", 612000, daysAgo(3))
	hudson.BuildingName = "Hudson Place"
	hudson.Address = "845 Yates Street"
	hudson.NeighborhoodName = ""
	env.reconcile(t, hudson)

	all, err := env.analytics.ListBuildings(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Hudson Place", all[0].Name)

	janion, err := env.analytics.GetBuilding(ctx, *a.BuildingID)
	require.NoError(t, err)
	require.NotNil(t, janion.NeighborhoodID)

	downtown, err := env.analytics.ListBuildings(ctx, *janion.NeighborhoodID)
	require.NoError(t, err)
	require.Len(t, downtown, 1)
	assert.Equal(t, janion.ID, downtown[0].ID)

	hoods, err := env.analytics.ListNeighborhoods(ctx)
	require.NoError(t, err)
	require.Len(t, hoods, 1)
	hood, err := env.analytics.GetNeighborhood(ctx, hoods[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Downtown", hood.Name)

	_, err = env.analytics.GetBuilding(ctx, 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = env.analytics.GetNeighborhood(ctx, 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	a, _ := seedMarket(t, env)

	events, err := env.analytics.AuditTrail(context.Background(), a.ListingID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.AuditDiscovered, events[0].EventType)
	assert.Equal(t, models.AuditPriceChange, events[1].EventType)
}
