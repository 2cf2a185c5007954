package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"listing_ledger/models"
	"listing_ledger/queue"
	"listing_ledger/storage"
)

type testEnv struct {
	store     *storage.SQLStore
	assets    *storage.LocalAssetStore
	queue     *queue.ChanQueue
	resolver  *Resolver
	ledger    *LedgerService
	media     *MediaService
	listings  *ListingService
	analytics *AnalyticsService
	sales     *HistoricalSaleService
	health    *HealthcheckService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	assets, err := storage.NewLocalAssetStore(filepath.Join(dir, "photos"))
	require.NoError(t, err)

	env := &testEnv{
		store:    store,
		assets:   assets,
		queue:    queue.NewChanQueue(100),
		resolver: NewResolver("Victoria"),
		ledger:   NewLedgerService(store),
	}
	env.media = NewMediaService(store, assets, env.queue, 20, time.Hour)
	env.listings = NewListingService(store, env.resolver, env.ledger, env.media)
	env.analytics = NewAnalyticsService(store)
	env.sales = NewHistoricalSaleService(store, env.resolver, env.media)
	env.health = NewHealthcheckService(store, env.listings)
	return env
}

func day(d int) models.Date {
	return models.NewDate(2024, time.March, d)
}

func observation(ext string, price float64, date models.Date) *models.Observation {
	return &models.Observation{
		ExternalID:       ext,
		BuildingName:     "The Janion",
		Address:          "1610 Store Street",
		NeighborhoodName: "Downtown",
		UnitNumber:       "402",
		Price:            price,
		RecordedDate:     date,
		SourcePlatform:   "realtor",
	}
}

func (e *testEnv) reconcile(t *testing.T, obs *models.Observation) *models.ReconcileResult {
	t.Helper()
	res, err := e.listings.Reconcile(context.Background(), obs)
	require.NoError(t, err)
	return res
}

func (e *testEnv) auditCount(t *testing.T, listingID int64, typ models.AuditEventType) int {
	t.Helper()
	n, err := e.store.CountAuditEvents(context.Background(), listingID, typ)
	require.NoError(t, err)
	return n
}
