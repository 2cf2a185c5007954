package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"listing_ledger/models"
)

func TestReconcileNewListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.reconcile(t, observation("V1001", 500000, day(1)))
	assert.True(t, res.IsNew)
	assert.True(t, res.PriceRecorded)
	assert.True(t, res.BuildingCreated)
	assert.Equal(t, models.PriceEventInitial, res.EventType)
	assert.Equal(t, models.StatusActive, res.Status)
	assert.Nil(t, res.PreviousPrice)

	listing, err := env.store.GetListing(ctx, res.ListingID)
	require.NoError(t, err)
	require.NotNil(t, listing)
	assert.True(t, listing.IsActive)
	assert.Equal(t, "402", *listing.UnitNumber)

	b, err := env.store.GetBuilding(ctx, *res.BuildingID)
	require.NoError(t, err)
	require.NotNil(t, b.NeighborhoodID)
	assert.Equal(t, "Victoria", b.City)

	assert.Equal(t, 1, env.auditCount(t, res.ListingID, models.AuditDiscovered))
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1002", 500000, day(1)))
	before, err := env.store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)

	second := env.reconcile(t, observation("V1002", 500000, day(1)))
	assert.Equal(t, first.ListingID, second.ListingID)
	assert.False(t, second.IsNew)
	assert.False(t, second.PriceRecorded)
	assert.False(t, second.StatusChanged)

	history, err := env.store.ListPriceHistory(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	after, err := env.store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)
	assert.True(t, after.FirstSeenAt.Equal(before.FirstSeenAt))
	assert.False(t, after.LastSeenAt.Before(before.LastSeenAt))

	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditDiscovered))
	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditSeen))
}

func TestReconcilePriceDropThenUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1003", 487000, day(1)))

	drop := env.reconcile(t, observation("V1003", 475000, day(8)))
	require.True(t, drop.PriceRecorded)
	assert.Equal(t, models.PriceEventDrop, drop.EventType)
	require.NotNil(t, drop.PreviousPrice)
	assert.Equal(t, 487000.0, *drop.PreviousPrice)
	require.NotNil(t, drop.PriceDelta)
	assert.Equal(t, -12000.0, *drop.PriceDelta)
	require.NotNil(t, drop.PercentChange)
	assert.Equal(t, -2.46, *drop.PercentChange)

	again := env.reconcile(t, observation("V1003", 475000, day(15)))
	assert.False(t, again.PriceRecorded)

	history, err := env.store.ListPriceHistory(ctx, first.ListingID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 475000.0, history[0].Price)

	cur, err := env.analytics.CurrentPrice(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Equal(t, 475000.0, cur.Price)

	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditPriceChange))
	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditSeen))
}

func TestReconcilePercentChange(t *testing.T) {
	env := newTestEnv(t)

	env.reconcile(t, observation("V1004", 500000, day(1)))
	res := env.reconcile(t, observation("V1004", 475000, day(2)))

	assert.Equal(t, -25000.0, *res.PriceDelta)
	assert.Equal(t, -5.0, *res.PercentChange)

	up := env.reconcile(t, observation("V1004", 490000, day(3)))
	assert.Equal(t, models.PriceEventIncrease, up.EventType)
	assert.Equal(t, 15000.0, *up.PriceDelta)
}

func TestReconcileRejectsBackdatedPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1005", 500000, day(10)))

	_, err := env.listings.Reconcile(ctx, observation("V1005", 480000, day(5)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOutOfOrder))

	history, err := env.store.ListPriceHistory(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditOutOfOrderPrice))
	assert.Equal(t, 0, env.auditCount(t, first.ListingID, models.AuditSeen))

	// Same price back-dated writes nothing and is not an error
	res := env.reconcile(t, observation("V1005", 500000, day(5)))
	assert.False(t, res.PriceRecorded)
}

func TestReconcileSoldThenRelist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1006", 500000, day(1)))

	soldObs := observation("V1006", 480000, day(10))
	soldObs.Status = "Sold"
	sold := env.reconcile(t, soldObs)
	assert.True(t, sold.StatusChanged)
	assert.Equal(t, models.StatusSold, sold.Status)
	assert.Equal(t, models.PriceEventSold, sold.EventType)

	listing, err := env.store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)
	assert.False(t, listing.IsActive)

	// Seeing it sold again only refreshes last_seen_at
	seen := env.reconcile(t, soldObs)
	assert.False(t, seen.PriceRecorded)
	assert.False(t, seen.StatusChanged)
	assert.Equal(t, models.StatusSold, seen.Status)

	relist := env.reconcile(t, observation("V1006", 470000, day(20)))
	assert.True(t, relist.Relisted)
	assert.Equal(t, models.StatusActive, relist.Status)
	assert.Equal(t, models.PriceEventDrop, relist.EventType)
	assert.Equal(t, 480000.0, *relist.PreviousPrice)

	listing, err = env.store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)
	assert.True(t, listing.IsActive)

	history, err := env.store.ListPriceHistory(ctx, first.ListingID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.PriceEventSold, history[1].EventType)
	assert.Equal(t, 480000.0, history[1].Price)

	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditRelisted))
	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditStatusChange))
}

func TestReconcileExpiredWritesNoPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1007", 500000, day(1)))
	obs := observation("V1007", 450000, day(5))
	obs.Status = "withdrawn"
	res := env.reconcile(t, obs)

	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.False(t, res.PriceRecorded)
	history, err := env.store.ListPriceHistory(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestReconcileConflictLeavesListingUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1008", 500000, day(1)))

	moved := observation("V1008", 400000, day(2))
	moved.BuildingName = "Hudson Place One"
	moved.Address = "1323 Blanshard Street"
	_, err := env.listings.Reconcile(ctx, moved)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConflict))

	otherUnit := observation("V1008", 400000, day(2))
	otherUnit.UnitNumber = "1201"
	_, err = env.listings.Reconcile(ctx, otherUnit)
	assert.True(t, models.IsKind(err, models.KindConflict))

	history, err := env.store.ListPriceHistory(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 2, env.auditCount(t, first.ListingID, models.AuditConflictDetected))
}

func TestReconcileValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	noPlatform := observation("V1009", 500000, day(1))
	noPlatform.SourcePlatform = ""

	noPrice := observation("V1009", 0, day(1))

	anonymous := &models.Observation{Price: 100, SourcePlatform: "realtor", UnitNumber: "1"}

	badStatus := observation("V1009", 500000, day(1))
	badStatus.Status = "on fire"

	badPhoto := observation("V1009", 500000, day(1))
	badPhoto.PhotoURLs = []string{"not a url"}

	for name, obs := range map[string]*models.Observation{
		"no platform": noPlatform,
		"no price":    noPrice,
		"anonymous":   anonymous,
		"bad status":  badStatus,
		"bad photo":   badPhoto,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.listings.Reconcile(ctx, obs)
			require.Error(t, err)
			assert.True(t, models.IsKind(err, models.KindValidation), err.Error())
		})
	}

	listings, err := env.store.ListListings(ctx, models.ListingFilter{})
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestReconcileFallbackKey(t *testing.T) {
	env := newTestEnv(t)

	obs := observation("", 650000, day(1))
	obs.SourcePlatform = "condodork"
	first := env.reconcile(t, obs)
	require.True(t, first.IsNew)

	obs2 := observation("", 640000, day(2))
	obs2.SourcePlatform = "condodork"
	obs2.BuildingName = "the  JANION"
	second := env.reconcile(t, obs2)
	assert.Equal(t, first.ListingID, second.ListingID)
	assert.False(t, second.IsNew)
	assert.Equal(t, models.PriceEventDrop, second.EventType)

	// A different platform is a different listing
	obs3 := observation("", 640000, day(2))
	obs3.SourcePlatform = "realtor"
	third := env.reconcile(t, obs3)
	assert.NotEqual(t, first.ListingID, third.ListingID)
}

func TestConcurrentReconcileSharesBuilding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	names := []string{"The Janion", "the  janion", "THE JANION", " The Janion "}
	results := make([]*models.ReconcileResult, 8)
	errs := make([]error, 8)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obs := observation(fmt.Sprintf("C%d", i), 400000+float64(i), day(1))
			obs.BuildingName = names[i%len(names)]
			results[i], errs[i] = env.listings.Reconcile(ctx, obs)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
	}
	buildingID := *results[0].BuildingID
	created := 0
	for _, r := range results {
		assert.Equal(t, buildingID, *r.BuildingID)
		if r.BuildingCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	hoods, err := env.store.ListNeighborhoods(ctx)
	require.NoError(t, err)
	assert.Len(t, hoods, 1)
}

func TestReconcileQueuesPhotos(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obs := observation("V1010", 500000, day(1))
	obs.PhotoURLs = []string{
		"https://img.example.com/1.jpg",
		"https://img.example.com/2.jpg",
		"https://img.example.com/1.jpg",
	}
	res := env.reconcile(t, obs)
	assert.Equal(t, 2, res.PhotosQueued)

	n, err := env.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Already known URLs are not queued again
	obs.PhotoURLs = append(obs.PhotoURLs, "https://img.example.com/3.jpg")
	res = env.reconcile(t, obs)
	assert.Equal(t, 1, res.PhotosQueued)

	refs, err := env.store.ListPhotoRefs(ctx, models.OwnerListing, res.ListingID)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{refs[0].DisplayOrder, refs[1].DisplayOrder, refs[2].DisplayOrder})
}

func TestTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1011", 500000, day(1)))

	res, err := env.listings.Transition(ctx, first.ListingID, models.StatusPending, day(2), nil, "")
	require.NoError(t, err)
	assert.True(t, res.StatusChanged)
	assert.Equal(t, models.StatusPending, res.Status)

	salePrice := 495000.0
	res, err = env.listings.Transition(ctx, first.ListingID, models.StatusSold, day(3), &salePrice, "closed")
	require.NoError(t, err)
	assert.Equal(t, models.PriceEventSold, res.EventType)
	assert.Equal(t, -5000.0, *res.PriceDelta)

	_, err = env.listings.Transition(ctx, first.ListingID, models.StatusActive, day(4), nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrIllegalTransition))
	assert.True(t, models.IsKind(err, models.KindConflict))

	_, err = env.listings.Transition(ctx, 9999, models.StatusSold, day(4), nil, "")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	assert.Equal(t, 2, env.auditCount(t, first.ListingID, models.AuditStatusChange))
}

func TestLedgerRecordRejectsTerminalListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1012", 500000, day(1)))

	rec, err := env.ledger.Record(ctx, first.ListingID, 490000, day(2), nil)
	require.NoError(t, err)
	assert.True(t, rec.Recorded)
	assert.Equal(t, models.PriceEventDrop, rec.EventType)

	_, err = env.listings.Transition(ctx, first.ListingID, models.StatusExpired, day(3), nil, "")
	require.NoError(t, err)

	_, err = env.ledger.Record(ctx, first.ListingID, 480000, day(4), nil)
	assert.True(t, errors.Is(err, models.ErrConflict))

	_, err = env.ledger.Record(ctx, 4242, 480000, day(4), nil)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestDeleteListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obs := observation("V1013", 500000, day(1))
	obs.PhotoURLs = []string{"https://img.example.com/a.jpg"}
	first := env.reconcile(t, obs)

	purged, err := env.listings.DeleteListing(ctx, first.ListingID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	listing, err := env.store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Nil(t, listing)
	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditDeleted))

	_, err = env.listings.DeleteListing(ctx, first.ListingID, false)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestProcessStats(t *testing.T) {
	var stats ProcessStats
	stats.Aggregate(&models.ReconcileResult{IsNew: true, PriceRecorded: true, PhotosQueued: 2})
	stats.Aggregate(&models.ReconcileResult{PriceRecorded: true})
	stats.Aggregate(&models.ReconcileResult{Relisted: true, StatusChanged: true})
	stats.Fail(models.NewError(models.KindConflict, "reconcile", "x"))
	stats.Fail(errors.New("disk full"))

	assert.Equal(t, 5, stats.Processed)
	assert.Equal(t, 1, stats.ListingsNew)
	assert.Equal(t, 1, stats.PriceChanges)
	assert.Equal(t, 1, stats.Relisted)
	assert.Equal(t, 2, stats.PhotosQueued)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, 1, stats.Errors)
	assert.Contains(t, string(stats.ToJSON()), `"relisted":1`)
}

func TestRelistObservedAsPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("R1", 500000, day(1)))
	soldObs := observation("R1", 500000, day(2))
	soldObs.Status = "Sold"
	env.reconcile(t, soldObs)

	pending := observation("R1", 500000, day(3))
	pending.Status = "Pending"
	res := env.reconcile(t, pending)
	assert.True(t, res.Relisted)
	assert.True(t, res.StatusChanged)
	assert.Equal(t, models.StatusPending, res.Status)

	listing, err := env.store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, listing.Status)
	assert.True(t, listing.IsActive)
	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditRelisted))

	// Pending after a relist is the ordinary move, so Active is reachable again
	_, err = env.listings.Transition(ctx, first.ListingID, models.StatusActive, day(4), nil, "")
	require.NoError(t, err)
}

func TestTransitionSeesCommittedSale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("R2", 500000, day(1)))
	soldObs := observation("R2", 490000, day(2))
	soldObs.Status = "Sold"
	env.reconcile(t, soldObs)

	_, err := env.listings.Transition(ctx, first.ListingID, models.StatusExpired, day(3), nil, "stale")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrIllegalTransition))

	_, err = env.ledger.Record(ctx, first.ListingID, 480000, day(3), nil)
	assert.True(t, errors.Is(err, models.ErrConflict))

	listing, err := env.store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, listing.Status)

	history, err := env.store.ListPriceHistory(ctx, first.ListingID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.PriceEventSold, history[0].EventType)
}

func TestReconcileFallbackKeyIgnoresCase(t *testing.T) {
	env := newTestEnv(t)

	obs := observation("", 650000, day(1))
	obs.UnitNumber = "PH2"
	obs.SourcePlatform = "CondoDork"
	first := env.reconcile(t, obs)
	require.True(t, first.IsNew)

	obs2 := observation("", 640000, day(2))
	obs2.UnitNumber = " ph2 "
	obs2.SourcePlatform = "condodork"
	second := env.reconcile(t, obs2)
	assert.Equal(t, first.ListingID, second.ListingID)
	assert.False(t, second.IsNew)
	assert.Equal(t, models.PriceEventDrop, second.EventType)

	obs3 := observation("", 640000, day(2))
	obs3.UnitNumber = "PH 2"
	obs3.SourcePlatform = "condodork"
	third := env.reconcile(t, obs3)
	assert.NotEqual(t, first.ListingID, third.ListingID)
}

func TestConcurrentReconcileSameListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 8
	results := make([]*models.ReconcileResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.listings.Reconcile(ctx, observation("R3", 500000-float64(i)*1000, day(1)))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ListingID, results[i].ListingID)
		if results[i].IsNew {
			created++
		}
	}
	assert.Equal(t, 1, created)

	history, err := env.store.ListPriceHistory(ctx, results[0].ListingID)
	require.NoError(t, err)
	require.Len(t, history, n)

	// Oldest first: each row is priced against the one committed before it
	oldest := history[len(history)-1]
	assert.Equal(t, models.PriceEventInitial, oldest.EventType)
	for i := len(history) - 2; i >= 0; i-- {
		prev, cur := history[i+1], history[i]
		assert.Greater(t, cur.ID, prev.ID)
		if cur.Price < prev.Price {
			assert.Equal(t, models.PriceEventDrop, cur.EventType)
		} else {
			assert.Equal(t, models.PriceEventIncrease, cur.EventType)
		}
	}
}

func TestUpdateListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.reconcile(t, observation("V1020", 500000, day(1)))

	beds := 3
	area := 1150.0
	listing, err := env.listings.UpdateListing(ctx, first.ListingID, models.ListingUpdate{Bedrooms: &beds, Area: &area})
	require.NoError(t, err)
	require.NotNil(t, listing.Bedrooms)
	assert.Equal(t, 3, *listing.Bedrooms)
	assert.Equal(t, 1150.0, *listing.Area)
	assert.Equal(t, models.StatusActive, listing.Status)
	assert.Equal(t, 1, env.auditCount(t, first.ListingID, models.AuditManualUpdate))

	history, err := env.store.ListPriceHistory(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = env.listings.UpdateListing(ctx, first.ListingID, models.ListingUpdate{})
	assert.True(t, models.IsKind(err, models.KindValidation))

	badURL := "not a url"
	_, err = env.listings.UpdateListing(ctx, first.ListingID, models.ListingUpdate{SourceURL: &badURL})
	assert.True(t, models.IsKind(err, models.KindValidation))

	_, err = env.listings.UpdateListing(ctx, 9999, models.ListingUpdate{Bedrooms: &beds})
	assert.ErrorIs(t, err, models.ErrNotFound)
}
