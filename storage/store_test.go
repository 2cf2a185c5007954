package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"listing_ledger/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertTestListing(t *testing.T, store *SQLStore, ext string) *models.Listing {
	t.Helper()
	now := time.Now().UTC()
	l := &models.Listing{
		ExternalID:     &ext,
		Status:         models.StatusActive,
		FirstSeenAt:    now,
		LastSeenAt:     now,
		IsActive:       true,
		SourcePlatform: "realtor",
	}
	require.NoError(t, store.InsertListing(context.Background(), l))
	return l
}

func TestRebindSQLite(t *testing.T) {
	got := sqliteDialect.rebind(`SELECT * FROM t WHERE a = $2 AND b = $1 AND c = $10`)
	assert.Equal(t, `SELECT * FROM t WHERE a = ?2 AND b = ?1 AND c = ?10`, got)
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.migrate())
}

func TestInsertNeighborhoodConflictReturnsFalse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	keys := EntityKeys{Name: "downtown", City: "victoria"}

	created, err := store.InsertNeighborhood(ctx, &models.Neighborhood{Name: "Downtown", City: "Victoria"}, keys)
	require.NoError(t, err)
	assert.True(t, created)

	again := &models.Neighborhood{Name: "DOWNTOWN", City: "victoria"}
	created, err = store.InsertNeighborhood(ctx, again, keys)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, again.ID)

	n, err := store.GetNeighborhoodByKey(ctx, "downtown", "victoria")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "Downtown", n.Name)
}

func TestBuildingAmenitiesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	b := &models.Building{Name: "The Janion", Address: "1 Store St", City: "Victoria", Amenities: []string{"gym", "roof deck"}}
	created, err := store.InsertBuilding(ctx, b, EntityKeys{Name: "the janion", City: "victoria", Address: "1 store st"})
	require.NoError(t, err)
	require.True(t, created)

	got, err := store.GetBuildingByAddressKey(ctx, "1 store st")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, []string{"gym", "roof deck"}, got.Amenities)

	missing, err := store.GetBuilding(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDuplicateExternalIDMapsToUniqueViolation(t *testing.T) {
	store := newTestStore(t)
	insertTestListing(t, store, "V100")

	now := time.Now().UTC()
	ext := "V100"
	err := store.InsertListing(context.Background(), &models.Listing{
		ExternalID: &ext, Status: models.StatusActive, FirstSeenAt: now, LastSeenAt: now,
		IsActive: true, SourcePlatform: "realtor",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUniqueViolation))
}

func TestPriceObservationIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := insertTestListing(t, store, "V200")

	p := &models.PriceObservation{ListingID: l.ID, Price: 500000, RecordedDate: models.NewDate(2024, 1, 1), EventType: models.PriceEventInitial}
	require.NoError(t, store.InsertPriceObservation(ctx, p))

	_, err := store.exec(ctx, `UPDATE price_observation SET price = 1 WHERE id = $1`, p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	e := &models.AuditEvent{ListingID: &l.ID, EventType: models.AuditDiscovered}
	require.NoError(t, store.InsertAuditEvent(ctx, e))
	_, err = store.exec(ctx, `DELETE FROM audit_event WHERE id = $1`, e.ID)
	require.Error(t, err)
}

func TestCurrentPriceTieBreaksOnID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := insertTestListing(t, store, "V300")
	day := models.NewDate(2024, 2, 1)

	for _, price := range []float64{500000, 490000} {
		require.NoError(t, store.InsertPriceObservation(ctx, &models.PriceObservation{
			ListingID: l.ID, Price: price, RecordedDate: day, EventType: models.PriceEventDrop,
		}))
	}
	require.NoError(t, store.InsertPriceObservation(ctx, &models.PriceObservation{
		ListingID: l.ID, Price: 510000, RecordedDate: models.NewDate(2024, 1, 1), EventType: models.PriceEventInitial,
	}))

	cur, err := store.GetCurrentPrice(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, 490000.0, cur.Price)
	assert.Equal(t, day, cur.RecordedDate)

	latest, err := store.GetLatestPrice(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 490000.0, latest.Price)

	history, err := store.ListPriceHistory(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 490000.0, history[0].Price)
	assert.Equal(t, 510000.0, history[2].Price)
}

func TestDeleteListingCascadesLedger(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := insertTestListing(t, store, "V400")
	require.NoError(t, store.InsertPriceObservation(ctx, &models.PriceObservation{
		ListingID: l.ID, Price: 1, RecordedDate: models.NewDate(2024, 1, 1), EventType: models.PriceEventInitial,
	}))

	deleted, err := store.DeleteListing(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	history, err := store.ListPriceHistory(ctx, l.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPhotoClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := insertTestListing(t, store, "V500")

	ref := &models.PhotoRef{OwnerKind: models.OwnerListing, OwnerID: l.ID, SourceURL: "http://x/1.jpg", DisplayOrder: 1}
	created, err := store.InsertPhotoRef(ctx, ref)
	require.NoError(t, err)
	require.True(t, created)

	dup := &models.PhotoRef{OwnerKind: models.OwnerListing, OwnerID: l.ID, SourceURL: "http://x/1.jpg", DisplayOrder: 2}
	created, err = store.InsertPhotoRef(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	claimed, err := store.ClaimPhotoRef(ctx, ref.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.PhotoStatusFetching, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	again, err := store.ClaimPhotoRef(ctx, ref.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, again)

	ok, err := store.MarkPhotoFetched(ctx, ref.ID, "listings/1/01.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkPhotoFetched(ctx, ref.ID, "listings/1/01.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseStaleClaims(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := insertTestListing(t, store, "V600")

	ref := &models.PhotoRef{OwnerKind: models.OwnerListing, OwnerID: l.ID, SourceURL: "http://x/2.jpg", DisplayOrder: 1}
	_, err := store.InsertPhotoRef(ctx, ref)
	require.NoError(t, err)
	_, err = store.ClaimPhotoRef(ctx, ref.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	n, err := store.ReleaseStaleClaims(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := store.ListPendingPhotoRefs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ref.ID, pending[0].ID)
}

func TestDeleteOrphanedPhotoRefs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	kept := insertTestListing(t, store, "V700")
	gone := insertTestListing(t, store, "V701")

	for _, owner := range []int64{kept.ID, gone.ID} {
		_, err := store.InsertPhotoRef(ctx, &models.PhotoRef{
			OwnerKind: models.OwnerListing, OwnerID: owner, SourceURL: "http://x/a.jpg", DisplayOrder: 1,
		})
		require.NoError(t, err)
	}
	_, err := store.DeleteListing(ctx, gone.ID)
	require.NoError(t, err)

	removed, err := store.DeleteOrphanedPhotoRefs(ctx)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, gone.ID, removed[0].OwnerID)

	refs, err := store.ListPhotoRefs(ctx, models.OwnerListing, kept.ID)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestCommandsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.InsertCommand(ctx, models.CmdExpireStale, models.CommandParams{Stale: "48h"})
	require.NoError(t, err)

	cmds, err := store.GetPendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CmdExpireStale, cmds[0].Command)
	assert.True(t, strings.Contains(string(cmds[0].Params), "48h"))

	require.NoError(t, store.MarkCommandProcessed(ctx, id))
	cmds, err = store.GetPendingCommands(ctx)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestLocalAssetStore(t *testing.T) {
	ctx := context.Background()
	assets, err := NewLocalAssetStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, assets.Put(ctx, "listings/1/01.jpg", strings.NewReader("jpeg"), "image/jpeg"))
	require.NoError(t, assets.Put(ctx, "historical_sales/2/01.png", strings.NewReader("png"), "image/png"))

	list, err := assets.List(ctx, "listings/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "listings/1/01.jpg", list[0].Key)
	assert.Equal(t, int64(4), list[0].Size)

	require.NoError(t, assets.Delete(ctx, "listings/1/01.jpg"))
	require.NoError(t, assets.Delete(ctx, "listings/1/01.jpg"))

	list, err = assets.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Error(t, assets.Put(ctx, "../escape.jpg", strings.NewReader("x"), "image/jpeg"))
}
