package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"listing_ledger/models"
)

type fakeReconciler struct {
	seen []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, obs *models.Observation) (*models.ReconcileResult, error) {
	f.seen = append(f.seen, obs.ExternalID)
	if obs.Price <= 0 {
		return nil, models.NewError(models.KindValidation, "reconcile", "price must be positive")
	}
	return &models.ReconcileResult{ListingID: int64(len(f.seen)), IsNew: true, PriceRecorded: true}, nil
}

func TestIngestJSONLines(t *testing.T) {
	input := strings.Join([]string{
		`{"external_id":"A1","building_name":"The Janion","address":"1610 Store St","price":500000,"recorded_date":"2024-03-01","source_platform":"realtor"}`,
		``,
		`# exported 2024-03-02`,
		`{"external_id":"A2","price":0,"recorded_date":"2024-03-01","source_platform":"realtor"}`,
		`{not json`,
		`{"external_id":"A3","price":1,"recorded_date":"2024-03-01T10:00:00Z","source_platform":"realtor"}`,
	}, "\n")

	r := &fakeReconciler{}
	stats, err := ingestJSONLines(context.Background(), r, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2", "A3"}, r.seen)
	assert.Equal(t, 4, stats.Processed)
	assert.Equal(t, 2, stats.ListingsNew)
	assert.Equal(t, 2, stats.Invalid)
}

func TestReadCSVRows(t *testing.T) {
	input := "\ufeffBuilding_Name, Sale_Price ,sale_date,notes\n" +
		"The Janion,\"$455,000\",2023-06-01,corner unit\n" +
		"Hudson Place,612000,06/15/2023\n"

	rows, err := readCSVRows(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "The Janion", rows[0]["building_name"])
	assert.Equal(t, "$455,000", rows[0]["sale_price"])
	assert.Equal(t, "corner unit", rows[0]["notes"])
	assert.Equal(t, "06/15/2023", rows[1]["sale_date"])
	assert.Empty(t, rows[1]["notes"])

	rows, err = readCSVRows(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMaskConnectionString(t *testing.T) {
	assert.Equal(t, "postgres://ledger:****@db:5432/ledger", maskConnectionString("postgres://ledger:s3cret@db:5432/ledger"))
	assert.Equal(t, "ledger.db", maskConnectionString("ledger.db"))
	assert.Equal(t, "redis://localhost:6379/0", maskConnectionString("redis://localhost:6379/0"))
}
