package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/storage"
)

// Accepted sale_date layouts, tried in order
var saleDateLayouts = []string{"2006-01-02", "01/02/2006", "02/01/2006", "01-02-2006"}

// HistoricalSaleService imports past sales through the same resolver as listings
type HistoricalSaleService struct {
	store    *storage.SQLStore
	resolver *Resolver
	media    *MediaService
}

// NewHistoricalSaleService creates a new HistoricalSaleService
func NewHistoricalSaleService(store *storage.SQLStore, resolver *Resolver, media *MediaService) *HistoricalSaleService {
	return &HistoricalSaleService{store: store, resolver: resolver, media: media}
}

type rowError struct {
	reason string
	msg    string
}

func (e *rowError) Error() string {
	return e.msg
}

// Import stores each row in its own transaction. Bad rows are reported in
// the returned report and never stop the batch.
func (s *HistoricalSaleService) Import(ctx context.Context, rows []map[string]string, source string) (*models.ImportReport, error) {
	if source == "" {
		source = "CSV Import"
	}
	report := &models.ImportReport{
		BatchID:  uuid.New(),
		Source:   source,
		Total:    len(rows),
		Failures: []models.RowFailure{},
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sale, desc, photos, rerr := parseSaleRow(row)
		if rerr == nil {
			sale.DataSource = source
			sale.ImportBatch = report.BatchID.String()
			rerr = s.storeSale(ctx, sale, desc, photos)
		}
		if rerr != nil {
			report.Failures = append(report.Failures, models.RowFailure{Row: i + 1, Reason: rerr.reason, Message: rerr.msg})
			continue
		}
		report.Imported++
	}

	logging.Logger.Infof("Imported %d/%d historical sales (batch %s, %d failed)",
		report.Imported, report.Total, report.BatchID, len(report.Failures))
	return report, nil
}

// DeleteSale removes one imported sale. Its photos are purged now when
// purgePhotos is set, otherwise by the next orphan purge.
func (s *HistoricalSaleService) DeleteSale(ctx context.Context, saleID int64, purgePhotos bool) (int, error) {
	deleted, err := s.store.DeleteHistoricalSale(ctx, saleID)
	if err != nil {
		return 0, err
	}
	if !deleted {
		return 0, models.NewError(models.KindNotFound, "delete sale", "historical sale %d", saleID)
	}
	logging.Logger.WithField("sale_id", saleID).Info("Deleted historical sale")

	if !purgePhotos || s.media == nil {
		return 0, nil
	}
	return s.media.Purge(ctx, models.OwnerHistoricalSale, saleID)
}

func (s *HistoricalSaleService) storeSale(ctx context.Context, sale *models.HistoricalSale, desc models.BuildingDescriptor, photos []string) *rowError {
	var refs []models.PhotoRef
	err := s.store.InTx(ctx, func(tx *storage.SQLTx) error {
		res, err := s.resolver.ResolveBuilding(ctx, tx, desc)
		if err != nil {
			return err
		}
		sale.BuildingID = &res.Entity.ID
		if err := tx.InsertHistoricalSale(ctx, sale); err != nil {
			return err
		}
		if len(photos) > 0 && s.media != nil {
			refs, err = s.media.EnqueueTx(ctx, tx, models.OwnerHistoricalSale, sale.ID, photos)
		}
		return err
	})
	if err != nil {
		if models.IsKind(err, models.KindValidation) {
			return &rowError{reason: models.ReasonValidation, msg: err.Error()}
		}
		return &rowError{reason: models.ReasonStorage, msg: err.Error()}
	}
	if s.media != nil {
		s.media.Dispatch(ctx, refs)
	}
	return nil
}

func parseSaleRow(row map[string]string) (*models.HistoricalSale, models.BuildingDescriptor, []string, *rowError) {
	get := func(key string) string {
		return strings.TrimSpace(row[key])
	}
	for _, key := range []string{"building_name", "address", "sale_price", "sale_date"} {
		if get(key) == "" {
			return nil, models.BuildingDescriptor{}, nil, &rowError{reason: models.ReasonMissingField, msg: key + " is required"}
		}
	}

	priceStr := strings.NewReplacer("$", "", ",", "").Replace(get("sale_price"))
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || price <= 0 {
		return nil, models.BuildingDescriptor{}, nil, &rowError{reason: models.ReasonInvalidPrice, msg: fmt.Sprintf("invalid sale_price %q", get("sale_price"))}
	}

	date, ok := parseSaleDate(get("sale_date"))
	if !ok {
		return nil, models.BuildingDescriptor{}, nil, &rowError{reason: models.ReasonInvalidDate, msg: fmt.Sprintf("invalid sale_date %q", get("sale_date"))}
	}

	area := parseFloat(get("area"))
	if area == nil {
		area = parseFloat(get("square_feet"))
	}
	sale := &models.HistoricalSale{
		UnitNumber:   optString(get("unit_number")),
		SalePrice:    price,
		SaleDate:     date,
		Bedrooms:     parseInt(get("bedrooms")),
		Bathrooms:    parseFloat(get("bathrooms")),
		Area:         area,
		PropertyType: optString(get("property_type")),
		DaysOnMarket: parseInt(get("days_on_market")),
		Notes:        optString(get("notes")),
	}
	desc := models.BuildingDescriptor{
		Name:         get("building_name"),
		Address:      get("address"),
		City:         get("city"),
		Neighborhood: get("neighborhood"),
	}

	var photos []string
	for _, u := range strings.Split(get("photos"), "|") {
		if u = strings.TrimSpace(u); u != "" {
			photos = append(photos, u)
		}
	}
	return sale, desc, photos, nil
}

func parseSaleDate(s string) (models.Date, bool) {
	for _, layout := range saleDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return models.DateOf(t), true
		}
	}
	return models.Date{}, false
}

// parseInt accepts "2" and "2.0"; anything else is treated as missing
func parseInt(s string) *int {
	f := parseFloat(s)
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
