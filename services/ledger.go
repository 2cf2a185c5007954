package services

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/storage"
)

// LedgerTx is the slice of a store transaction the ledger writes through
type LedgerTx interface {
	GetLatestPrice(ctx context.Context, listingID int64) (*models.PriceObservation, error)
	InsertPriceObservation(ctx context.Context, p *models.PriceObservation) error
}

// LedgerService appends price observations. Rows are never updated.
type LedgerService struct {
	store *storage.SQLStore
}

// NewLedgerService creates a new LedgerService
func NewLedgerService(store *storage.SQLStore) *LedgerService {
	return &LedgerService{store: store}
}

// RecordPrice appends a row when the price differs from the current one or
// the listing has no ledger yet. An unchanged price records nothing.
func (s *LedgerService) RecordPrice(ctx context.Context, tx LedgerTx, listingID int64, price float64, date models.Date, notes *string) (*models.PriceRecord, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, models.NewError(models.KindValidation, "record price", "price must be positive, got %v", price)
	}
	if date.IsZero() {
		date = models.Today()
	}

	latest, err := tx.GetLatestPrice(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("record price: %w", err)
	}

	if latest == nil {
		obs := &models.PriceObservation{
			ListingID:    listingID,
			Price:        price,
			RecordedDate: date,
			EventType:    models.PriceEventInitial,
			Notes:        notes,
		}
		if err := tx.InsertPriceObservation(ctx, obs); err != nil {
			return nil, err
		}
		return &models.PriceRecord{Recorded: true, EventType: obs.EventType, Observation: obs}, nil
	}

	if latest.Price == price {
		return &models.PriceRecord{Recorded: false}, nil
	}
	if date.Before(latest.RecordedDate) {
		return nil, models.NewError(models.KindOutOfOrder, "record price",
			"%.2f on %s is older than current %.2f on %s", price, date, latest.Price, latest.RecordedDate)
	}

	eventType := models.PriceEventDrop
	if price > latest.Price {
		eventType = models.PriceEventIncrease
	}
	obs := &models.PriceObservation{
		ListingID:    listingID,
		Price:        price,
		RecordedDate: date,
		EventType:    eventType,
		Notes:        notes,
	}
	if err := tx.InsertPriceObservation(ctx, obs); err != nil {
		return nil, err
	}

	rec := priceChange(latest.Price, price)
	rec.Recorded = true
	rec.EventType = eventType
	rec.Observation = obs
	return rec, nil
}

// RecordFinal appends the Sold or Delisted row of a status transition. A nil
// price repeats the current one; with no ledger and no price nothing is written.
func (s *LedgerService) RecordFinal(ctx context.Context, tx LedgerTx, listingID int64, eventType models.PriceEventType, price *float64, date models.Date, notes *string) (*models.PriceRecord, error) {
	if eventType != models.PriceEventSold && eventType != models.PriceEventDelisted {
		return nil, fmt.Errorf("record final: unexpected event type %s", eventType)
	}
	if date.IsZero() {
		date = models.Today()
	}

	latest, err := tx.GetLatestPrice(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("record final: %w", err)
	}

	var amount float64
	switch {
	case price != nil:
		amount = *price
	case latest != nil:
		amount = latest.Price
	default:
		return &models.PriceRecord{Recorded: false}, nil
	}
	if amount <= 0 {
		return nil, models.NewError(models.KindValidation, "record final", "price must be positive, got %v", amount)
	}
	if latest != nil && date.Before(latest.RecordedDate) {
		return nil, models.NewError(models.KindOutOfOrder, "record final",
			"%s on %s is older than current price on %s", eventType, date, latest.RecordedDate)
	}

	obs := &models.PriceObservation{
		ListingID:    listingID,
		Price:        amount,
		RecordedDate: date,
		EventType:    eventType,
		Notes:        notes,
	}
	if err := tx.InsertPriceObservation(ctx, obs); err != nil {
		return nil, err
	}

	rec := &models.PriceRecord{}
	if latest != nil {
		rec = priceChange(latest.Price, amount)
	}
	rec.Recorded = true
	rec.EventType = eventType
	rec.Observation = obs
	return rec, nil
}

// Record is the standalone ledger append for an existing listing. Terminal
// listings accept no further prices.
func (s *LedgerService) Record(ctx context.Context, listingID int64, price float64, date models.Date, notes *string) (*models.PriceRecord, error) {
	var rec *models.PriceRecord
	err := s.store.InTx(ctx, func(tx *storage.SQLTx) error {
		listing, err := lockListing(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return models.NewError(models.KindNotFound, "record price", "listing %d", listingID)
		}
		if listing.Status.IsTerminal() {
			return models.NewError(models.KindConflict, "record price", "listing %d is %s", listingID, listing.Status)
		}

		rec, err = s.RecordPrice(ctx, tx, listingID, price, date, notes)
		if err != nil {
			return err
		}
		if rec.Recorded {
			return tx.InsertAuditEvent(ctx, &models.AuditEvent{
				ListingID: &listingID,
				EventType: models.AuditPriceChange,
				Details:   priceDetails(rec),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rec.Recorded {
		logging.Logger.WithFields(logrus.Fields{
			"listing_id": listingID,
			"event_type": rec.EventType,
		}).Infof("Recorded price %.2f", price)
	}
	return rec, nil
}

// priceChange computes delta and percent change against the preceding price
func priceChange(prev, next float64) *models.PriceRecord {
	delta := round2(next - prev)
	rec := &models.PriceRecord{PreviousPrice: &prev, Delta: &delta}
	if prev != 0 {
		pct := round2((next - prev) / prev * 100)
		rec.PercentChange = &pct
	}
	return rec
}

func priceDetails(rec *models.PriceRecord) string {
	if rec.Observation == nil {
		return ""
	}
	if rec.PreviousPrice == nil {
		return fmt.Sprintf("%s %.2f", rec.EventType, rec.Observation.Price)
	}
	details := fmt.Sprintf("%s %.2f -> %.2f", rec.EventType, *rec.PreviousPrice, rec.Observation.Price)
	if rec.PercentChange != nil {
		details += fmt.Sprintf(" (%+.2f%%)", *rec.PercentChange)
	}
	return details
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
