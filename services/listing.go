package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"listing_ledger/identity"
	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/storage"
)

var observationValidate = validator.New()

// ListingService reconciles observations into listings, the price ledger
// and the audit trail
type ListingService struct {
	store    *storage.SQLStore
	resolver *Resolver
	ledger   *LedgerService
	media    *MediaService
}

// NewListingService creates a new ListingService
func NewListingService(store *storage.SQLStore, resolver *Resolver, ledger *LedgerService, media *MediaService) *ListingService {
	return &ListingService{
		store:    store,
		resolver: resolver,
		ledger:   ledger,
		media:    media,
	}
}

// reconcileOutcome carries what one attempt produced. note is written after
// rollback when the attempt was rejected.
type reconcileOutcome struct {
	result *models.ReconcileResult
	photos []models.PhotoRef
	note   *models.AuditEvent
}

// Reconcile folds one observation into the store. Repeating the same
// observation changes nothing but last_seen_at and adds a Seen event.
func (s *ListingService) Reconcile(ctx context.Context, obs *models.Observation) (*models.ReconcileResult, error) {
	status, err := validateObservation(obs)
	if err != nil {
		return nil, err
	}

	out, err := s.reconcileOnce(ctx, obs, status)
	if errors.Is(err, storage.ErrUniqueViolation) {
		// A concurrent writer created the listing first; the second pass finds it
		out, err = s.reconcileOnce(ctx, obs, status)
	}
	if err != nil {
		if out.note != nil {
			if nerr := s.store.InsertAuditEvent(ctx, out.note); nerr != nil {
				logging.Logger.Errorf("Failed to record %s note: %v", out.note.EventType, nerr)
			}
		}
		return nil, err
	}

	s.media.Dispatch(ctx, out.photos)

	r := out.result
	logging.Logger.WithFields(logrus.Fields{
		"listing_id":  r.ListingID,
		"external_id": obs.ExternalID,
		"status":      r.Status,
		"event_type":  r.EventType,
	}).Debug("Reconciled observation")
	return r, nil
}

func (s *ListingService) reconcileOnce(ctx context.Context, obs *models.Observation, status models.ListingStatus) (reconcileOutcome, error) {
	var out reconcileOutcome
	result := &models.ReconcileResult{}
	now := time.Now().UTC()
	date := obs.RecordedDate
	if date.IsZero() {
		date = models.Today()
	}
	ext := strings.TrimSpace(obs.ExternalID)
	unit := identity.CleanUnit(obs.UnitNumber)
	notes := optString(obs.Notes)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	// 1. Resolve building
	var building *models.Building
	if strings.TrimSpace(obs.BuildingName) != "" || strings.TrimSpace(obs.Address) != "" {
		res, err := s.resolver.ResolveBuilding(ctx, tx, models.BuildingDescriptor{
			Name:         obs.BuildingName,
			Address:      obs.Address,
			City:         obs.City,
			Neighborhood: obs.NeighborhoodName,
		})
		if err != nil {
			return out, err
		}
		building = res.Entity
		result.BuildingID = &building.ID
		result.BuildingCreated = res.Created()
	}
	var buildingID int64
	if building != nil {
		buildingID = building.ID
	}

	// 2. Serialize on the listing key, then find the listing
	if err := tx.LockKey(ctx, identity.ListingKey(ext, buildingID, unit, obs.SourcePlatform)); err != nil {
		return out, err
	}

	var listing *models.Listing
	switch {
	case ext != "":
		listing, err = tx.GetListingByExternalID(ctx, ext)
	case building != nil:
		listing, err = tx.GetListingByFallbackKey(ctx, building.ID, unit, obs.SourcePlatform)
	}
	if err != nil {
		return out, err
	}

	// 3. New listing
	if listing == nil {
		listing = &models.Listing{
			ExternalID:     optString(ext),
			UnitNumber:     optString(unit),
			Status:         models.StatusActive,
			Bedrooms:       obs.Bedrooms,
			Bathrooms:      obs.Bathrooms,
			Area:           obs.Area,
			PropertyType:   optString(obs.PropertyType),
			ListingDate:    obs.ListingDate,
			FirstSeenAt:    now,
			LastSeenAt:     now,
			IsActive:       true,
			SourcePlatform: obs.SourcePlatform,
			SourceURL:      optString(obs.SourceURL),
		}
		if building != nil {
			listing.BuildingID = &building.ID
		}
		if err := tx.InsertListing(ctx, listing); err != nil {
			return out, err
		}
		result.IsNew = true

		rec, err := s.ledger.RecordPrice(ctx, tx, listing.ID, obs.Price, date, notes)
		if err != nil {
			return out, err
		}
		applyPriceRecord(result, rec)

		if status != models.StatusActive {
			if err := s.applyStatus(ctx, tx, listing, status, obs.Price, date, notes, result); err != nil {
				return out, err
			}
			if err := tx.UpdateListingStatus(ctx, listing.ID, listing.Status, listing.IsActive); err != nil {
				return out, err
			}
		}
	} else {
		// 4. Existing listing
		if reason := conflictReason(listing, building, unit); reason != "" {
			out.note = &models.AuditEvent{
				ListingID: &listing.ID,
				EventType: models.AuditConflictDetected,
				Details:   reason,
			}
			return out, models.NewError(models.KindConflict, "reconcile", "listing %d: %s", listing.ID, reason)
		}

		prev := listing.Status
		switch {
		case prev.IsTerminal() && !status.IsTerminal():
			// Relist: a finished session appears again for sale
			listing.Status = models.StatusActive
			listing.IsActive = true
			result.Relisted = true
			result.StatusChanged = true
			rec, err := s.ledger.RecordPrice(ctx, tx, listing.ID, obs.Price, date, notes)
			if err != nil {
				out.note = outOfOrderNote(listing.ID, err)
				return out, err
			}
			applyPriceRecord(result, rec)
			if status != models.StatusActive {
				if err := s.applyStatus(ctx, tx, listing, status, obs.Price, date, notes, result); err != nil {
					return out, err
				}
			}

		case prev.IsTerminal():
			// Terminal sightings only refresh last_seen_at

		default:
			if err := s.applyStatus(ctx, tx, listing, status, obs.Price, date, notes, result); err != nil {
				out.note = outOfOrderNote(listing.ID, err)
				return out, err
			}
		}

		if !prev.IsTerminal() || result.Relisted {
			listing.Bedrooms = obs.Bedrooms
			listing.Bathrooms = obs.Bathrooms
			listing.Area = obs.Area
			listing.PropertyType = optString(obs.PropertyType)
			listing.ListingDate = obs.ListingDate
			listing.SourceURL = optString(obs.SourceURL)
		} else {
			listing.Bedrooms, listing.Bathrooms, listing.Area = nil, nil, nil
			listing.PropertyType, listing.ListingDate, listing.SourceURL = nil, nil, nil
		}
		listing.UnitNumber = optString(unit)
		if listing.BuildingID == nil && building != nil {
			listing.BuildingID = &building.ID
		}
		listing.LastSeenAt = now
		if err := tx.UpdateListingSighting(ctx, listing); err != nil {
			return out, err
		}
	}

	// 5. Photo intents
	if len(obs.PhotoURLs) > 0 && !listing.Status.IsTerminal() {
		refs, err := s.media.EnqueueTx(ctx, tx, models.OwnerListing, listing.ID, obs.PhotoURLs)
		if err != nil {
			return out, err
		}
		out.photos = refs
		result.PhotosQueued = len(refs)
	}

	// 6. Exactly one audit event
	if err := tx.InsertAuditEvent(ctx, auditFor(listing, result, obs)); err != nil {
		return out, err
	}

	if err := tx.Commit(); err != nil {
		return out, err
	}

	result.ListingID = listing.ID
	result.Status = listing.Status
	out.result = result
	return out, nil
}

// applyStatus moves a non-terminal listing to status, writing the ledger row
// the move requires. For Active and Pending the observed price is recorded.
func (s *ListingService) applyStatus(ctx context.Context, tx *storage.SQLTx, listing *models.Listing, status models.ListingStatus, price float64, date models.Date, notes *string, result *models.ReconcileResult) error {
	if !models.CanTransition(listing.Status, status) {
		return &models.Error{
			Kind:    models.KindConflict,
			Op:      "reconcile",
			Message: fmt.Sprintf("%s -> %s", listing.Status, status),
			Err:     models.ErrIllegalTransition,
		}
	}

	switch status {
	case models.StatusSold:
		rec, err := s.ledger.RecordFinal(ctx, tx, listing.ID, models.PriceEventSold, &price, date, notes)
		if err != nil {
			return err
		}
		applyPriceRecord(result, rec)
	case models.StatusExpired, models.StatusCancelled:
		// no price write
	default:
		if !result.IsNew {
			rec, err := s.ledger.RecordPrice(ctx, tx, listing.ID, price, date, notes)
			if err != nil {
				return err
			}
			applyPriceRecord(result, rec)
		}
	}

	if listing.Status != status {
		result.StatusChanged = true
	}
	listing.Status = status
	listing.IsActive = !status.IsTerminal()
	return nil
}

// Transition applies an explicit status change to a listing. Moving to Sold
// records the sale price, or repeats the current price when none is given.
// Expired and Cancelled write a Delisted row only when a price is given.
func (s *ListingService) Transition(ctx context.Context, listingID int64, to models.ListingStatus, date models.Date, price *float64, notes string) (*models.ReconcileResult, error) {
	return s.transition(ctx, listingID, to, date, price, notes, nil)
}

// transition is Transition with an optional precondition checked against the
// listing as read under its lock. A listing that fails it is left untouched.
func (s *ListingService) transition(ctx context.Context, listingID int64, to models.ListingStatus, date models.Date, price *float64, notes string, proceed func(*models.Listing) bool) (*models.ReconcileResult, error) {
	if !to.Valid() {
		return nil, models.NewError(models.KindValidation, "transition", "unknown status %q", to)
	}
	result := &models.ReconcileResult{ListingID: listingID}

	err := s.store.InTx(ctx, func(tx *storage.SQLTx) error {
		listing, err := lockListing(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return models.NewError(models.KindNotFound, "transition", "listing %d", listingID)
		}

		from := listing.Status
		result.Status = from
		result.BuildingID = listing.BuildingID
		if from == to || (proceed != nil && !proceed(listing)) {
			return nil
		}
		if !models.CanTransition(from, to) {
			return &models.Error{
				Kind:    models.KindConflict,
				Op:      "transition",
				Message: fmt.Sprintf("listing %d: %s -> %s", listingID, from, to),
				Err:     models.ErrIllegalTransition,
			}
		}

		var rec *models.PriceRecord
		switch to {
		case models.StatusSold:
			rec, err = s.ledger.RecordFinal(ctx, tx, listingID, models.PriceEventSold, price, date, optString(notes))
		case models.StatusExpired, models.StatusCancelled:
			if price != nil {
				rec, err = s.ledger.RecordFinal(ctx, tx, listingID, models.PriceEventDelisted, price, date, optString(notes))
			}
		}
		if err != nil {
			return err
		}
		if rec != nil {
			applyPriceRecord(result, rec)
		}

		if err := tx.UpdateListingStatus(ctx, listingID, to, !to.IsTerminal()); err != nil {
			return err
		}
		details := fmt.Sprintf("%s -> %s", from, to)
		if notes != "" {
			details += ": " + notes
		}
		if err := tx.InsertAuditEvent(ctx, &models.AuditEvent{
			ListingID: &listingID,
			EventType: models.AuditStatusChange,
			Details:   details,
		}); err != nil {
			return err
		}
		result.Status = to
		result.StatusChanged = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.StatusChanged {
		logging.Logger.WithField("listing_id", listingID).Infof("Listing moved to %s", to)
	}
	return result, nil
}

// UpdateListing corrects descriptive attributes by hand. Status and price
// only change through Reconcile, Transition and the ledger.
func (s *ListingService) UpdateListing(ctx context.Context, listingID int64, u models.ListingUpdate) (*models.Listing, error) {
	if err := observationValidate.Struct(u); err != nil {
		return nil, validationError("update listing", err)
	}
	fields := u.Fields()
	if len(fields) == 0 {
		return nil, models.NewError(models.KindValidation, "update listing", "no fields to update")
	}

	var updated *models.Listing
	err := s.store.InTx(ctx, func(tx *storage.SQLTx) error {
		listing, err := lockListing(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return models.NewError(models.KindNotFound, "update listing", "listing %d", listingID)
		}
		if err := tx.UpdateListingAttributes(ctx, listingID, u); err != nil {
			return err
		}
		if err := tx.InsertAuditEvent(ctx, &models.AuditEvent{
			ListingID: &listingID,
			EventType: models.AuditManualUpdate,
			Details:   "Updated " + strings.Join(fields, ", "),
		}); err != nil {
			return err
		}
		updated, err = tx.GetListing(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteListing removes a listing and its ledger. Photos are purged now when
// purgePhotos is set, otherwise by the next orphan purge.
func (s *ListingService) DeleteListing(ctx context.Context, listingID int64, purgePhotos bool) (int, error) {
	deleted, err := s.store.DeleteListing(ctx, listingID)
	if err != nil {
		return 0, err
	}
	if !deleted {
		return 0, models.NewError(models.KindNotFound, "delete listing", "listing %d", listingID)
	}

	if err := s.store.InsertAuditEvent(ctx, &models.AuditEvent{
		ListingID: &listingID,
		EventType: models.AuditDeleted,
		Details:   fmt.Sprintf("Deleted listing %d", listingID),
	}); err != nil {
		logging.Logger.Warnf("Failed to record deletion of listing %d: %v", listingID, err)
	}

	if !purgePhotos {
		return 0, nil
	}
	return s.media.Purge(ctx, models.OwnerListing, listingID)
}

// validateObservation checks struct constraints and parses the status
func validateObservation(obs *models.Observation) (models.ListingStatus, error) {
	if obs == nil {
		return "", models.NewError(models.KindValidation, "reconcile", "observation is nil")
	}
	if err := observationValidate.Struct(obs); err != nil {
		return "", validationError("reconcile", err)
	}
	if !obs.Identifiable() {
		return "", models.NewError(models.KindValidation, "reconcile", "observation has no external id, building name or address")
	}
	status, err := models.ParseStatus(obs.Status)
	if err != nil {
		return "", models.WrapError(models.KindValidation, "reconcile", err)
	}
	return status, nil
}

func validationError(op string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		return models.NewError(models.KindValidation, op, "invalid fields: %s", strings.Join(fields, ", "))
	}
	return models.WrapError(models.KindValidation, op, err)
}

// conflictReason reports an immutable-field mismatch between a stored
// listing and the observation, or "" when they agree
func conflictReason(listing *models.Listing, building *models.Building, unit string) string {
	if listing.BuildingID != nil && building != nil && *listing.BuildingID != building.ID {
		return fmt.Sprintf("bound to building %d, observed in building %d", *listing.BuildingID, building.ID)
	}
	if listing.UnitNumber != nil && *listing.UnitNumber != "" && unit != "" &&
		identity.NormalizeName(*listing.UnitNumber) != identity.NormalizeName(unit) {
		return fmt.Sprintf("bound to unit %q, observed as unit %q", *listing.UnitNumber, unit)
	}
	return ""
}

func outOfOrderNote(listingID int64, err error) *models.AuditEvent {
	if !models.IsKind(err, models.KindOutOfOrder) {
		return nil
	}
	return &models.AuditEvent{
		ListingID: &listingID,
		EventType: models.AuditOutOfOrderPrice,
		Details:   err.Error(),
	}
}

func auditFor(listing *models.Listing, r *models.ReconcileResult, obs *models.Observation) *models.AuditEvent {
	e := &models.AuditEvent{ListingID: &listing.ID}
	switch {
	case r.IsNew:
		e.EventType = models.AuditDiscovered
		e.Details = fmt.Sprintf("Found on %s", obs.SourcePlatform)
	case r.Relisted:
		e.EventType = models.AuditRelisted
		e.Details = fmt.Sprintf("Relisted as %s on %s", listing.Status, obs.SourcePlatform)
	case r.StatusChanged:
		e.EventType = models.AuditStatusChange
		e.Details = fmt.Sprintf("Now %s", listing.Status)
		if r.PriceRecorded {
			e.Details += fmt.Sprintf(" at %.2f", obs.Price)
		}
	case r.PriceRecorded:
		e.EventType = models.AuditPriceChange
		e.Details = fmt.Sprintf("%s %.2f", r.EventType, obs.Price)
		if r.PreviousPrice != nil {
			e.Details = fmt.Sprintf("%s %.2f -> %.2f", r.EventType, *r.PreviousPrice, obs.Price)
		}
	default:
		e.EventType = models.AuditSeen
		e.Details = fmt.Sprintf("Seen on %s", obs.SourcePlatform)
	}
	return e
}

func applyPriceRecord(result *models.ReconcileResult, rec *models.PriceRecord) {
	if rec == nil || !rec.Recorded {
		return
	}
	result.PriceRecorded = true
	result.EventType = rec.EventType
	result.PreviousPrice = rec.PreviousPrice
	result.PriceDelta = rec.Delta
	result.PercentChange = rec.PercentChange
}

func listingLockKey(l *models.Listing) string {
	return identity.ListingKey(derefString(l.ExternalID), derefInt64(l.BuildingID), derefString(l.UnitNumber), l.SourcePlatform)
}

// lockListing takes the listing's serialization lock and returns the listing
// as committed under it. Decisions must use this row, never an earlier read.
func lockListing(ctx context.Context, tx *storage.SQLTx, listingID int64) (*models.Listing, error) {
	listing, err := tx.GetListing(ctx, listingID)
	if err != nil || listing == nil {
		return listing, err
	}
	key := listingLockKey(listing)
	for {
		if err := tx.LockKey(ctx, key); err != nil {
			return nil, err
		}
		listing, err = tx.GetListing(ctx, listingID)
		if err != nil || listing == nil {
			return listing, err
		}
		// A fallback-keyed listing may have gained its building or unit meanwhile
		next := listingLockKey(listing)
		if next == key {
			return listing, nil
		}
		key = next
	}
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// ProcessStats tracks aggregate statistics for an ingest batch
type ProcessStats struct {
	Processed     int
	ListingsNew   int
	Relisted      int
	PriceChanges  int
	StatusChanges int
	PhotosQueued  int
	Conflicts     int
	OutOfOrder    int
	Invalid       int
	Errors        int
}

// Aggregate adds a ReconcileResult to the stats
func (s *ProcessStats) Aggregate(r *models.ReconcileResult) {
	s.Processed++
	if r.IsNew {
		s.ListingsNew++
	}
	if r.Relisted {
		s.Relisted++
	}
	if r.PriceRecorded && !r.IsNew {
		s.PriceChanges++
	}
	if r.StatusChanged {
		s.StatusChanges++
	}
	s.PhotosQueued += r.PhotosQueued
}

// Fail counts a rejected observation by error kind
func (s *ProcessStats) Fail(err error) {
	s.Processed++
	switch {
	case models.IsKind(err, models.KindValidation):
		s.Invalid++
	case models.IsKind(err, models.KindConflict):
		s.Conflicts++
	case models.IsKind(err, models.KindOutOfOrder):
		s.OutOfOrder++
	default:
		s.Errors++
	}
}

// ToJSON returns JSON-serializable metadata
func (s *ProcessStats) ToJSON() json.RawMessage {
	data, _ := json.Marshal(map[string]int{
		"processed":      s.Processed,
		"listings_new":   s.ListingsNew,
		"relisted":       s.Relisted,
		"price_changes":  s.PriceChanges,
		"status_changes": s.StatusChanges,
		"photos_queued":  s.PhotosQueued,
		"conflicts":      s.Conflicts,
		"out_of_order":   s.OutOfOrder,
		"invalid":        s.Invalid,
		"errors":         s.Errors,
	})
	return data
}
