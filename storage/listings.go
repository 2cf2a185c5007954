package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"listing_ledger/identity"
	"listing_ledger/models"
)

// =============================================================================
// Listings
// =============================================================================

const listingColumns = `id, external_id, building_id, unit_number, status, bedrooms, bathrooms, area,
	property_type, listing_date, first_seen_at, last_seen_at, is_active, source_platform, source_url`

func scanListing(row interface{ Scan(...any) error }) (*models.Listing, error) {
	var l models.Listing
	var first, last sqlTime
	err := row.Scan(&l.ID, &l.ExternalID, &l.BuildingID, &l.UnitNumber, &l.Status, &l.Bedrooms,
		&l.Bathrooms, &l.Area, &l.PropertyType, &l.ListingDate, &first, &last, &l.IsActive,
		&l.SourcePlatform, &l.SourceURL)
	if err != nil {
		return nil, err
	}
	l.FirstSeenAt = first.Time
	l.LastSeenAt = last.Time
	return &l, nil
}

func (s *queries) getListingWhere(ctx context.Context, where string, args ...any) (*models.Listing, error) {
	l, err := scanListing(s.queryRow(ctx, `SELECT `+listingColumns+` FROM listing WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (s *queries) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	return s.getListingWhere(ctx, `id = $1`, id)
}

func (s *queries) GetListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error) {
	return s.getListingWhere(ctx, `external_id = $1`, externalID)
}

// GetListingByFallbackKey matches on (building, unit, platform), with unit
// and platform compared case-insensitively. Active sessions win over
// finished ones, then the most recently seen.
func (s *queries) GetListingByFallbackKey(ctx context.Context, buildingID int64, unit, platform string) (*models.Listing, error) {
	return s.getListingWhere(ctx, `
		building_id = $1 AND LOWER(TRIM(COALESCE(unit_number, ''))) = $2 AND LOWER(TRIM(source_platform)) = $3
		ORDER BY is_active DESC, last_seen_at DESC, id DESC
		LIMIT 1`,
		buildingID, identity.NormalizeName(unit), identity.NormalizeName(platform))
}

func (s *queries) InsertListing(ctx context.Context, l *models.Listing) error {
	err := s.queryRow(ctx, `
		INSERT INTO listing (
			external_id, building_id, unit_number, status, bedrooms, bathrooms, area, property_type,
			listing_date, first_seen_at, last_seen_at, is_active, source_platform, source_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		l.ExternalID, l.BuildingID, l.UnitNumber, l.Status, l.Bedrooms, l.Bathrooms, l.Area,
		l.PropertyType, nullDate(l.ListingDate), l.FirstSeenAt, l.LastSeenAt, l.IsActive, l.SourcePlatform,
		l.SourceURL,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert listing: %w", mapError(err))
	}
	return nil
}

// UpdateListingSighting writes the mutable attributes of a reconciled
// listing. Nil attributes keep their stored value; first_seen_at never changes.
func (s *queries) UpdateListingSighting(ctx context.Context, l *models.Listing) error {
	_, err := s.exec(ctx, `
		UPDATE listing SET
			building_id = COALESCE(building_id, $2),
			unit_number = COALESCE($3, unit_number),
			status = $4,
			bedrooms = COALESCE($5, bedrooms),
			bathrooms = COALESCE($6, bathrooms),
			area = COALESCE($7, area),
			property_type = COALESCE($8, property_type),
			listing_date = COALESCE($9, listing_date),
			last_seen_at = $10,
			is_active = $11,
			source_url = COALESCE($12, source_url)
		WHERE id = $1`,
		l.ID, l.BuildingID, l.UnitNumber, l.Status, l.Bedrooms, l.Bathrooms, l.Area, l.PropertyType,
		nullDate(l.ListingDate), l.LastSeenAt, l.IsActive, l.SourceURL)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	return nil
}

// UpdateListingAttributes applies a manual correction; nil fields keep their value
func (s *queries) UpdateListingAttributes(ctx context.Context, id int64, u models.ListingUpdate) error {
	_, err := s.exec(ctx, `
		UPDATE listing SET
			bedrooms = COALESCE($2, bedrooms),
			bathrooms = COALESCE($3, bathrooms),
			area = COALESCE($4, area),
			property_type = COALESCE($5, property_type),
			source_url = COALESCE($6, source_url)
		WHERE id = $1`,
		id, u.Bedrooms, u.Bathrooms, u.Area, u.PropertyType, u.SourceURL)
	if err != nil {
		return fmt.Errorf("update listing attributes: %w", err)
	}
	return nil
}

func (s *queries) UpdateListingStatus(ctx context.Context, id int64, status models.ListingStatus, isActive bool) error {
	_, err := s.exec(ctx, `UPDATE listing SET status = $2, is_active = $3 WHERE id = $1`, id, status, isActive)
	if err != nil {
		return fmt.Errorf("update listing status: %w", err)
	}
	return nil
}

// DeleteListing removes the listing; its ledger rows cascade
func (s *queries) DeleteListing(ctx context.Context, id int64) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM listing WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete listing: %w", err)
	}
	return rowsAffected(res) > 0, nil
}

// GetStaleListings returns non-terminal listings last seen before cutoff
func (s *queries) GetStaleListings(ctx context.Context, cutoff time.Time, limit int) ([]models.StaleListing, error) {
	rows, err := s.query(ctx, `
		SELECT id, external_id, last_seen_at
		FROM listing
		WHERE is_active = $1 AND status IN ('Active', 'Pending') AND last_seen_at < $2
		ORDER BY last_seen_at
		LIMIT $3`,
		true, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("get stale listings: %w", err)
	}
	defer rows.Close()

	var out []models.StaleListing
	for rows.Next() {
		var sl models.StaleListing
		var seen sqlTime
		if err := rows.Scan(&sl.ListingID, &sl.ExternalID, &seen); err != nil {
			return nil, err
		}
		sl.LastSeenAt = seen.Time
		out = append(out, sl)
	}
	return out, rows.Err()
}

// =============================================================================
// Price ledger
// =============================================================================

const priceColumns = `id, listing_id, price, recorded_date, event_type, notes, created_at`

func scanPrice(row interface{ Scan(...any) error }) (*models.PriceObservation, error) {
	var p models.PriceObservation
	var created sqlTime
	if err := row.Scan(&p.ID, &p.ListingID, &p.Price, &p.RecordedDate, &p.EventType, &p.Notes, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = created.Time
	return &p, nil
}

// GetLatestPrice returns the row with the maximal (recorded_date, id)
func (s *queries) GetLatestPrice(ctx context.Context, listingID int64) (*models.PriceObservation, error) {
	p, err := scanPrice(s.queryRow(ctx, `
		SELECT `+priceColumns+` FROM price_observation
		WHERE listing_id = $1
		ORDER BY recorded_date DESC, id DESC
		LIMIT 1`, listingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest price: %w", err)
	}
	return p, nil
}

func (s *queries) InsertPriceObservation(ctx context.Context, p *models.PriceObservation) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := s.queryRow(ctx, `
		INSERT INTO price_observation (listing_id, price, recorded_date, event_type, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		p.ListingID, p.Price, p.RecordedDate.String(), p.EventType, p.Notes, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert price observation: %w", mapError(err))
	}
	return nil
}

// ListPriceHistory returns the ledger newest first
func (s *queries) ListPriceHistory(ctx context.Context, listingID int64) ([]models.PriceObservation, error) {
	rows, err := s.query(ctx, `
		SELECT `+priceColumns+` FROM price_observation
		WHERE listing_id = $1
		ORDER BY recorded_date DESC, id DESC`, listingID)
	if err != nil {
		return nil, fmt.Errorf("list price history: %w", err)
	}
	defer rows.Close()

	var out []models.PriceObservation
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// =============================================================================
// Audit events
// =============================================================================

func (s *queries) InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.queryRow(ctx, `
		INSERT INTO audit_event (listing_id, event_type, details, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		e.ListingID, e.EventType, e.Details, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", mapError(err))
	}
	return nil
}

func (s *queries) ListAuditEvents(ctx context.Context, listingID int64) ([]models.AuditEvent, error) {
	rows, err := s.query(ctx, `
		SELECT id, listing_id, event_type, details, created_at
		FROM audit_event WHERE listing_id = $1 ORDER BY id`, listingID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var created sqlTime
		if err := rows.Scan(&e.ID, &e.ListingID, &e.EventType, &e.Details, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = created.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountAuditEvents counts events of one type, across listings when listingID is 0
func (s *queries) CountAuditEvents(ctx context.Context, listingID int64, eventType models.AuditEventType) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM audit_event
		WHERE event_type = $1 AND ($2 = 0 OR listing_id = $2)`,
		eventType, listingID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}
