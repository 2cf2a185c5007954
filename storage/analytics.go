package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"listing_ledger/models"
)

// =============================================================================
// Analytics views
// =============================================================================

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round2Ptr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round2(*v)
	return &r
}

// ListListings joins listings with building context and current price
func (s *queries) ListListings(ctx context.Context, f models.ListingFilter) ([]models.ListingView, error) {
	query := `
		SELECT l.id, l.external_id, l.building_id, l.unit_number, l.status, l.bedrooms, l.bathrooms,
			l.area, l.property_type, l.listing_date, l.first_seen_at, l.last_seen_at, l.is_active,
			l.source_platform, l.source_url,
			b.name, b.address, n.name, cp.price, cp.recorded_date
		FROM listing l
		LEFT JOIN building b ON b.id = l.building_id
		LEFT JOIN neighborhood n ON n.id = b.neighborhood_id
		LEFT JOIN v_listing_current_price cp ON cp.listing_id = l.id
		WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND l.status = $%d", len(args))
	}
	if f.ActiveOnly {
		args = append(args, true)
		query += fmt.Sprintf(" AND l.is_active = $%d", len(args))
	}
	if f.BuildingID != 0 {
		args = append(args, f.BuildingID)
		query += fmt.Sprintf(" AND l.building_id = $%d", len(args))
	}
	if f.NeighborhoodID != 0 {
		args = append(args, f.NeighborhoodID)
		query += fmt.Sprintf(" AND b.neighborhood_id = $%d", len(args))
	}
	if f.MinPrice > 0 {
		args = append(args, f.MinPrice)
		query += fmt.Sprintf(" AND cp.price >= $%d", len(args))
	}
	if f.MaxPrice > 0 {
		args = append(args, f.MaxPrice)
		query += fmt.Sprintf(" AND cp.price <= $%d", len(args))
	}
	if f.MinBedrooms != nil {
		args = append(args, *f.MinBedrooms)
		query += fmt.Sprintf(" AND l.bedrooms >= $%d", len(args))
	}
	if f.MaxBedrooms != nil {
		args = append(args, *f.MaxBedrooms)
		query += fmt.Sprintf(" AND l.bedrooms <= $%d", len(args))
	}
	query += " ORDER BY l.last_seen_at DESC, l.id DESC"
	query += limitOffset(&args, f.Limit, f.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var out []models.ListingView
	for rows.Next() {
		var v models.ListingView
		var first, last sqlTime
		err := rows.Scan(&v.ID, &v.ExternalID, &v.BuildingID, &v.UnitNumber, &v.Status, &v.Bedrooms,
			&v.Bathrooms, &v.Area, &v.PropertyType, &v.ListingDate, &first, &last, &v.IsActive,
			&v.SourcePlatform, &v.SourceURL,
			&v.BuildingName, &v.Address, &v.NeighborhoodName, &v.CurrentPrice, &v.PriceDate)
		if err != nil {
			return nil, err
		}
		v.FirstSeenAt = first.Time
		v.LastSeenAt = last.Time
		if v.CurrentPrice != nil && v.Area != nil && *v.Area > 0 {
			ppa := round2(*v.CurrentPrice / *v.Area)
			v.PricePerArea = &ppa
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetCurrentPrice reads the canonical current price from the view
func (s *queries) GetCurrentPrice(ctx context.Context, listingID int64) (*models.PriceObservation, error) {
	var p models.PriceObservation
	p.ListingID = listingID
	err := s.queryRow(ctx, `
		SELECT price, recorded_date, event_type FROM v_listing_current_price WHERE listing_id = $1`,
		listingID).Scan(&p.Price, &p.RecordedDate, &p.EventType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current price: %w", err)
	}
	return &p, nil
}

func (s *queries) GetBuildingStats(ctx context.Context, buildingID int64) (*models.BuildingStats, error) {
	var b models.BuildingStats
	err := s.queryRow(ctx, `
		SELECT building_id, building_name, neighborhood_name, active_listings, total_listings,
			avg_price, avg_price_per_area, min_price, max_price,
			sale_count, avg_sale_price, avg_sale_price_per_area
		FROM v_building_stats WHERE building_id = $1`, buildingID).Scan(
		&b.BuildingID, &b.BuildingName, &b.NeighborhoodName, &b.ActiveListings, &b.TotalListings,
		&b.AvgPrice, &b.AvgPricePerArea, &b.MinPrice, &b.MaxPrice,
		&b.HistoricalSales, &b.AvgSalePrice, &b.AvgSalePricePerArea)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get building stats: %w", err)
	}
	b.AvgPrice = round2Ptr(b.AvgPrice)
	b.AvgPricePerArea = round2Ptr(b.AvgPricePerArea)
	b.AvgSalePrice = round2Ptr(b.AvgSalePrice)
	b.AvgSalePricePerArea = round2Ptr(b.AvgSalePricePerArea)
	return &b, nil
}

// ListPriceDrops compares each PriceDrop row with the row before it in
// (recorded_date, id) order
func (s *queries) ListPriceDrops(ctx context.Context, since models.Date, minPercent float64) ([]models.PriceDrop, error) {
	rows, err := s.query(ctx, `
		SELECT d.listing_id, l.external_id, b.name, l.unit_number, d.prev_price, d.price, d.recorded_date
		FROM (
			SELECT listing_id, price, recorded_date, event_type,
				LAG(price) OVER (PARTITION BY listing_id ORDER BY recorded_date, id) AS prev_price
			FROM price_observation
		) d
		JOIN listing l ON l.id = d.listing_id
		LEFT JOIN building b ON b.id = l.building_id
		WHERE d.event_type = 'PriceDrop'
			AND d.recorded_date >= $1
			AND d.prev_price > 0
			AND (d.prev_price - d.price) * 100.0 / d.prev_price >= $2
		ORDER BY (d.prev_price - d.price) * 100.0 / d.prev_price DESC, d.recorded_date DESC`,
		since.String(), minPercent)
	if err != nil {
		return nil, fmt.Errorf("list price drops: %w", err)
	}
	defer rows.Close()

	var out []models.PriceDrop
	for rows.Next() {
		var d models.PriceDrop
		err := rows.Scan(&d.ListingID, &d.ExternalID, &d.BuildingName, &d.UnitNumber,
			&d.PreviousPrice, &d.NewPrice, &d.RecordedDate)
		if err != nil {
			return nil, err
		}
		d.Delta = d.NewPrice - d.PreviousPrice
		d.PercentChange = round2(d.Delta / d.PreviousPrice * 100)
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarketSummary aggregates active listings and sales since a date per
// neighborhood. neighborhoodID 0 returns every neighborhood.
func (s *queries) MarketSummary(ctx context.Context, neighborhoodID int64, salesSince models.Date) ([]models.MarketSummary, error) {
	rows, err := s.query(ctx, `
		SELECT n.id, n.name,
			COALESCE(ls.active_listings, 0), ls.avg_price, ls.avg_price_per_area, ls.min_price, ls.max_price,
			COALESCE(hs.sale_count, 0), hs.avg_sale_price
		FROM neighborhood n
		LEFT JOIN (
			SELECT b.neighborhood_id,
				COUNT(*) AS active_listings,
				AVG(cp.price) AS avg_price,
				AVG(CASE WHEN l.area > 0 THEN cp.price / l.area END) AS avg_price_per_area,
				MIN(cp.price) AS min_price,
				MAX(cp.price) AS max_price
			FROM listing l
			JOIN building b ON b.id = l.building_id
			LEFT JOIN v_listing_current_price cp ON cp.listing_id = l.id
			WHERE l.is_active = $2
			GROUP BY b.neighborhood_id
		) ls ON ls.neighborhood_id = n.id
		LEFT JOIN (
			SELECT b.neighborhood_id, COUNT(*) AS sale_count, AVG(h.sale_price) AS avg_sale_price
			FROM historical_sale h
			JOIN building b ON b.id = h.building_id
			WHERE h.sale_date >= $3
			GROUP BY b.neighborhood_id
		) hs ON hs.neighborhood_id = n.id
		WHERE ($1 = 0 OR n.id = $1)
		ORDER BY COALESCE(ls.active_listings, 0) DESC, n.name`,
		neighborhoodID, true, salesSince.String())
	if err != nil {
		return nil, fmt.Errorf("market summary: %w", err)
	}
	defer rows.Close()

	var out []models.MarketSummary
	for rows.Next() {
		var m models.MarketSummary
		err := rows.Scan(&m.NeighborhoodID, &m.NeighborhoodName, &m.ActiveListings, &m.AvgPrice,
			&m.AvgPricePerArea, &m.MinPrice, &m.MaxPrice, &m.RecentSales, &m.AvgSalePrice)
		if err != nil {
			return nil, err
		}
		m.AvgPrice = round2Ptr(m.AvgPrice)
		m.AvgPricePerArea = round2Ptr(m.AvgPricePerArea)
		m.AvgSalePrice = round2Ptr(m.AvgSalePrice)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentActivity returns the newest audit events with listing context
func (s *queries) RecentActivity(ctx context.Context, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT e.id, e.listing_id, e.event_type, e.details, e.created_at,
			l.external_id, b.name, l.unit_number
		FROM audit_event e
		LEFT JOIN listing l ON l.id = e.listing_id
		LEFT JOIN building b ON b.id = l.building_id
		ORDER BY e.id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var out []models.ActivityEntry
	for rows.Next() {
		var a models.ActivityEntry
		var created sqlTime
		err := rows.Scan(&a.ID, &a.ListingID, &a.EventType, &a.Details, &created,
			&a.ExternalID, &a.BuildingName, &a.UnitNumber)
		if err != nil {
			return nil, err
		}
		a.CreatedAt = created.Time
		out = append(out, a)
	}
	return out, rows.Err()
}
