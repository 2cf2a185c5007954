package storage

import (
	"context"
	"fmt"
	"time"

	"listing_ledger/models"
)

// =============================================================================
// Historical sales
// =============================================================================

func (s *queries) InsertHistoricalSale(ctx context.Context, h *models.HistoricalSale) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	err := s.queryRow(ctx, `
		INSERT INTO historical_sale (
			building_id, unit_number, sale_price, sale_date, bedrooms, bathrooms, area,
			property_type, days_on_market, notes, data_source, import_batch, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		h.BuildingID, h.UnitNumber, h.SalePrice, h.SaleDate.String(), h.Bedrooms, h.Bathrooms, h.Area,
		h.PropertyType, h.DaysOnMarket, h.Notes, h.DataSource, h.ImportBatch, h.CreatedAt,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("insert historical sale: %w", mapError(err))
	}
	return nil
}

func (s *queries) DeleteHistoricalSale(ctx context.Context, id int64) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM historical_sale WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete historical sale: %w", err)
	}
	return rowsAffected(res) > 0, nil
}

// ListHistoricalSales returns sales newest first
func (s *queries) ListHistoricalSales(ctx context.Context, f models.SaleFilter) ([]models.HistoricalSaleView, error) {
	query := `
		SELECT h.id, h.building_id, h.unit_number, h.sale_price, h.sale_date, h.bedrooms, h.bathrooms,
			h.area, h.property_type, h.days_on_market, h.notes, h.data_source, h.import_batch, h.created_at,
			b.name, n.name
		FROM historical_sale h
		LEFT JOIN building b ON b.id = h.building_id
		LEFT JOIN neighborhood n ON n.id = b.neighborhood_id
		WHERE 1 = 1`
	var args []any
	if f.BuildingID != 0 {
		args = append(args, f.BuildingID)
		query += fmt.Sprintf(" AND h.building_id = $%d", len(args))
	}
	if f.NeighborhoodID != 0 {
		args = append(args, f.NeighborhoodID)
		query += fmt.Sprintf(" AND b.neighborhood_id = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, f.Since.String())
		query += fmt.Sprintf(" AND h.sale_date >= $%d", len(args))
	}
	query += " ORDER BY h.sale_date DESC, h.id DESC"
	query += limitOffset(&args, f.Limit, f.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list historical sales: %w", err)
	}
	defer rows.Close()

	var out []models.HistoricalSaleView
	for rows.Next() {
		var v models.HistoricalSaleView
		var created sqlTime
		err := rows.Scan(&v.ID, &v.BuildingID, &v.UnitNumber, &v.SalePrice, &v.SaleDate, &v.Bedrooms,
			&v.Bathrooms, &v.Area, &v.PropertyType, &v.DaysOnMarket, &v.Notes, &v.DataSource,
			&v.ImportBatch, &created, &v.BuildingName, &v.NeighborhoodName)
		if err != nil {
			return nil, err
		}
		v.CreatedAt = created.Time
		if v.Area != nil && *v.Area > 0 {
			ppa := round2(v.SalePrice / *v.Area)
			v.PricePerArea = &ppa
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func limitOffset(args *[]any, limit, offset int) string {
	if limit <= 0 {
		limit = 100
	}
	*args = append(*args, limit)
	clause := fmt.Sprintf(" LIMIT $%d", len(*args))
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}
