package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"listing_ledger/models"
)

// EntityKeys are the normalized match keys of a neighborhood or building
type EntityKeys struct {
	Name    string
	City    string
	Address string
}

// =============================================================================
// Neighborhoods
// =============================================================================

const neighborhoodColumns = `id, name, city, description, created_at`

func scanNeighborhood(row interface{ Scan(...any) error }) (*models.Neighborhood, error) {
	var n models.Neighborhood
	var created sqlTime
	if err := row.Scan(&n.ID, &n.Name, &n.City, &n.Description, &created); err != nil {
		return nil, err
	}
	n.CreatedAt = created.Time
	return &n, nil
}

func (s *queries) GetNeighborhood(ctx context.Context, id int64) (*models.Neighborhood, error) {
	n, err := scanNeighborhood(s.queryRow(ctx, `SELECT `+neighborhoodColumns+` FROM neighborhood WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get neighborhood: %w", err)
	}
	return n, nil
}

func (s *queries) GetNeighborhoodByKey(ctx context.Context, nameKey, cityKey string) (*models.Neighborhood, error) {
	n, err := scanNeighborhood(s.queryRow(ctx,
		`SELECT `+neighborhoodColumns+` FROM neighborhood WHERE name_key = $1 AND city_key = $2`,
		nameKey, cityKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get neighborhood by key: %w", err)
	}
	return n, nil
}

// InsertNeighborhood returns false, without error, when the key already exists
func (s *queries) InsertNeighborhood(ctx context.Context, n *models.Neighborhood, keys EntityKeys) (bool, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	err := s.queryRow(ctx, `
		INSERT INTO neighborhood (name, city, name_key, city_key, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name_key, city_key) DO NOTHING
		RETURNING id`,
		n.Name, n.City, keys.Name, keys.City, n.Description, n.CreatedAt,
	).Scan(&n.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert neighborhood: %w", mapError(err))
	}
	return true, nil
}

func (s *queries) ListNeighborhoods(ctx context.Context) ([]models.Neighborhood, error) {
	rows, err := s.query(ctx, `SELECT `+neighborhoodColumns+` FROM neighborhood ORDER BY city, name`)
	if err != nil {
		return nil, fmt.Errorf("list neighborhoods: %w", err)
	}
	defer rows.Close()

	var out []models.Neighborhood
	for rows.Next() {
		n, err := scanNeighborhood(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// =============================================================================
// Buildings
// =============================================================================

const buildingColumns = `id, name, address, neighborhood_id, city, postal_code, latitude, longitude,
	year_built, total_units, floors, building_type, amenities, description, created_at`

func scanBuilding(row interface{ Scan(...any) error }) (*models.Building, error) {
	var b models.Building
	var amenities sql.NullString
	var created sqlTime
	err := row.Scan(&b.ID, &b.Name, &b.Address, &b.NeighborhoodID, &b.City, &b.PostalCode,
		&b.Latitude, &b.Longitude, &b.YearBuilt, &b.TotalUnits, &b.Floors, &b.BuildingType,
		&amenities, &b.Description, &created)
	if err != nil {
		return nil, err
	}
	if amenities.Valid && amenities.String != "" {
		if err := json.Unmarshal([]byte(amenities.String), &b.Amenities); err != nil {
			return nil, fmt.Errorf("decode amenities of building %d: %w", b.ID, err)
		}
	}
	b.CreatedAt = created.Time
	return &b, nil
}

func (s *queries) getBuildingWhere(ctx context.Context, where string, args ...any) (*models.Building, error) {
	b, err := scanBuilding(s.queryRow(ctx, `SELECT `+buildingColumns+` FROM building WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get building: %w", err)
	}
	return b, nil
}

func (s *queries) GetBuilding(ctx context.Context, id int64) (*models.Building, error) {
	return s.getBuildingWhere(ctx, `id = $1`, id)
}

// ListBuildings returns buildings by name; neighborhoodID 0 returns all
func (s *queries) ListBuildings(ctx context.Context, neighborhoodID int64) ([]models.Building, error) {
	rows, err := s.query(ctx, `
		SELECT `+buildingColumns+` FROM building
		WHERE ($1 = 0 OR neighborhood_id = $1)
		ORDER BY name, id`, neighborhoodID)
	if err != nil {
		return nil, fmt.Errorf("list buildings: %w", err)
	}
	defer rows.Close()

	var out []models.Building
	for rows.Next() {
		b, err := scanBuilding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *queries) GetBuildingByKey(ctx context.Context, nameKey, cityKey string) (*models.Building, error) {
	return s.getBuildingWhere(ctx, `name_key = $1 AND city_key = $2`, nameKey, cityKey)
}

// GetBuildingByAddressKey matches regardless of city; the oldest building wins
func (s *queries) GetBuildingByAddressKey(ctx context.Context, addressKey string) (*models.Building, error) {
	if addressKey == "" {
		return nil, nil
	}
	return s.getBuildingWhere(ctx, `address_key = $1 ORDER BY id LIMIT 1`, addressKey)
}

// InsertBuilding returns false, without error, when (name, city) already exists
func (s *queries) InsertBuilding(ctx context.Context, b *models.Building, keys EntityKeys) (bool, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	var amenities *string
	if len(b.Amenities) > 0 {
		data, err := json.Marshal(b.Amenities)
		if err != nil {
			return false, fmt.Errorf("encode amenities: %w", err)
		}
		v := string(data)
		amenities = &v
	}

	err := s.queryRow(ctx, `
		INSERT INTO building (
			name, address, name_key, city_key, address_key, neighborhood_id, city, postal_code,
			latitude, longitude, year_built, total_units, floors, building_type, amenities,
			description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (name_key, city_key) DO NOTHING
		RETURNING id`,
		b.Name, b.Address, keys.Name, keys.City, keys.Address, b.NeighborhoodID, b.City, b.PostalCode,
		b.Latitude, b.Longitude, b.YearBuilt, b.TotalUnits, b.Floors, b.BuildingType, amenities,
		b.Description, b.CreatedAt,
	).Scan(&b.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert building: %w", mapError(err))
	}
	return true, nil
}

// LinkBuildingNeighborhood sets the neighborhood only when none is set yet
func (s *queries) LinkBuildingNeighborhood(ctx context.Context, buildingID, neighborhoodID int64) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE building SET neighborhood_id = $2 WHERE id = $1 AND neighborhood_id IS NULL`,
		buildingID, neighborhoodID)
	if err != nil {
		return false, fmt.Errorf("link building neighborhood: %w", err)
	}
	return rowsAffected(res) > 0, nil
}
