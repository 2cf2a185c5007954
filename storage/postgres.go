package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = &dialect{
	name:   "postgres",
	schema: postgresSchema,
	rebind: func(q string) string { return q },
	lockKey: func(ctx context.Context, q querier, key string) error {
		_, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
		return err
	},
}

// NewPostgresStore connects through a pgx pool and exposes it as database/sql
func NewPostgresStore(ctx context.Context, connString string) (*SQLStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return newSQLStore(stdlib.OpenDBFromPool(pool), postgresDialect)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS neighborhood (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	city TEXT NOT NULL,
	name_key TEXT NOT NULL,
	city_key TEXT NOT NULL,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(name_key, city_key)
);

CREATE TABLE IF NOT EXISTS building (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL,
	name_key TEXT NOT NULL,
	city_key TEXT NOT NULL,
	address_key TEXT NOT NULL,
	neighborhood_id BIGINT REFERENCES neighborhood(id) ON DELETE SET NULL,
	city TEXT NOT NULL,
	postal_code TEXT,
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	year_built INTEGER,
	total_units INTEGER,
	floors INTEGER,
	building_type TEXT,
	amenities TEXT,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(name_key, city_key)
);

CREATE TABLE IF NOT EXISTS listing (
	id BIGSERIAL PRIMARY KEY,
	external_id TEXT UNIQUE,
	building_id BIGINT REFERENCES building(id),
	unit_number TEXT,
	status TEXT NOT NULL,
	bedrooms INTEGER,
	bathrooms DOUBLE PRECISION,
	area DOUBLE PRECISION,
	property_type TEXT,
	listing_date DATE,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	source_platform TEXT NOT NULL,
	source_url TEXT
);

CREATE TABLE IF NOT EXISTS price_observation (
	id BIGSERIAL PRIMARY KEY,
	listing_id BIGINT NOT NULL REFERENCES listing(id) ON DELETE CASCADE,
	price DOUBLE PRECISION NOT NULL,
	recorded_date DATE NOT NULL,
	event_type TEXT NOT NULL,
	notes TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS photo_ref (
	id BIGSERIAL PRIMARY KEY,
	owner_kind TEXT NOT NULL,
	owner_id BIGINT NOT NULL,
	source_url TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	display_order INTEGER NOT NULL,
	caption TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(owner_kind, owner_id, source_url)
);

CREATE TABLE IF NOT EXISTS audit_event (
	id BIGSERIAL PRIMARY KEY,
	listing_id BIGINT,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS historical_sale (
	id BIGSERIAL PRIMARY KEY,
	building_id BIGINT REFERENCES building(id),
	unit_number TEXT,
	sale_price DOUBLE PRECISION NOT NULL,
	sale_date DATE NOT NULL,
	bedrooms INTEGER,
	bathrooms DOUBLE PRECISION,
	area DOUBLE PRECISION,
	property_type TEXT,
	days_on_market INTEGER,
	notes TEXT,
	data_source TEXT NOT NULL,
	import_batch TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS command (
	id BIGSERIAL PRIMARY KEY,
	command TEXT NOT NULL,
	params TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_building_address_key ON building(address_key);
CREATE INDEX IF NOT EXISTS idx_listing_fallback ON listing(building_id, unit_number, source_platform);
CREATE INDEX IF NOT EXISTS idx_listing_last_seen ON listing(is_active, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_price_listing_order ON price_observation(listing_id, recorded_date, id);
CREATE INDEX IF NOT EXISTS idx_photo_status ON photo_ref(status, id);
CREATE INDEX IF NOT EXISTS idx_audit_listing ON audit_event(listing_id, id);
CREATE INDEX IF NOT EXISTS idx_sale_building ON historical_sale(building_id, sale_date);
CREATE INDEX IF NOT EXISTS idx_command_pending ON command(processed_at) WHERE processed_at IS NULL;

CREATE OR REPLACE FUNCTION reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS price_observation_append_only ON price_observation;
CREATE TRIGGER price_observation_append_only
	BEFORE UPDATE ON price_observation
	FOR EACH ROW EXECUTE FUNCTION reject_mutation();

DROP TRIGGER IF EXISTS audit_event_append_only ON audit_event;
CREATE TRIGGER audit_event_append_only
	BEFORE UPDATE OR DELETE ON audit_event
	FOR EACH ROW EXECUTE FUNCTION reject_mutation();

CREATE OR REPLACE VIEW v_listing_current_price AS
SELECT listing_id, price, recorded_date, event_type
FROM (
	SELECT listing_id, price, recorded_date, event_type,
		ROW_NUMBER() OVER (PARTITION BY listing_id ORDER BY recorded_date DESC, id DESC) AS rn
	FROM price_observation
) ranked
WHERE rn = 1;

CREATE OR REPLACE VIEW v_building_stats AS
SELECT b.id AS building_id, b.name AS building_name, n.name AS neighborhood_name,
	COALESCE(ls.active_listings, 0) AS active_listings,
	COALESCE(ls.total_listings, 0) AS total_listings,
	ls.avg_price, ls.avg_price_per_area, ls.min_price, ls.max_price,
	COALESCE(hs.sale_count, 0) AS sale_count,
	hs.avg_sale_price, hs.avg_sale_price_per_area
FROM building b
LEFT JOIN neighborhood n ON n.id = b.neighborhood_id
LEFT JOIN (
	SELECT l.building_id,
		SUM(CASE WHEN l.is_active THEN 1 ELSE 0 END) AS active_listings,
		COUNT(*) AS total_listings,
		AVG(CASE WHEN l.is_active THEN cp.price END) AS avg_price,
		AVG(CASE WHEN l.is_active AND l.area > 0 THEN cp.price / l.area END) AS avg_price_per_area,
		MIN(CASE WHEN l.is_active THEN cp.price END) AS min_price,
		MAX(CASE WHEN l.is_active THEN cp.price END) AS max_price
	FROM listing l
	LEFT JOIN v_listing_current_price cp ON cp.listing_id = l.id
	WHERE l.building_id IS NOT NULL
	GROUP BY l.building_id
) ls ON ls.building_id = b.id
LEFT JOIN (
	SELECT building_id,
		COUNT(*) AS sale_count,
		AVG(sale_price) AS avg_sale_price,
		AVG(CASE WHEN area > 0 THEN sale_price / area END) AS avg_sale_price_per_area
	FROM historical_sale
	WHERE building_id IS NOT NULL
	GROUP BY building_id
) hs ON hs.building_id = b.id;
`
