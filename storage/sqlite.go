package storage

import (
	"context"
	"database/sql"
	"regexp"

	_ "github.com/mattn/go-sqlite3"
)

var dollarParam = regexp.MustCompile(`\$(\d+)`)

var sqliteDialect = &dialect{
	name:   "sqlite",
	schema: sqliteSchema,
	// ?NNN binds by explicit index, so $2 may appear before $1
	rebind: func(q string) string {
		return dollarParam.ReplaceAllString(q, "?$1")
	},
	// Write transactions are BEGIN IMMEDIATE on a single connection
	lockKey: func(ctx context.Context, q querier, key string) error {
		return nil
	},
}

// NewSQLiteStore opens (and migrates) a SQLite ledger at dbPath
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	return newSQLStore(db, sqliteDialect)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS neighborhood (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	city TEXT NOT NULL,
	name_key TEXT NOT NULL,
	city_key TEXT NOT NULL,
	description TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(name_key, city_key)
);

CREATE TABLE IF NOT EXISTS building (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL,
	name_key TEXT NOT NULL,
	city_key TEXT NOT NULL,
	address_key TEXT NOT NULL,
	neighborhood_id INTEGER REFERENCES neighborhood(id) ON DELETE SET NULL,
	city TEXT NOT NULL,
	postal_code TEXT,
	latitude REAL,
	longitude REAL,
	year_built INTEGER,
	total_units INTEGER,
	floors INTEGER,
	building_type TEXT,
	amenities TEXT,
	description TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(name_key, city_key)
);

CREATE TABLE IF NOT EXISTS listing (
	id INTEGER PRIMARY KEY,
	external_id TEXT UNIQUE,
	building_id INTEGER REFERENCES building(id),
	unit_number TEXT,
	status TEXT NOT NULL,
	bedrooms INTEGER,
	bathrooms REAL,
	area REAL,
	property_type TEXT,
	listing_date DATE,
	first_seen_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	source_platform TEXT NOT NULL,
	source_url TEXT
);

CREATE TABLE IF NOT EXISTS price_observation (
	id INTEGER PRIMARY KEY,
	listing_id INTEGER NOT NULL REFERENCES listing(id) ON DELETE CASCADE,
	price REAL NOT NULL,
	recorded_date DATE NOT NULL,
	event_type TEXT NOT NULL,
	notes TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS photo_ref (
	id INTEGER PRIMARY KEY,
	owner_kind TEXT NOT NULL,
	owner_id INTEGER NOT NULL,
	source_url TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	display_order INTEGER NOT NULL,
	caption TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	claimed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(owner_kind, owner_id, source_url)
);

CREATE TABLE IF NOT EXISTS audit_event (
	id INTEGER PRIMARY KEY,
	listing_id INTEGER,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS historical_sale (
	id INTEGER PRIMARY KEY,
	building_id INTEGER REFERENCES building(id),
	unit_number TEXT,
	sale_price REAL NOT NULL,
	sale_date DATE NOT NULL,
	bedrooms INTEGER,
	bathrooms REAL,
	area REAL,
	property_type TEXT,
	days_on_market INTEGER,
	notes TEXT,
	data_source TEXT NOT NULL,
	import_batch TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS command (
	id INTEGER PRIMARY KEY,
	command TEXT NOT NULL,
	params TEXT,
	created_at TIMESTAMP NOT NULL,
	processed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_building_address_key ON building(address_key);
CREATE INDEX IF NOT EXISTS idx_listing_fallback ON listing(building_id, unit_number, source_platform);
CREATE INDEX IF NOT EXISTS idx_listing_last_seen ON listing(is_active, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_price_listing_order ON price_observation(listing_id, recorded_date, id);
CREATE INDEX IF NOT EXISTS idx_photo_status ON photo_ref(status, id);
CREATE INDEX IF NOT EXISTS idx_audit_listing ON audit_event(listing_id, id);
CREATE INDEX IF NOT EXISTS idx_sale_building ON historical_sale(building_id, sale_date);
CREATE INDEX IF NOT EXISTS idx_command_pending ON command(processed_at) WHERE processed_at IS NULL;

CREATE TRIGGER IF NOT EXISTS price_observation_append_only
BEFORE UPDATE ON price_observation
BEGIN
	SELECT RAISE(ABORT, 'price_observation is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_event_no_update
BEFORE UPDATE ON audit_event
BEGIN
	SELECT RAISE(ABORT, 'audit_event is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_event_no_delete
BEFORE DELETE ON audit_event
BEGIN
	SELECT RAISE(ABORT, 'audit_event is append-only');
END;

CREATE VIEW IF NOT EXISTS v_listing_current_price AS
SELECT listing_id, price, recorded_date, event_type
FROM (
	SELECT listing_id, price, recorded_date, event_type,
		ROW_NUMBER() OVER (PARTITION BY listing_id ORDER BY recorded_date DESC, id DESC) AS rn
	FROM price_observation
) ranked
WHERE rn = 1;

CREATE VIEW IF NOT EXISTS v_building_stats AS
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
