package models

import (
	"time"
)

// Neighborhood groups buildings within a city
type Neighborhood struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	City        string    `json:"city" db:"city"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Building is the canonical physical structure a listing belongs to
type Building struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Address        string    `json:"address" db:"address"`
	NeighborhoodID *int64    `json:"neighborhood_id,omitempty" db:"neighborhood_id"`
	City           string    `json:"city" db:"city"`
	PostalCode     *string   `json:"postal_code,omitempty" db:"postal_code"`
	Latitude       *float64  `json:"latitude,omitempty" db:"latitude"`
	Longitude      *float64  `json:"longitude,omitempty" db:"longitude"`
	YearBuilt      *int      `json:"year_built,omitempty" db:"year_built"`
	TotalUnits     *int      `json:"total_units,omitempty" db:"total_units"`
	Floors         *int      `json:"floors,omitempty" db:"floors"`
	BuildingType   *string   `json:"building_type,omitempty" db:"building_type"`
	Amenities      []string  `json:"amenities,omitempty" db:"amenities"` // stored as JSON text
	Description    *string   `json:"description,omitempty" db:"description"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Listing is one sale session of a unit, keyed by the source's external id
type Listing struct {
	ID             int64         `json:"id" db:"id"`
	ExternalID     *string       `json:"external_id,omitempty" db:"external_id"` // MLS number
	BuildingID     *int64        `json:"building_id,omitempty" db:"building_id"`
	UnitNumber     *string       `json:"unit_number,omitempty" db:"unit_number"`
	Status         ListingStatus `json:"status" db:"status"`
	Bedrooms       *int          `json:"bedrooms,omitempty" db:"bedrooms"`
	Bathrooms      *float64      `json:"bathrooms,omitempty" db:"bathrooms"`
	Area           *float64      `json:"area,omitempty" db:"area"` // sq ft
	PropertyType   *string       `json:"property_type,omitempty" db:"property_type"`
	ListingDate    *Date         `json:"listing_date,omitempty" db:"listing_date"`
	FirstSeenAt    time.Time     `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time     `json:"last_seen_at" db:"last_seen_at"`
	IsActive       bool          `json:"is_active" db:"is_active"`
	SourcePlatform string        `json:"source_platform" db:"source_platform"`
	SourceURL      *string       `json:"source_url,omitempty" db:"source_url"`
}

// PriceObservation is one append-only ledger row
type PriceObservation struct {
	ID           int64          `json:"id" db:"id"`
	ListingID    int64          `json:"listing_id" db:"listing_id"`
	Price        float64        `json:"price" db:"price"`
	RecordedDate Date           `json:"recorded_date" db:"recorded_date"`
	EventType    PriceEventType `json:"event_type" db:"event_type"`
	Notes        *string        `json:"notes,omitempty" db:"notes"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// PhotoRef is a photo intent attached to a listing or historical sale.
// Path is empty until the asset has been fetched.
type PhotoRef struct {
	ID           int64       `json:"id" db:"id"`
	OwnerKind    OwnerKind   `json:"owner_kind" db:"owner_kind"`
	OwnerID      int64       `json:"owner_id" db:"owner_id"`
	SourceURL    string      `json:"source_url" db:"source_url"`
	Path         string      `json:"path" db:"path"`
	DisplayOrder int         `json:"display_order" db:"display_order"`
	Caption      *string     `json:"caption,omitempty" db:"caption"`
	Status       PhotoStatus `json:"status" db:"status"` // pending, fetching, fetched, failed
	Attempts     int         `json:"attempts" db:"attempts"`
	LastError    *string     `json:"last_error,omitempty" db:"last_error"`
	ClaimedAt    *time.Time  `json:"claimed_at,omitempty" db:"claimed_at"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// AuditEvent is an append-only tracking row
type AuditEvent struct {
	ID        int64          `json:"id" db:"id"`
	ListingID *int64         `json:"listing_id,omitempty" db:"listing_id"`
	EventType AuditEventType `json:"event_type" db:"event_type"`
	Details   string         `json:"details" db:"details"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// HistoricalSale is an imported past sale
type HistoricalSale struct {
	ID           int64     `json:"id" db:"id"`
	BuildingID   *int64    `json:"building_id,omitempty" db:"building_id"`
	UnitNumber   *string   `json:"unit_number,omitempty" db:"unit_number"`
	SalePrice    float64   `json:"sale_price" db:"sale_price"`
	SaleDate     Date      `json:"sale_date" db:"sale_date"`
	Bedrooms     *int      `json:"bedrooms,omitempty" db:"bedrooms"`
	Bathrooms    *float64  `json:"bathrooms,omitempty" db:"bathrooms"`
	Area         *float64  `json:"area,omitempty" db:"area"`
	PropertyType *string   `json:"property_type,omitempty" db:"property_type"`
	DaysOnMarket *int      `json:"days_on_market,omitempty" db:"days_on_market"`
	Notes        *string   `json:"notes,omitempty" db:"notes"`
	DataSource   string    `json:"data_source" db:"data_source"`
	ImportBatch  string    `json:"import_batch" db:"import_batch"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Price event types
const (
	PriceEventInitial  PriceEventType = "Initial"
	PriceEventDrop     PriceEventType = "PriceDrop"
	PriceEventIncrease PriceEventType = "PriceIncrease"
	PriceEventSold     PriceEventType = "Sold"
	PriceEventDelisted PriceEventType = "Delisted"
)

type PriceEventType string

// Audit event types
const (
	AuditDiscovered       AuditEventType = "Discovered"
	AuditPriceChange      AuditEventType = "PriceChange"
	AuditStatusChange     AuditEventType = "StatusChange"
	AuditSeen             AuditEventType = "Seen"
	AuditRelisted         AuditEventType = "Relisted"
	AuditOutOfOrderPrice  AuditEventType = "OutOfOrderPrice"
	AuditConflictDetected AuditEventType = "ConflictDetected"
	AuditDeleted          AuditEventType = "Deleted"
	AuditPhotosPurged     AuditEventType = "PhotosPurged"
	AuditManualUpdate     AuditEventType = "ManualUpdate"
)

type AuditEventType string

type OwnerKind string

const (
	OwnerListing        OwnerKind = "listing"
	OwnerHistoricalSale OwnerKind = "historical_sale"
)

type PhotoStatus string

// Photo status
const (
	PhotoStatusPending  PhotoStatus = "pending"
	PhotoStatusFetching PhotoStatus = "fetching"
	PhotoStatusFetched  PhotoStatus = "fetched"
	PhotoStatusFailed   PhotoStatus = "failed"
)
