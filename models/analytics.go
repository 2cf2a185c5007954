package models

import "time"

// ListingFilter narrows ListListings. Zero values mean no constraint.
type ListingFilter struct {
	Status         ListingStatus
	BuildingID     int64
	NeighborhoodID int64
	MinPrice       float64
	MaxPrice       float64
	MinBedrooms    *int
	MaxBedrooms    *int
	ActiveOnly     bool
	Limit          int
	Offset         int
}

// ListingView is a listing joined with its building and current price
type ListingView struct {
	Listing
	BuildingName     *string  `json:"building_name,omitempty"`
	Address          *string  `json:"address,omitempty"`
	NeighborhoodName *string  `json:"neighborhood_name,omitempty"`
	CurrentPrice     *float64 `json:"current_price,omitempty"`
	PricePerArea     *float64 `json:"price_per_area,omitempty"`
	PriceDate        *Date    `json:"price_date,omitempty"`
}

// BuildingStats summarizes a building across listings and historical sales
type BuildingStats struct {
	BuildingID          int64    `json:"building_id"`
	BuildingName        string   `json:"building_name"`
	NeighborhoodName    *string  `json:"neighborhood_name,omitempty"`
	ActiveListings      int      `json:"active_listings"`
	TotalListings       int      `json:"total_listings"`
	AvgPrice            *float64 `json:"avg_price,omitempty"`
	AvgPricePerArea     *float64 `json:"avg_price_per_area,omitempty"`
	MinPrice            *float64 `json:"min_price,omitempty"`
	MaxPrice            *float64 `json:"max_price,omitempty"`
	HistoricalSales     int      `json:"historical_sales"`
	AvgSalePrice        *float64 `json:"avg_sale_price,omitempty"`
	AvgSalePricePerArea *float64 `json:"avg_sale_price_per_area,omitempty"`
}

// PriceDrop is one ledger drop within the analytics window
type PriceDrop struct {
	ListingID     int64   `json:"listing_id"`
	ExternalID    *string `json:"external_id,omitempty"`
	BuildingName  *string `json:"building_name,omitempty"`
	UnitNumber    *string `json:"unit_number,omitempty"`
	PreviousPrice float64 `json:"previous_price"`
	NewPrice      float64 `json:"new_price"`
	Delta         float64 `json:"delta"`
	PercentChange float64 `json:"percent_change"`
	RecordedDate  Date    `json:"recorded_date"`
}

// MarketSummary aggregates a neighborhood
type MarketSummary struct {
	NeighborhoodID   int64    `json:"neighborhood_id"`
	NeighborhoodName string   `json:"neighborhood_name"`
	ActiveListings   int      `json:"active_listings"`
	AvgPrice         *float64 `json:"avg_price,omitempty"`
	AvgPricePerArea  *float64 `json:"avg_price_per_area,omitempty"`
	MinPrice         *float64 `json:"min_price,omitempty"`
	MaxPrice         *float64 `json:"max_price,omitempty"`
	RecentSales      int      `json:"recent_sales"`
	AvgSalePrice     *float64 `json:"avg_sale_price,omitempty"`
}

// ActivityEntry is an audit event with listing context
type ActivityEntry struct {
	AuditEvent
	ExternalID   *string `json:"external_id,omitempty"`
	BuildingName *string `json:"building_name,omitempty"`
	UnitNumber   *string `json:"unit_number,omitempty"`
}

// SaleFilter narrows ListHistoricalSales
type SaleFilter struct {
	BuildingID     int64
	NeighborhoodID int64
	Since          *Date
	Limit          int
	Offset         int
}

// HistoricalSaleView is a sale joined with its building
type HistoricalSaleView struct {
	HistoricalSale
	BuildingName     *string  `json:"building_name,omitempty"`
	NeighborhoodName *string  `json:"neighborhood_name,omitempty"`
	PricePerArea     *float64 `json:"price_per_area,omitempty"`
}

// StaleListing is a non-terminal listing that has not been seen recently
type StaleListing struct {
	ListingID  int64
	ExternalID *string
	LastSeenAt time.Time
}
