package models

import "strings"

// Observation is one scraped sighting of a listing
type Observation struct {
	ExternalID       string   `json:"external_id,omitempty" validate:"omitempty,max=64"`
	BuildingName     string   `json:"building_name" validate:"max=200"`
	Address          string   `json:"address" validate:"max=300"`
	City             string   `json:"city,omitempty" validate:"max=100"`
	NeighborhoodName string   `json:"neighborhood_name,omitempty" validate:"max=100"`
	UnitNumber       string   `json:"unit_number,omitempty" validate:"max=32"`
	Status           string   `json:"status,omitempty"`
	Bedrooms         *int     `json:"bedrooms,omitempty" validate:"omitempty,min=0,max=50"`
	Bathrooms        *float64 `json:"bathrooms,omitempty" validate:"omitempty,min=0,max=50"`
	Area             *float64 `json:"area,omitempty" validate:"omitempty,gt=0"`
	PropertyType     string   `json:"property_type,omitempty" validate:"max=64"`
	ListingDate      *Date    `json:"listing_date,omitempty"`
	Price            float64  `json:"price" validate:"gt=0"`
	RecordedDate     Date     `json:"recorded_date"`
	SourcePlatform   string   `json:"source_platform" validate:"required,max=64"`
	SourceURL        string   `json:"source_url,omitempty" validate:"omitempty,url"`
	PhotoURLs        []string `json:"photo_urls,omitempty" validate:"dive,url"`
	Notes            string   `json:"notes,omitempty"`
}

// ListingUpdate is a manual correction of a listing's descriptive fields.
// Nil fields are left as stored.
type ListingUpdate struct {
	Bedrooms     *int     `json:"bedrooms,omitempty" validate:"omitempty,min=0,max=50"`
	Bathrooms    *float64 `json:"bathrooms,omitempty" validate:"omitempty,min=0,max=50"`
	Area         *float64 `json:"area,omitempty" validate:"omitempty,gt=0"`
	PropertyType *string  `json:"property_type,omitempty" validate:"omitempty,max=64"`
	SourceURL    *string  `json:"source_url,omitempty" validate:"omitempty,url"`
}

// Fields names the attributes the update sets
func (u ListingUpdate) Fields() []string {
	var fields []string
	if u.Bedrooms != nil {
		fields = append(fields, "bedrooms")
	}
	if u.Bathrooms != nil {
		fields = append(fields, "bathrooms")
	}
	if u.Area != nil {
		fields = append(fields, "area")
	}
	if u.PropertyType != nil {
		fields = append(fields, "property_type")
	}
	if u.SourceURL != nil {
		fields = append(fields, "source_url")
	}
	return fields
}

// Identifiable reports whether the observation carries an external id or
// enough of a building reference to match on
func (o *Observation) Identifiable() bool {
	if strings.TrimSpace(o.ExternalID) != "" {
		return true
	}
	return strings.TrimSpace(o.BuildingName) != "" || strings.TrimSpace(o.Address) != ""
}

// ReconcileResult describes what a reconciliation did
type ReconcileResult struct {
	ListingID       int64          `json:"listing_id"`
	IsNew           bool           `json:"is_new"`
	PriceRecorded   bool           `json:"price_recorded"`
	EventType       PriceEventType `json:"event_type,omitempty"`
	PreviousPrice   *float64       `json:"previous_price,omitempty"`
	PriceDelta      *float64       `json:"price_delta,omitempty"`
	PercentChange   *float64       `json:"percent_change,omitempty"`
	PhotosQueued    int            `json:"photos_queued"`
	StatusChanged   bool           `json:"status_changed"`
	Relisted        bool           `json:"relisted"`
	Status          ListingStatus  `json:"status"`
	BuildingID      *int64         `json:"building_id,omitempty"`
	BuildingCreated bool           `json:"building_created"`
}

// BuildingDescriptor is the resolver's input for a building
type BuildingDescriptor struct {
	Name         string
	Address      string
	City         string
	Neighborhood string
}

type Outcome string

const (
	OutcomeCreated  Outcome = "Created"
	OutcomeExisting Outcome = "Existing"
)

// Resolved tags a resolved entity with whether it was just created
type Resolved[T any] struct {
	Entity  *T
	Outcome Outcome
}

func (r Resolved[T]) Created() bool {
	return r.Outcome == OutcomeCreated
}

// PriceRecord is the outcome of a ledger append attempt
type PriceRecord struct {
	Recorded      bool
	EventType     PriceEventType
	PreviousPrice *float64
	Delta         *float64
	PercentChange *float64
	Observation   *PriceObservation
}
