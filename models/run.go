package models

import "github.com/google/uuid"

// Import failure reasons
const (
	ReasonMissingField = "missing_field"
	ReasonInvalidPrice = "invalid_price"
	ReasonInvalidDate  = "invalid_date"
	ReasonValidation   = "validation"
	ReasonStorage      = "storage"
)

// RowFailure is one rejected row of a bulk import. Row is 1-based.
type RowFailure struct {
	Row     int    `json:"row"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ImportReport summarizes one historical sale import batch
type ImportReport struct {
	BatchID  uuid.UUID    `json:"batch_id"`
	Source   string       `json:"source"`
	Total    int          `json:"total"`
	Imported int          `json:"imported"`
	Failures []RowFailure `json:"failures"`
}

// BatchReport summarizes one photo fetch batch
type BatchReport struct {
	Fetched int `json:"fetched"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}
