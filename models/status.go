package models

import (
	"fmt"
	"strings"
)

type ListingStatus string

// Listing status
const (
	StatusActive    ListingStatus = "Active"
	StatusPending   ListingStatus = "Pending"
	StatusSold      ListingStatus = "Sold"
	StatusExpired   ListingStatus = "Expired"
	StatusCancelled ListingStatus = "Cancelled"
)

// ParseStatus accepts any casing and the common source spellings.
// An empty string parses as Active.
func ParseStatus(s string) (ListingStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "new", "for sale":
		return StatusActive, nil
	case "pending", "conditional", "under contract":
		return StatusPending, nil
	case "sold", "closed":
		return StatusSold, nil
	case "expired":
		return StatusExpired, nil
	case "cancelled", "canceled", "withdrawn", "terminated":
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("unknown listing status %q", s)
}

// IsTerminal reports whether the status ends a listing session
func (s ListingStatus) IsTerminal() bool {
	switch s {
	case StatusSold, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

func (s ListingStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusSold, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move of the state
// machine. Staying in the same state is always legal. Leaving a terminal
// state is only possible through a relist, which is not a transition.
func CanTransition(from, to ListingStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusActive, StatusPending, StatusSold, StatusExpired, StatusCancelled:
		return true
	}
	return false
}
