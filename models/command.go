package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdPurgeOrphans CommandType = "purge_orphans"
	CmdExpireStale  CommandType = "expire_stale"
	CmdRetryPhotos  CommandType = "retry_photos"
	CmdPurgePhotos  CommandType = "purge_photos"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	ListingID int64  `json:"listing_id,omitempty"`
	OwnerKind string `json:"owner_kind,omitempty"`
	Stale     string `json:"stale,omitempty"` // duration, e.g. "336h"
}
