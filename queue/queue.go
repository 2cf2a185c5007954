package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"listing_ledger/models"
)

var (
	// ErrQueueFull is returned by a non-blocking Push when there is no room
	ErrQueueFull = errors.New("queue full")
	ErrClosed    = errors.New("queue closed")
)

// FetchPhoto asks a worker to retrieve one photo ref
type FetchPhoto struct {
	ID         uuid.UUID        `json:"id"`
	PhotoRefID int64            `json:"photo_ref_id"`
	OwnerKind  models.OwnerKind `json:"owner_kind"`
	OwnerID    int64            `json:"owner_id"`
	URL        string           `json:"url"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// NewFetchPhoto builds a message for ref
func NewFetchPhoto(ref *models.PhotoRef) FetchPhoto {
	return FetchPhoto{
		ID:         uuid.New(),
		PhotoRefID: ref.ID,
		OwnerKind:  ref.OwnerKind,
		OwnerID:    ref.OwnerID,
		URL:        ref.SourceURL,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue carries FetchPhoto messages from the reconciler to the photo worker.
// Push never blocks; Pop blocks until a message arrives or ctx is done.
type Queue interface {
	Push(ctx context.Context, msg FetchPhoto) error
	Pop(ctx context.Context) (FetchPhoto, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}
