package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/queue"
	"listing_ledger/storage"
)

const defaultMaxPhotosPerOwner = 20

// PhotoTx is the slice of a store transaction photo intents are written through
type PhotoTx interface {
	OwnerExists(ctx context.Context, kind models.OwnerKind, ownerID int64) (bool, error)
	ListPhotoRefs(ctx context.Context, kind models.OwnerKind, ownerID int64) ([]models.PhotoRef, error)
	InsertPhotoRef(ctx context.Context, p *models.PhotoRef) (bool, error)
}

const dispatchTimeout = 500 * time.Millisecond

// MediaService owns photo refs: it records intent, hands fetch work to the
// queue and removes refs together with their stored assets
type MediaService struct {
	store       *storage.SQLStore
	assets      storage.AssetStore
	queue       queue.Queue
	maxPerOwner int
	orphanGrace time.Duration
}

// NewMediaService creates a new MediaService
func NewMediaService(store *storage.SQLStore, assets storage.AssetStore, q queue.Queue, maxPerOwner int, orphanGrace time.Duration) *MediaService {
	if maxPerOwner <= 0 {
		maxPerOwner = defaultMaxPhotosPerOwner
	}
	return &MediaService{
		store:       store,
		assets:      assets,
		queue:       q,
		maxPerOwner: maxPerOwner,
		orphanGrace: orphanGrace,
	}
}

// EnqueueTx records photo intents for an owner inside tx and returns the
// refs it created. Callers Dispatch them once tx has committed.
func (s *MediaService) EnqueueTx(ctx context.Context, tx PhotoTx, kind models.OwnerKind, ownerID int64, urls []string) ([]models.PhotoRef, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	ok, err := tx.OwnerExists(ctx, kind, ownerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewError(models.KindNotFound, "enqueue photos", "%s %d", kind, ownerID)
	}

	existing, err := tx.ListPhotoRefs(ctx, kind, ownerID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing)+len(urls))
	order := 0
	for _, ref := range existing {
		seen[ref.SourceURL] = true
		if ref.DisplayOrder > order {
			order = ref.DisplayOrder
		}
	}
	count := len(existing)

	var created []models.PhotoRef
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		if !fetchableURL(u) {
			logging.Logger.WithFields(logrus.Fields{"owner_kind": kind, "owner_id": ownerID}).Warnf("Skipping photo URL %q", u)
			continue
		}
		if count >= s.maxPerOwner {
			break
		}

		ref := &models.PhotoRef{
			OwnerKind:    kind,
			OwnerID:      ownerID,
			SourceURL:    u,
			DisplayOrder: order + 1,
			Status:       models.PhotoStatusPending,
		}
		inserted, err := tx.InsertPhotoRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !inserted {
			continue
		}
		order++
		count++
		created = append(created, *ref)
	}
	return created, nil
}

// Dispatch pushes a fetch message per ref. A full, failing or slow queue is
// not an error: the refs stay pending and the worker's poller picks them up.
// The whole batch gets dispatchTimeout since callers have already committed.
func (s *MediaService) Dispatch(ctx context.Context, refs []models.PhotoRef) int {
	if s.queue == nil || len(refs) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	pushed := 0
	for i := range refs {
		err := s.queue.Push(ctx, queue.NewFetchPhoto(&refs[i]))
		if err != nil {
			if ctx.Err() != nil {
				logging.Logger.Warnf("Photo queue did not answer in %s, leaving %d photos for the poller", dispatchTimeout, len(refs)-i)
				break
			}
			if !errors.Is(err, queue.ErrQueueFull) {
				logging.Logger.Warnf("Failed to queue photo %d: %v", refs[i].ID, err)
			}
			continue
		}
		pushed++
	}
	if pushed < len(refs) {
		logging.Logger.Debugf("Queued %d/%d photos, rest left for poller", pushed, len(refs))
	}
	return pushed
}

// Enqueue records and dispatches photo intents for an existing owner
func (s *MediaService) Enqueue(ctx context.Context, kind models.OwnerKind, ownerID int64, urls []string) (int, error) {
	var created []models.PhotoRef
	err := s.store.InTx(ctx, func(tx *storage.SQLTx) error {
		var err error
		created, err = s.EnqueueTx(ctx, tx, kind, ownerID, urls)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue photos: %w", err)
	}
	s.Dispatch(ctx, created)
	return len(created), nil
}

// Purge removes every ref of an owner and the assets behind them
func (s *MediaService) Purge(ctx context.Context, kind models.OwnerKind, ownerID int64) (int, error) {
	refs, err := s.store.DeletePhotoRefs(ctx, kind, ownerID)
	if err != nil {
		return 0, err
	}
	s.deleteAssets(ctx, refs)

	if len(refs) > 0 {
		event := &models.AuditEvent{
			EventType: models.AuditPhotosPurged,
			Details:   fmt.Sprintf("Purged %d photos of %s %d", len(refs), kind, ownerID),
		}
		if kind == models.OwnerListing {
			event.ListingID = &ownerID
		}
		if err := s.store.InsertAuditEvent(ctx, event); err != nil {
			return len(refs), err
		}
	}
	return len(refs), nil
}

// PurgeOrphaned removes refs whose owner is gone, then stored assets no ref
// points at. Assets younger than the grace period are kept since a fetch may
// still be recording its path.
func (s *MediaService) PurgeOrphaned(ctx context.Context) (int, error) {
	refs, err := s.store.DeleteOrphanedPhotoRefs(ctx)
	if err != nil {
		return 0, err
	}
	s.deleteAssets(ctx, refs)
	deleted := len(refs)

	if s.assets != nil {
		referenced, err := s.store.ReferencedPhotoPaths(ctx)
		if err != nil {
			return deleted, err
		}
		assets, err := s.assets.List(ctx, "")
		if err != nil {
			return deleted, fmt.Errorf("list assets: %w", err)
		}
		cutoff := time.Now().Add(-s.orphanGrace)
		for _, a := range assets {
			if referenced[a.Key] || a.ModTime.After(cutoff) {
				continue
			}
			if err := s.assets.Delete(ctx, a.Key); err != nil {
				logging.Logger.Warnf("Failed to delete orphaned asset %s: %v", a.Key, err)
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		err := s.store.InsertAuditEvent(ctx, &models.AuditEvent{
			EventType: models.AuditPhotosPurged,
			Details:   fmt.Sprintf("Purged %d orphaned photos", deleted),
		})
		if err != nil {
			return deleted, err
		}
		logging.Logger.Infof("Purged %d orphaned photos", deleted)
	}
	return deleted, nil
}

// RetryFailed returns failed refs to pending
func (s *MediaService) RetryFailed(ctx context.Context) (int64, error) {
	return s.store.ResetFailedPhotos(ctx)
}

// GetQueueDepth returns photo ref counts by status
func (s *MediaService) GetQueueDepth(ctx context.Context) (map[models.PhotoStatus]int, error) {
	return s.store.PhotoQueueDepth(ctx)
}

func (s *MediaService) deleteAssets(ctx context.Context, refs []models.PhotoRef) {
	if s.assets == nil {
		return
	}
	for _, ref := range refs {
		if ref.Path == "" {
			continue
		}
		if err := s.assets.Delete(ctx, ref.Path); err != nil {
			logging.Logger.Warnf("Failed to delete asset %s: %v", ref.Path, err)
		}
	}
}

func fetchableURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
