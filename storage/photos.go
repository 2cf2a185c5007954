package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"listing_ledger/models"
)

// =============================================================================
// Photo refs
// =============================================================================

const photoColumns = `id, owner_kind, owner_id, source_url, path, display_order, caption, status,
	attempts, last_error, claimed_at, created_at`

func scanPhotoRef(row interface{ Scan(...any) error }) (*models.PhotoRef, error) {
	var p models.PhotoRef
	var claimed, created sqlTime
	err := row.Scan(&p.ID, &p.OwnerKind, &p.OwnerID, &p.SourceURL, &p.Path, &p.DisplayOrder,
		&p.Caption, &p.Status, &p.Attempts, &p.LastError, &claimed, &created)
	if err != nil {
		return nil, err
	}
	p.ClaimedAt = claimed.ptr()
	p.CreatedAt = created.Time
	return &p, nil
}

func (s *queries) listPhotoRefs(ctx context.Context, query string, args ...any) ([]models.PhotoRef, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PhotoRef
	for rows.Next() {
		p, err := scanPhotoRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// OwnerExists reports whether the listing or historical sale is still present
func (s *queries) OwnerExists(ctx context.Context, kind models.OwnerKind, ownerID int64) (bool, error) {
	var table string
	switch kind {
	case models.OwnerListing:
		table = "listing"
	case models.OwnerHistoricalSale:
		table = "historical_sale"
	default:
		return false, fmt.Errorf("unknown owner kind %q", kind)
	}
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = $1`, ownerID).Scan(&n); err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	return n > 0, nil
}

func (s *queries) ListPhotoRefs(ctx context.Context, kind models.OwnerKind, ownerID int64) ([]models.PhotoRef, error) {
	refs, err := s.listPhotoRefs(ctx, `
		SELECT `+photoColumns+` FROM photo_ref
		WHERE owner_kind = $1 AND owner_id = $2
		ORDER BY display_order, id`, kind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list photo refs: %w", err)
	}
	return refs, nil
}

func (s *queries) GetPhotoRef(ctx context.Context, id int64) (*models.PhotoRef, error) {
	p, err := scanPhotoRef(s.queryRow(ctx, `SELECT `+photoColumns+` FROM photo_ref WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get photo ref: %w", err)
	}
	return p, nil
}

// InsertPhotoRef returns false, without error, when the owner already has the URL
func (s *queries) InsertPhotoRef(ctx context.Context, p *models.PhotoRef) (bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = models.PhotoStatusPending
	}
	err := s.queryRow(ctx, `
		INSERT INTO photo_ref (owner_kind, owner_id, source_url, path, display_order, caption, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_kind, owner_id, source_url) DO NOTHING
		RETURNING id`,
		p.OwnerKind, p.OwnerID, p.SourceURL, p.Path, p.DisplayOrder, p.Caption, p.Status, p.Attempts, p.CreatedAt,
	).Scan(&p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert photo ref: %w", mapError(err))
	}
	return true, nil
}

// DeletePhotoRefs removes every ref of one owner and returns what was removed
func (s *queries) DeletePhotoRefs(ctx context.Context, kind models.OwnerKind, ownerID int64) ([]models.PhotoRef, error) {
	refs, err := s.listPhotoRefs(ctx, `
		DELETE FROM photo_ref WHERE owner_kind = $1 AND owner_id = $2
		RETURNING `+photoColumns, kind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("delete photo refs: %w", err)
	}
	return refs, nil
}

// DeleteOrphanedPhotoRefs removes refs whose owner row no longer exists
func (s *queries) DeleteOrphanedPhotoRefs(ctx context.Context) ([]models.PhotoRef, error) {
	refs, err := s.listPhotoRefs(ctx, `
		DELETE FROM photo_ref
		WHERE (owner_kind = 'listing' AND NOT EXISTS (SELECT 1 FROM listing l WHERE l.id = photo_ref.owner_id))
		   OR (owner_kind = 'historical_sale' AND NOT EXISTS (SELECT 1 FROM historical_sale h WHERE h.id = photo_ref.owner_id))
		RETURNING `+photoColumns)
	if err != nil {
		return nil, fmt.Errorf("delete orphaned photo refs: %w", err)
	}
	return refs, nil
}

// ReferencedPhotoPaths returns every stored asset path still owned by a ref
func (s *queries) ReferencedPhotoPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := s.query(ctx, `SELECT path FROM photo_ref WHERE path <> ''`)
	if err != nil {
		return nil, fmt.Errorf("list photo paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths[p] = true
	}
	return paths, rows.Err()
}

// ClaimPhotoRef moves a pending ref to fetching. A nil ref means another
// worker already holds it or it is no longer pending.
func (s *queries) ClaimPhotoRef(ctx context.Context, id int64, now time.Time) (*models.PhotoRef, error) {
	p, err := scanPhotoRef(s.queryRow(ctx, `
		UPDATE photo_ref SET status = 'fetching', attempts = attempts + 1, claimed_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+photoColumns, id, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim photo ref: %w", err)
	}
	return p, nil
}

// MarkPhotoFetched returns false when the ref vanished or lost its claim
func (s *queries) MarkPhotoFetched(ctx context.Context, id int64, path string) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE photo_ref SET status = 'fetched', path = $2, last_error = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'fetching'`, id, path)
	if err != nil {
		return false, fmt.Errorf("mark photo fetched: %w", err)
	}
	return rowsAffected(res) > 0, nil
}

// MarkPhotoFailed records the error; retry puts the ref back to pending
func (s *queries) MarkPhotoFailed(ctx context.Context, id int64, msg string, retry bool) error {
	status := models.PhotoStatusFailed
	if retry {
		status = models.PhotoStatusPending
	}
	_, err := s.exec(ctx, `
		UPDATE photo_ref SET status = $2, last_error = $3, claimed_at = NULL
		WHERE id = $1 AND status = 'fetching'`, id, status, msg)
	if err != nil {
		return fmt.Errorf("mark photo failed: %w", err)
	}
	return nil
}

func (s *queries) ListPendingPhotoRefs(ctx context.Context, limit int) ([]models.PhotoRef, error) {
	refs, err := s.listPhotoRefs(ctx, `
		SELECT `+photoColumns+` FROM photo_ref
		WHERE status = 'pending'
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending photo refs: %w", err)
	}
	return refs, nil
}

// ReleaseStaleClaims returns refs stuck in fetching since before cutoff to pending
func (s *queries) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE photo_ref SET status = 'pending', claimed_at = NULL
		WHERE status = 'fetching' AND claimed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return rowsAffected(res), nil
}

// ResetFailedPhotos gives failed refs a fresh set of attempts
func (s *queries) ResetFailedPhotos(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `UPDATE photo_ref SET status = 'pending', attempts = 0 WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("reset failed photos: %w", err)
	}
	return rowsAffected(res), nil
}

// PhotoQueueDepth counts refs by status
func (s *queries) PhotoQueueDepth(ctx context.Context) (map[models.PhotoStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM photo_ref GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("photo queue depth: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.PhotoStatus]int)
	for rows.Next() {
		var status models.PhotoStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
