package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"listing_ledger/config"
	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/queue"
	"listing_ledger/storage"
)

const (
	pollBatchSize = 100
	logSource     = "photos"
)

var errTooLarge = errors.New("photo exceeds size limit")

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("download status: %d", e.code)
}

// Outcome of handling one photo ref
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeFetched
	OutcomeFailed
)

// PhotoWorker downloads queued photos into the asset store
type PhotoWorker struct {
	store      *storage.SQLStore
	assets     storage.AssetStore
	queue      queue.Queue
	httpClient *http.Client
	cfg        config.PhotoConfig
	triggerCh  chan struct{}
	logFunc    LogFunc
}

// NewPhotoWorker creates a new photo worker
func NewPhotoWorker(store *storage.SQLStore, assets storage.AssetStore, q queue.Queue, client *http.Client, cfg config.PhotoConfig) *PhotoWorker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Minute
	}
	if cfg.StaleClaim <= 0 {
		cfg.StaleClaim = 10 * time.Minute
	}
	if client == nil {
		client = &http.Client{}
	}
	return &PhotoWorker{
		store:      store,
		assets:     assets,
		queue:      q,
		httpClient: client,
		cfg:        cfg,
		triggerCh:  make(chan struct{}, 1),
		logFunc:    NoOpLogger,
	}
}

func (w *PhotoWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the poller to run immediately
func (w *PhotoWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run consumes the queue and polls for pending refs until ctx is done
func (w *PhotoWorker) Run(ctx context.Context) {
	logging.Logger.Infof("Photo worker started (concurrency %d)", w.cfg.Concurrency)

	var wg sync.WaitGroup
	if w.queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logging.Logger.Info("Photo worker stopping")
			return
		case <-ticker.C:
			w.poll(ctx)
		case <-w.triggerCh:
			w.poll(ctx)
		}
	}
}

func (w *PhotoWorker) consume(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for {
		msg, err := w.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
				logging.Logger.Warnf("Photo queue pop failed: %v", err)
				time.Sleep(time.Second)
				continue
			}
			break
		}
		g.Go(func() error {
			if _, err := w.Process(gctx, msg.PhotoRefID); err != nil {
				logging.Logger.WithField("photo_ref_id", msg.PhotoRefID).Errorf("Photo fetch error: %v", err)
			}
			return nil
		})
	}
	g.Wait()
}

// poll picks up refs the queue lost or never carried
func (w *PhotoWorker) poll(ctx context.Context) {
	released, err := w.store.ReleaseStaleClaims(ctx, time.Now().Add(-w.cfg.StaleClaim))
	if err != nil {
		logging.Logger.Errorf("Photo worker: release stale claims: %v", err)
		return
	}
	if released > 0 {
		w.logFunc(models.LogLevelWarn, logSource, fmt.Sprintf("Released %d stale photo claims", released))
	}

	refs, err := w.store.ListPendingPhotoRefs(ctx, pollBatchSize)
	if err != nil {
		logging.Logger.Errorf("Photo worker: query error: %v", err)
		return
	}
	if len(refs) == 0 {
		return
	}
	ids := make([]int64, len(refs))
	for i := range refs {
		ids[i] = refs[i].ID
	}
	w.ProcessBatch(ctx, ids)
}

// ProcessBatch fetches the given refs concurrently. Failures are recorded on
// the refs and counted, never returned.
func (w *PhotoWorker) ProcessBatch(ctx context.Context, ids []int64) models.BatchReport {
	var (
		mu     sync.Mutex
		report models.BatchReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			outcome, err := w.Process(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				logging.Logger.WithField("photo_ref_id", id).Errorf("Photo fetch error: %v", err)
				report.Failed++
			case outcome == OutcomeFetched:
				report.Fetched++
			case outcome == OutcomeFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	g.Wait()

	if report.Failed > 0 {
		logging.Logger.WithFields(logrus.Fields{
			"kind":    models.KindPartialPhotoFailure,
			"fetched": report.Fetched,
			"failed":  report.Failed,
		}).Warn("Photo batch finished with failures")
	}
	if report.Fetched > 0 || report.Failed > 0 {
		w.logFunc(models.LogLevelInfo, logSource, fmt.Sprintf("Photo batch: fetched %d, failed %d, skipped %d",
			report.Fetched, report.Failed, report.Skipped))
	}
	return report
}

// Process claims one ref and fetches it. A ref another worker holds, or one
// deleted meanwhile, is skipped. The returned error is a store failure; fetch
// failures are recorded on the ref and reported as OutcomeFailed.
func (w *PhotoWorker) Process(ctx context.Context, refID int64) (Outcome, error) {
	ref, err := w.store.ClaimPhotoRef(ctx, refID, time.Now())
	if err != nil {
		return OutcomeSkipped, err
	}
	if ref == nil {
		return OutcomeSkipped, nil
	}

	data, contentType, err := w.fetch(ctx, ref.SourceURL)
	if err != nil {
		// Shutdown: hand the ref back instead of burning it
		retry := ctx.Err() != nil
		if markErr := w.store.MarkPhotoFailed(context.WithoutCancel(ctx), ref.ID, err.Error(), retry); markErr != nil {
			return OutcomeFailed, markErr
		}
		if !retry {
			w.logFunc(models.LogLevelWarn, logSource, fmt.Sprintf("Photo %d failed: %v", ref.ID, err))
		}
		return OutcomeFailed, nil
	}

	key := photoKey(ref, guessExtension(ref.SourceURL, contentType))
	if err := w.assets.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		if markErr := w.store.MarkPhotoFailed(context.WithoutCancel(ctx), ref.ID, "store: "+err.Error(), ctx.Err() != nil); markErr != nil {
			return OutcomeFailed, markErr
		}
		return OutcomeFailed, nil
	}

	ok, err := w.store.MarkPhotoFetched(ctx, ref.ID, key)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		// Ref was purged or released while we were fetching
		if err := w.assets.Delete(context.WithoutCancel(ctx), key); err != nil {
			logging.Logger.Warnf("Failed to delete abandoned asset %s: %v", key, err)
		}
		return OutcomeSkipped, nil
	}

	logging.Logger.WithFields(logrus.Fields{
		"photo_ref_id": ref.ID,
		"owner_kind":   ref.OwnerKind,
		"owner_id":     ref.OwnerID,
	}).Debugf("Stored photo %s (%d bytes)", key, len(data))
	return OutcomeFetched, nil
}

// fetch downloads url with one re-attempt on transient failures
func (w *PhotoWorker) fetch(ctx context.Context, url string) ([]byte, string, error) {
	data, contentType, err := w.fetchOnce(ctx, url)
	if err == nil || !retryable(ctx, err) {
		return data, contentType, err
	}
	return w.fetchOnce(ctx, url)
}

func (w *PhotoWorker) fetchOnce(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &statusError{code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > w.cfg.MaxBytes {
		return nil, "", errTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, errTooLarge) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

// photoKey lays assets out per owner, e.g. listings/42/03-118.jpg. The ref id
// keeps a purged ref's late fetch from touching its successor's asset.
func photoKey(ref *models.PhotoRef, ext string) string {
	dir := "listings"
	if ref.OwnerKind == models.OwnerHistoricalSale {
		dir = "historical_sales"
	}
	return fmt.Sprintf("%s/%d/%02d-%d%s", dir, ref.OwnerID, ref.DisplayOrder, ref.ID, ext)
}

// guessExtension determines file extension from URL or content-type
func guessExtension(rawURL, contentType string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(path.Ext(u))
	if isImageExt(ext) {
		if ext == ".jpeg" {
			return ".jpg"
		}
		return ext
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff":
		return true
	}
	return false
}
