package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"listing_ledger/config"
	"listing_ledger/httputil"
	"listing_ledger/logging"
	"listing_ledger/queue"
	"listing_ledger/scheduler"
	"listing_ledger/services"
	"listing_ledger/storage"
	"listing_ledger/workers"
)

var (
	ingestFile = flag.String("ingest", "", "Reconcile observations from a JSON lines file and exit")
	importFile = flag.String("import", "", "Import historical sales from a CSV file and exit")
	importSrc  = flag.String("source", "", "Data source label for -import")
	purgeNow   = flag.Bool("purge", false, "Purge orphaned photos and exit")
	expireNow  = flag.Bool("expire", false, "Expire stale listings and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Logger.Fatalf("Failed to load config: %v", err)
	}

	logging.Init("ledger", cfg.LogLevel)
	logFile, err := logging.Setup(cfg.LogPath)
	if err != nil {
		logging.Logger.Warnf("Could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	logging.Logger.Info("Starting listing ledger...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dsn := cfg.DB.Path
	if cfg.DB.Driver == "postgres" {
		dsn = cfg.DB.URL
	}
	store, err := storage.Open(ctx, cfg.DB.Driver, dsn)
	if err != nil {
		logging.Logger.Fatalf("Failed to open %s store: %v", cfg.DB.Driver, err)
	}
	defer store.Close()
	logging.Logger.Infof("Connected to %s: %s", store.Dialect(), maskConnectionString(dsn))

	assets, err := openAssetStore(ctx, cfg)
	if err != nil {
		logging.Logger.Fatalf("Failed to open photo storage: %v", err)
	}

	photoQueue, err := openQueue(ctx, cfg)
	if err != nil {
		logging.Logger.Fatalf("Failed to open photo queue: %v", err)
	}
	defer photoQueue.Close()

	// Initialize services
	resolver := services.NewResolver(cfg.DefaultCity)
	ledgerService := services.NewLedgerService(store)
	mediaService := services.NewMediaService(store, assets, photoQueue, cfg.Photos.MaxPerOwner, cfg.Photos.OrphanGrace)
	listingService := services.NewListingService(store, resolver, ledgerService, mediaService)
	saleService := services.NewHistoricalSaleService(store, resolver, mediaService)
	healthcheckService := services.NewHealthcheckService(store, listingService)

	if n, err := resolver.Seed(ctx, store, cfg.Ledger.Neighborhoods); err != nil {
		logging.Logger.Fatalf("Failed to seed neighborhoods: %v", err)
	} else if n > 0 {
		logging.Logger.Infof("Seeded %d neighborhoods", n)
	}

	logging.Logger.Info("Services initialized")

	// Handle one-shot commands
	switch {
	case *ingestFile != "":
		stats, err := ingestObservations(ctx, listingService, *ingestFile)
		if err != nil {
			logging.Logger.Fatalf("Ingest failed: %v", err)
		}
		logging.Logger.Infof("Ingest complete: %s", stats.ToJSON())
		return
	case *importFile != "":
		report, err := importSales(ctx, saleService, *importFile, *importSrc)
		if err != nil {
			logging.Logger.Fatalf("Import failed: %v", err)
		}
		for _, f := range report.Failures {
			logging.Logger.Warnf("Row %d rejected (%s): %s", f.Row, f.Reason, f.Message)
		}
		logging.Logger.Infof("Import complete: %d/%d rows (batch %s)", report.Imported, report.Total, report.BatchID)
		return
	case *purgeNow:
		n, err := mediaService.PurgeOrphaned(ctx)
		if err != nil {
			logging.Logger.Fatalf("Purge failed: %v", err)
		}
		logging.Logger.Infof("Purge complete: %d photos removed", n)
		return
	case *expireNow:
		n, err := healthcheckService.ExpireStale(ctx, cfg.Scheduler.StaleAfter, 0)
		if err != nil {
			logging.Logger.Fatalf("Expire failed: %v", err)
		}
		logging.Logger.Infof("Expire complete: %d listings expired", n)
		return
	}

	// Daemon mode
	clients := httputil.NewClients(cfg.ProxyURL, cfg.Photos.FetchTimeout)
	photoWorker := workers.NewPhotoWorker(store, assets, photoQueue, clients.Photos, cfg.Photos)
	photoWorker.SetLogger(workers.ProcessLogger)

	sched := scheduler.New(cfg.Scheduler, store, mediaService, healthcheckService)
	sched.SetWorkers(photoWorker)
	if err := sched.Start(ctx); err != nil {
		logging.Logger.Fatalf("Failed to start scheduler: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		photoWorker.Run(ctx)
	}()

	logging.Logger.Info("Daemon running. Press Ctrl+C to stop.")
	<-ctx.Done()

	logging.Logger.Info("Shutting down...")
	sched.Stop()
	<-done
	logging.Logger.Info("Goodbye!")
}

func openAssetStore(ctx context.Context, cfg *config.Config) (storage.AssetStore, error) {
	if cfg.Photos.Storage == "s3" {
		s3Store, err := storage.NewS3AssetStore(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		logging.Logger.Infof("Photo storage: s3://%s", cfg.S3.Bucket)
		return s3Store, nil
	}
	local, err := storage.NewLocalAssetStore(cfg.Photos.Dir)
	if err != nil {
		return nil, err
	}
	logging.Logger.Infof("Photo storage: %s", cfg.Photos.Dir)
	return local, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.RedisURL != "" {
		q, err := queue.NewRedisQueue(ctx, cfg.RedisURL, queue.DefaultRedisKey, int64(cfg.Photos.QueueSize))
		if err != nil {
			return nil, err
		}
		logging.Logger.Infof("Photo queue: redis %s", maskConnectionString(cfg.RedisURL))
		return q, nil
	}
	return queue.NewChanQueue(cfg.Photos.QueueSize), nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
