package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"listing_ledger/config"
	"listing_ledger/logging"
	"listing_ledger/models"
	"listing_ledger/services"
	"listing_ledger/storage"
)

const commandPollInterval = 2 * time.Second

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Scheduler runs the periodic maintenance jobs and the operator command queue
type Scheduler struct {
	cfg      config.SchedulerConfig
	store    *storage.SQLStore
	media    *services.MediaService
	health   *services.HealthcheckService
	cron     *cron.Cron
	stopCh   chan struct{}
	stopOnce sync.Once

	photoWorker Triggerable
}

func New(cfg config.SchedulerConfig, store *storage.SQLStore, media *services.MediaService, health *services.HealthcheckService) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		media:  media,
		health: health,
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(photos Triggerable) {
	s.photoWorker = photos
}

func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"purge orphaned photos", s.cfg.PurgeCron, s.PurgeOrphans},
		{"expire stale listings", s.cfg.ExpireCron, s.ExpireStale},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		_, err := s.cron.AddFunc(job.spec, func() {
			if err := job.run(ctx); err != nil {
				logging.Logger.Errorf("Scheduled %s failed: %v", job.name, err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression %q for %s: %w", job.spec, job.name, err)
		}
		logging.Logger.Infof("Scheduled %s: %s", job.name, job.spec)
	}
	s.cron.Start()

	go s.pollCommands(ctx)
	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopCh)
	})
}

func (s *Scheduler) PurgeOrphans(ctx context.Context) error {
	n, err := s.media.PurgeOrphaned(ctx)
	if err != nil {
		return err
	}
	logging.Logger.Infof("Orphan purge removed %d photos", n)
	return nil
}

func (s *Scheduler) ExpireStale(ctx context.Context) error {
	return s.expireStale(ctx, s.cfg.StaleAfter)
}

func (s *Scheduler) expireStale(ctx context.Context, staleAfter time.Duration) error {
	if staleAfter <= 0 {
		return fmt.Errorf("stale threshold must be positive, got %s", staleAfter)
	}
	_, err := s.health.ExpireStale(ctx, staleAfter, 0)
	return err
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(commandPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessCommands handles every pending command once and returns how many
// were processed. A failing command is still marked processed.
func (s *Scheduler) ProcessCommands(ctx context.Context) int {
	cmds, err := s.store.GetPendingCommands(ctx)
	if err != nil {
		logging.Logger.Errorf("Error getting commands: %v", err)
		return 0
	}

	for _, cmd := range cmds {
		logging.Logger.Infof("Processing command: %s", cmd.Command)
		if err := s.handleCommand(ctx, &cmd); err != nil {
			logging.Logger.WithField("command_id", cmd.ID).Errorf("Command error: %v", err)
		}
		if err := s.store.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			logging.Logger.Errorf("Error marking command processed: %v", err)
		}
	}
	return len(cmds)
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	var params models.CommandParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return fmt.Errorf("decode %s params: %w", cmd.Command, err)
		}
	}

	switch cmd.Command {
	case models.CmdPurgeOrphans:
		return s.PurgeOrphans(ctx)

	case models.CmdExpireStale:
		staleAfter := s.cfg.StaleAfter
		if params.Stale != "" {
			d, err := time.ParseDuration(params.Stale)
			if err != nil {
				return fmt.Errorf("invalid stale duration %q: %w", params.Stale, err)
			}
			staleAfter = d
		}
		return s.expireStale(ctx, staleAfter)

	case models.CmdRetryPhotos:
		n, err := s.media.RetryFailed(ctx)
		if err != nil {
			return err
		}
		logging.Logger.Infof("Reset %d failed photos", n)
		if s.photoWorker != nil {
			s.photoWorker.Trigger()
			logging.Logger.Info("Photo worker triggered via command")
		}
		return nil

	case models.CmdPurgePhotos:
		if params.ListingID == 0 {
			return fmt.Errorf("%s requires listing_id", cmd.Command)
		}
		kind := models.OwnerListing
		if params.OwnerKind != "" {
			kind = models.OwnerKind(params.OwnerKind)
		}
		_, err := s.media.Purge(ctx, kind, params.ListingID)
		return err

	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}
