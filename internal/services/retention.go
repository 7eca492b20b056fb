package services

import (
	"context"
	"time"

	"meal-lens-backend/internal/models"
	"meal-lens-backend/internal/repository"
	"meal-lens-backend/internal/storage"

	"github.com/rs/zerolog/log"
)

// RetentionSweeper periodically removes meals older than the visibility window
// along with their stored photos. Read correctness never depends on it: every
// query already filters at the retention floor.
type RetentionSweeper struct {
	meals    *repository.MealRepository
	store    storage.ObjectStore
	interval time.Duration
}

// NewRetentionSweeper creates a retention sweeper
func NewRetentionSweeper(meals *repository.MealRepository, store storage.ObjectStore, interval time.Duration) *RetentionSweeper {
	return &RetentionSweeper{meals: meals, store: store, interval: interval}
}

// Run sweeps on the configured interval until ctx is canceled
func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RetentionSweeper) sweepOnce(ctx context.Context) {
	cutoff := models.RetentionFloor(time.Now().UTC())
	storageKeys, removed, err := s.meals.SweepOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	if removed == 0 {
		return
	}

	for _, key := range storageKeys {
		if err := s.store.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("storage_key", key).Msg("Failed to delete swept photo object")
		}
	}

	log.Info().
		Int("meals_removed", removed).
		Int("photos_removed", len(storageKeys)).
		Time("cutoff", cutoff).
		Msg("Retention sweep completed")
}
