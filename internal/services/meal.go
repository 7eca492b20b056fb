package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meal-lens-backend/internal/models"
	"meal-lens-backend/internal/repository"
	"meal-lens-backend/internal/storage"

	"github.com/rs/zerolog/log"
)

// ErrInvalidPatch is returned for meal edits with negative macro values
var ErrInvalidPatch = errors.New("macro values must not be negative")

// MealService handles meal reads, edits and deletes, and applies estimation
// results coming out of the worker pool. Edits and deletes hit the
// transactional updater directly; they never pass through the queue.
type MealService struct {
	meals     *repository.MealRepository
	summaries *repository.SummaryRepository
	devices   *repository.DeviceRepository
	store     storage.ObjectStore
	notices   *NoticeService
}

// NewMealService creates a new meal service
func NewMealService(
	meals *repository.MealRepository,
	summaries *repository.SummaryRepository,
	devices *repository.DeviceRepository,
	store storage.ObjectStore,
	notices *NoticeService,
) *MealService {
	return &MealService{
		meals:     meals,
		summaries: summaries,
		devices:   devices,
		store:     store,
		notices:   notices,
	}
}

// ApplyEstimate persists a successful estimation result. Safe under queue
// redelivery: an already-applied idempotency key commits nothing and reports
// success.
func (s *MealService) ApplyEstimate(ctx context.Context, job *models.EstimationJob, usedRefs []string, res *models.EstimationResult) error {
	meal, created, err := s.meals.CreateFromEstimate(ctx, job, usedRefs, res)
	if err != nil {
		return fmt.Errorf("failed to apply estimate: %w", err)
	}
	if !created {
		log.Info().
			Str("job_id", job.ID).
			Str("idempotency_key", job.IdempotencyKey).
			Msg("Meal already exists for job, skipping")
		return nil
	}

	log.Info().
		Str("user_id", meal.UserID).
		Str("meal_id", meal.ID).
		Float64("calories", meal.Calories).
		Int("photos", meal.PhotoCountUsed).
		Msg("Meal created from estimate")

	s.notices.MealCreated(ctx, meal)
	return nil
}

// DayView is one day's meals together with the maintained aggregate
type DayView struct {
	Date    string               `json:"date"`
	Summary *models.DailySummary `json:"summary"`
	Meals   []*models.Meal       `json:"meals"`
}

// GetDay returns the user's meals and summary for one UTC day
func (s *MealService) GetDay(ctx context.Context, userID string, date time.Time) (*DayView, error) {
	meals, err := s.meals.ListByDate(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	summary, err := s.summaries.GetByDate(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	for _, meal := range meals {
		s.attachPhotoURLs(ctx, meal)
	}
	return &DayView{
		Date:    date.UTC().Format("2006-01-02"),
		Summary: summary,
		Meals:   meals,
	}, nil
}

// GetMeal returns one meal with presigned photo URLs
func (s *MealService) GetMeal(ctx context.Context, userID, mealID string) (*models.Meal, error) {
	meal, err := s.meals.GetByID(ctx, userID, mealID)
	if err != nil {
		return nil, err
	}
	s.attachPhotoURLs(ctx, meal)
	return meal, nil
}

// EditMeal applies a partial update to a meal
func (s *MealService) EditMeal(ctx context.Context, userID, mealID string, patch models.MealPatch) (*models.Meal, error) {
	if (patch.ProteinG != nil && *patch.ProteinG < 0) ||
		(patch.CarbsG != nil && *patch.CarbsG < 0) ||
		(patch.FatsG != nil && *patch.FatsG < 0) {
		return nil, ErrInvalidPatch
	}
	return s.meals.Edit(ctx, userID, mealID, patch)
}

// DeleteMeal removes a meal; its photo objects are cleaned up best-effort
// after the transaction commits
func (s *MealService) DeleteMeal(ctx context.Context, userID, mealID string) error {
	storageKeys, err := s.meals.Delete(ctx, userID, mealID)
	if err != nil {
		return err
	}
	for _, key := range storageKeys {
		if err := s.store.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("storage_key", key).Msg("Failed to delete photo object")
		}
	}
	return nil
}

// GetCalendar returns daily summaries for a date range
func (s *MealService) GetCalendar(ctx context.Context, userID string, from, to time.Time) ([]*models.DailySummary, error) {
	return s.summaries.GetRange(ctx, userID, from, to)
}

// RegisterDevice stores a push token for estimation notices
func (s *MealService) RegisterDevice(ctx context.Context, userID, pushToken string) (*models.Device, error) {
	return s.devices.Upsert(ctx, userID, pushToken)
}

func (s *MealService) attachPhotoURLs(ctx context.Context, meal *models.Meal) {
	for _, photo := range meal.Photos {
		url, err := s.store.GetDownloadURL(ctx, photo.StorageKey)
		if err != nil {
			log.Warn().Err(err).Str("photo_id", photo.ID).Msg("Failed to presign photo URL")
			continue
		}
		photo.URL = url
	}
}
