package ingest

import (
	"errors"

	"meal-lens-backend/internal/models"
)

// ErrNoPhotos is returned when a submission would contain zero photos
var ErrNoPhotos = errors.New("submission has no photos")

// LimitResult describes how many photos of a candidate submission survive the
// per-meal cap
type LimitResult struct {
	Kept         int
	Dropped      int
	LimitReached bool
}

// ValidatePhotoCount applies the max-photos-per-submission rule to a candidate
// photo count. Pure: no side effects beyond the returned flags.
func ValidatePhotoCount(count int) (LimitResult, error) {
	if count <= 0 {
		return LimitResult{}, ErrNoPhotos
	}
	if count > models.MaxPhotosPerMeal {
		return LimitResult{
			Kept:         models.MaxPhotosPerMeal,
			Dropped:      count - models.MaxPhotosPerMeal,
			LimitReached: true,
		}, nil
	}
	return LimitResult{Kept: count}, nil
}
