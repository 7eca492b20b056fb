package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meal-lens-backend/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMealNotFound is returned when a meal does not exist, belongs to another
// user, or fell outside the retention window
var ErrMealNotFound = errors.New("meal not found")

// MealRepository owns the meals/photos/daily_summary write transactions.
// Every mutation updates the daily aggregate by signed delta inside the same
// transaction, so the summary can never drift from the meals it covers.
type MealRepository struct {
	db *pgxpool.Pool
}

// NewMealRepository creates a new meal repository
func NewMealRepository(db *pgxpool.Pool) *MealRepository {
	return &MealRepository{db: db}
}

// mealDate reduces a timestamp to the UTC day owning the summary row
func mealDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CreateFromEstimate persists one estimated meal: the meal row guarded by the
// job's idempotency key, photo rows in arrival order, and the summary delta,
// all in one transaction. A redelivered job whose meal already exists commits
// nothing and returns created=false.
func (r *MealRepository) CreateFromEstimate(ctx context.Context, job *models.EstimationJob, usedRefs []string, res *models.EstimationResult) (*models.Meal, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	calories := models.CaloriesFromMacros(res.ProteinG, res.CarbsG, res.FatsG)

	meal := &models.Meal{
		ID:             uuid.New().String(),
		UserID:         job.UserID,
		Calories:       calories,
		ProteinG:       res.ProteinG,
		CarbsG:         res.CarbsG,
		FatsG:          res.FatsG,
		Confidence:     res.Confidence,
		PhotoCountUsed: len(usedRefs),
		CreatedAt:      now,
	}
	if job.Caption != "" {
		caption := job.Caption
		meal.Description = &caption
	}

	insertMeal := `
		INSERT INTO meals
			(id, user_id, idempotency_key, description, calories, protein_g, carbs_g, fats_g, confidence, photo_count_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insertMeal,
		meal.ID, meal.UserID, job.IdempotencyKey, meal.Description,
		meal.Calories, meal.ProteinG, meal.CarbsG, meal.FatsG,
		meal.Confidence, meal.PhotoCountUsed, meal.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create meal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Redelivered job: the meal already exists, treat as success no-op.
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil, false, nil
	}

	insertPhoto := `
		INSERT INTO photos (id, meal_id, display_order, storage_key)
		VALUES ($1, $2, $3, $4)
	`
	for i, ref := range usedRefs {
		photo := &models.Photo{
			ID:           uuid.New().String(),
			MealID:       meal.ID,
			DisplayOrder: i,
			StorageKey:   ref,
		}
		if _, err := tx.Exec(ctx, insertPhoto, photo.ID, photo.MealID, photo.DisplayOrder, photo.StorageKey); err != nil {
			return nil, false, fmt.Errorf("failed to create photo: %w", err)
		}
		meal.Photos = append(meal.Photos, photo)
	}

	if err := applySummaryDelta(ctx, tx, meal.UserID, mealDate(now), meal.Contribution()); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return meal, true, nil
}

// Edit applies a partial update. Calories are recomputed from the merged
// macros and the signed difference against the stored values flows into the
// day's summary, in one transaction.
func (r *MealRepository) Edit(ctx context.Context, userID, mealID string, patch models.MealPatch) (*models.Meal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	meal, err := lockMeal(ctx, tx, userID, mealID)
	if err != nil {
		return nil, err
	}

	delta := meal.Apply(patch)
	if err := applySummaryDelta(ctx, tx, userID, mealDate(meal.CreatedAt), delta); err != nil {
		return nil, err
	}

	updateMeal := `
		UPDATE meals
		SET description = $1, calories = $2, protein_g = $3, carbs_g = $4, fats_g = $5
		WHERE id = $6
	`
	if _, err := tx.Exec(ctx, updateMeal,
		meal.Description, meal.Calories, meal.ProteinG, meal.CarbsG, meal.FatsG, meal.ID); err != nil {
		return nil, fmt.Errorf("failed to update meal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return meal, nil
}

// Delete removes the meal and its photos after subtracting its last-known
// contribution from the summary. Returns the storage keys of the removed
// photos so the caller can clean up object storage.
func (r *MealRepository) Delete(ctx context.Context, userID, mealID string) ([]string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	meal, err := lockMeal(ctx, tx, userID, mealID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT storage_key FROM photos WHERE meal_id = $1 ORDER BY display_order`, meal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get meal photos: %w", err)
	}
	var storageKeys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		storageKeys = append(storageKeys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating photos: %w", err)
	}

	if err := applySummaryDelta(ctx, tx, userID, mealDate(meal.CreatedAt), meal.Contribution().Neg()); err != nil {
		return nil, err
	}

	// Photos cascade via FK.
	if _, err := tx.Exec(ctx, `DELETE FROM meals WHERE id = $1`, meal.ID); err != nil {
		return nil, fmt.Errorf("failed to delete meal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return storageKeys, nil
}

// lockMeal loads a visible meal row FOR UPDATE
func lockMeal(ctx context.Context, tx pgx.Tx, userID, mealID string) (*models.Meal, error) {
	query := `
		SELECT id, user_id, description, calories, protein_g, carbs_g, fats_g, confidence, photo_count_used, created_at
		FROM meals
		WHERE id = $1 AND user_id = $2 AND created_at >= $3
		FOR UPDATE
	`
	floor := models.RetentionFloor(time.Now().UTC())
	var meal models.Meal
	err := tx.QueryRow(ctx, query, mealID, userID, floor).Scan(
		&meal.ID, &meal.UserID, &meal.Description, &meal.Calories,
		&meal.ProteinG, &meal.CarbsG, &meal.FatsG, &meal.Confidence,
		&meal.PhotoCountUsed, &meal.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrMealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meal: %w", err)
	}
	return &meal, nil
}

// GetByID retrieves a meal with its photos
func (r *MealRepository) GetByID(ctx context.Context, userID, mealID string) (*models.Meal, error) {
	query := `
		SELECT id, user_id, description, calories, protein_g, carbs_g, fats_g, confidence, photo_count_used, created_at
		FROM meals
		WHERE id = $1 AND user_id = $2 AND created_at >= $3
	`
	floor := models.RetentionFloor(time.Now().UTC())
	var meal models.Meal
	err := r.db.QueryRow(ctx, query, mealID, userID, floor).Scan(
		&meal.ID, &meal.UserID, &meal.Description, &meal.Calories,
		&meal.ProteinG, &meal.CarbsG, &meal.FatsG, &meal.Confidence,
		&meal.PhotoCountUsed, &meal.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrMealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meal: %w", err)
	}

	photos, err := r.getPhotos(ctx, meal.ID)
	if err != nil {
		return nil, err
	}
	meal.Photos = photos
	return &meal, nil
}

// ListByDate retrieves a user's meals for one UTC day, oldest first
func (r *MealRepository) ListByDate(ctx context.Context, userID string, date time.Time) ([]*models.Meal, error) {
	day := mealDate(date)
	query := `
		SELECT id, user_id, description, calories, protein_g, carbs_g, fats_g, confidence, photo_count_used, created_at
		FROM meals
		WHERE user_id = $1
		  AND created_at >= $2 AND created_at < $3
		  AND created_at >= $4
		ORDER BY created_at ASC
	`
	floor := models.RetentionFloor(time.Now().UTC())
	rows, err := r.db.Query(ctx, query, userID, day, day.AddDate(0, 0, 1), floor)
	if err != nil {
		return nil, fmt.Errorf("failed to list meals: %w", err)
	}
	defer rows.Close()

	var meals []*models.Meal
	for rows.Next() {
		var meal models.Meal
		if err := rows.Scan(
			&meal.ID, &meal.UserID, &meal.Description, &meal.Calories,
			&meal.ProteinG, &meal.CarbsG, &meal.FatsG, &meal.Confidence,
			&meal.PhotoCountUsed, &meal.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan meal: %w", err)
		}
		meals = append(meals, &meal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating meals: %w", err)
	}

	for _, meal := range meals {
		photos, err := r.getPhotos(ctx, meal.ID)
		if err != nil {
			return nil, err
		}
		meal.Photos = photos
	}
	return meals, nil
}

func (r *MealRepository) getPhotos(ctx context.Context, mealID string) ([]*models.Photo, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, meal_id, display_order, storage_key FROM photos WHERE meal_id = $1 ORDER BY display_order`,
		mealID)
	if err != nil {
		return nil, fmt.Errorf("failed to get photos: %w", err)
	}
	defer rows.Close()

	var photos []*models.Photo
	for rows.Next() {
		var p models.Photo
		if err := rows.Scan(&p.ID, &p.MealID, &p.DisplayOrder, &p.StorageKey); err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		photos = append(photos, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating photos: %w", err)
	}
	return photos, nil
}

// SweepOlderThan physically removes meals, their photos and stale summary rows
// older than the cutoff. Reads do not depend on this: every query already
// filters by the retention floor.
func (r *MealRepository) SweepOlderThan(ctx context.Context, cutoff time.Time) ([]string, int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT p.storage_key
		FROM photos p
		JOIN meals m ON m.id = p.meal_id
		WHERE m.created_at < $1
	`, cutoff)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to collect swept photos: %w", err)
	}
	var storageKeys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to scan photo: %w", err)
		}
		storageKeys = append(storageKeys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating photos: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM meals WHERE created_at < $1`, cutoff)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to sweep meals: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM daily_summary WHERE date < $1`, mealDate(cutoff)); err != nil {
		return nil, 0, fmt.Errorf("failed to sweep summaries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return storageKeys, int(tag.RowsAffected()), nil
}
