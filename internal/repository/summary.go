package repository

import (
	"context"
	"fmt"
	"time"

	"meal-lens-backend/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SummaryRepository reads the per-user-per-day aggregate. All writes to
// daily_summary happen inside meal transactions via applySummaryDelta, never
// through a standalone write path.
type SummaryRepository struct {
	db *pgxpool.Pool
}

// NewSummaryRepository creates a new summary repository
func NewSummaryRepository(db *pgxpool.Pool) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// GetByDate retrieves the summary for one day. A missing row reads as zeros.
func (r *SummaryRepository) GetByDate(ctx context.Context, userID string, date time.Time) (*models.DailySummary, error) {
	query := `
		SELECT user_id, date, total_calories, total_protein_g, total_carbs_g, total_fats_g
		FROM daily_summary
		WHERE user_id = $1 AND date = $2 AND date >= $3
	`
	// The date column holds UTC midnights; a timestamp with a time-of-day
	// component would never match it.
	day := mealDate(date)
	floor := mealDate(models.RetentionFloor(time.Now().UTC()))
	var s models.DailySummary
	err := r.db.QueryRow(ctx, query, userID, day, floor).Scan(
		&s.UserID, &s.Date, &s.TotalCalories, &s.TotalProteinG, &s.TotalCarbsG, &s.TotalFatsG,
	)
	if err == pgx.ErrNoRows {
		return &models.DailySummary{UserID: userID, Date: day}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily summary: %w", err)
	}
	return &s, nil
}

// GetRange retrieves summaries for a calendar range, newest first
func (r *SummaryRepository) GetRange(ctx context.Context, userID string, from, to time.Time) ([]*models.DailySummary, error) {
	query := `
		SELECT user_id, date, total_calories, total_protein_g, total_carbs_g, total_fats_g
		FROM daily_summary
		WHERE user_id = $1 AND date >= $2 AND date <= $3 AND date >= $4
		ORDER BY date DESC
	`
	floor := mealDate(models.RetentionFloor(time.Now().UTC()))
	rows, err := r.db.Query(ctx, query, userID, mealDate(from), mealDate(to), floor)
	if err != nil {
		return nil, fmt.Errorf("failed to get summary range: %w", err)
	}
	defer rows.Close()

	var summaries []*models.DailySummary
	for rows.Next() {
		var s models.DailySummary
		if err := rows.Scan(&s.UserID, &s.Date, &s.TotalCalories, &s.TotalProteinG, &s.TotalCarbsG, &s.TotalFatsG); err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summaries: %w", err)
	}
	return summaries, nil
}

// applySummaryDelta adds a signed contribution to the (user, date) aggregate,
// creating the row if absent. Must run inside the same transaction as the meal
// mutation it reflects.
func applySummaryDelta(ctx context.Context, tx pgx.Tx, userID string, date time.Time, d models.MacroDelta) error {
	query := `
		INSERT INTO daily_summary (user_id, date, total_calories, total_protein_g, total_carbs_g, total_fats_g)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, date) DO UPDATE SET
			total_calories  = daily_summary.total_calories  + EXCLUDED.total_calories,
			total_protein_g = daily_summary.total_protein_g + EXCLUDED.total_protein_g,
			total_carbs_g   = daily_summary.total_carbs_g   + EXCLUDED.total_carbs_g,
			total_fats_g    = daily_summary.total_fats_g    + EXCLUDED.total_fats_g
	`
	if _, err := tx.Exec(ctx, query, userID, date, d.Calories, d.ProteinG, d.CarbsG, d.FatsG); err != nil {
		return fmt.Errorf("failed to apply summary delta: %w", err)
	}
	return nil
}
