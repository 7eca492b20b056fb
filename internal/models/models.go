package models

import (
	"math"
	"time"
)

// MaxPhotosPerMeal is the hard cap on photos attached to one meal submission
const MaxPhotosPerMeal = 5

// PhotoEvent is one inbound photo notification from the chat-platform gateway.
// Ephemeral: consumed by the aggregator, never persisted.
type PhotoEvent struct {
	UserID        string    `json:"user_id"`
	GroupKey      string    `json:"group_key,omitempty"`
	PhotoRef      string    `json:"photo_ref"`
	Caption       string    `json:"caption,omitempty"`
	GroupComplete bool      `json:"is_group_complete_signal"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Submission is one finalized meal submission produced by a buffer flush
type Submission struct {
	UserID         string
	IdempotencyKey string
	PhotoRefs      []string
	Caption        string
	DroppedPhotos  int
}

// Job statuses for estimation_jobs rows
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobDead       = "dead"
)

// EstimationJob is one queued unit of estimation work
type EstimationJob struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	PhotoRefs      []string  `json:"photo_refs"`
	Caption        string    `json:"caption,omitempty"`
	Status         string    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// EstimationResult is the parsed, validated output of one estimation call
type EstimationResult struct {
	Calories       float64 `json:"calories"`
	ProteinG       float64 `json:"protein_g"`
	CarbsG         float64 `json:"carbs_g"`
	FatsG          float64 `json:"fats_g"`
	Confidence     float64 `json:"confidence"`
	PhotoCountUsed int     `json:"photo_count_used"`
}

// Meal represents one logged meal
type Meal struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Description    *string   `json:"description,omitempty"`
	Calories       float64   `json:"calories"`
	ProteinG       float64   `json:"protein_g"`
	CarbsG         float64   `json:"carbs_g"`
	FatsG          float64   `json:"fats_g"`
	Confidence     float64   `json:"confidence"`
	PhotoCountUsed int       `json:"photo_count_used"`
	CreatedAt      time.Time `json:"created_at"`
	Photos         []*Photo  `json:"photos,omitempty"`
}

// Photo represents one stored meal photo
type Photo struct {
	ID           string `json:"id"`
	MealID       string `json:"meal_id"`
	DisplayOrder int    `json:"display_order"`
	StorageKey   string `json:"storage_key"`
	URL          string `json:"url,omitempty"`
}

// DailySummary is the derived per-user-per-day aggregate. It is maintained by
// delta application inside the same transaction as each meal mutation and must
// always equal the sum over non-deleted meals for that (user, date).
type DailySummary struct {
	UserID        string    `json:"user_id"`
	Date          time.Time `json:"date"`
	TotalCalories float64   `json:"total_calories"`
	TotalProteinG float64   `json:"total_protein_g"`
	TotalCarbsG   float64   `json:"total_carbs_g"`
	TotalFatsG    float64   `json:"total_fats_g"`
}

// Device is a registered push target for a user
type Device struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PushToken string    `json:"push_token"`
	CreatedAt time.Time `json:"created_at"`
}

// MealPatch is a partial meal edit. Nil fields keep their stored value;
// calories are always recomputed from the merged macros.
type MealPatch struct {
	Description *string  `json:"description"`
	ProteinG    *float64 `json:"protein_g"`
	CarbsG      *float64 `json:"carbs_g"`
	FatsG       *float64 `json:"fats_g"`
}

// CaloriesFromMacros computes calories with the 4/4/9 factors, rounded to one
// decimal place.
func CaloriesFromMacros(proteinG, carbsG, fatsG float64) float64 {
	return math.Round((proteinG*4+carbsG*4+fatsG*9)*10) / 10
}

// MacroDelta is a signed change to a day's aggregate
type MacroDelta struct {
	Calories float64
	ProteinG float64
	CarbsG   float64
	FatsG    float64
}

// Neg returns the inverse delta
func (d MacroDelta) Neg() MacroDelta {
	return MacroDelta{-d.Calories, -d.ProteinG, -d.CarbsG, -d.FatsG}
}

// Contribution is the meal's current share of its day's aggregate
func (m *Meal) Contribution() MacroDelta {
	return MacroDelta{m.Calories, m.ProteinG, m.CarbsG, m.FatsG}
}

// Apply merges a patch into the meal, recomputes calories from the merged
// macros, and returns the signed delta against the prior stored values. The
// aggregate is adjusted by this delta, never recomputed from scratch.
func (m *Meal) Apply(patch MealPatch) MacroDelta {
	old := m.Contribution()

	if patch.Description != nil {
		m.Description = patch.Description
	}
	if patch.ProteinG != nil {
		m.ProteinG = *patch.ProteinG
	}
	if patch.CarbsG != nil {
		m.CarbsG = *patch.CarbsG
	}
	if patch.FatsG != nil {
		m.FatsG = *patch.FatsG
	}
	m.Calories = CaloriesFromMacros(m.ProteinG, m.CarbsG, m.FatsG)

	return MacroDelta{
		Calories: m.Calories - old.Calories,
		ProteinG: m.ProteinG - old.ProteinG,
		CarbsG:   m.CarbsG - old.CarbsG,
		FatsG:    m.FatsG - old.FatsG,
	}
}

// RetentionDays is the visibility window applied to every read path
const RetentionDays = 365

// RetentionFloor returns the oldest created_at still visible to reads
func RetentionFloor(now time.Time) time.Time {
	return now.AddDate(0, 0, -RetentionDays)
}
