package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"meal-lens-backend/internal/middleware"
	"meal-lens-backend/internal/models"
	"meal-lens-backend/internal/repository"
	"meal-lens-backend/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const dateLayout = "2006-01-02"

// MealHandler handles meal-related HTTP requests from the mini-app
type MealHandler struct {
	mealService *services.MealService
}

// NewMealHandler creates a new meal handler
func NewMealHandler(mealService *services.MealService) *MealHandler {
	return &MealHandler{mealService: mealService}
}

// GetDay handles GET /api/v1/meals?date=YYYY-MM-DD
func (h *MealHandler) GetDay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	date := time.Now().UTC()
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		parsed, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			respondError(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	view, err := h.mealService.GetDay(ctx, userID, date)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get day view")
		respondError(w, "failed to get meals", http.StatusInternalServerError)
		return
	}
	respondJSON(w, view, http.StatusOK)
}

// GetMeal handles GET /api/v1/meals/{meal_id}
func (h *MealHandler) GetMeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	mealID := chi.URLParam(r, "meal_id")

	meal, err := h.mealService.GetMeal(ctx, userID, mealID)
	if err != nil {
		if errors.Is(err, repository.ErrMealNotFound) {
			respondError(w, "meal not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("user_id", userID).Str("meal_id", mealID).Msg("Failed to get meal")
		respondError(w, "failed to get meal", http.StatusInternalServerError)
		return
	}
	respondJSON(w, meal, http.StatusOK)
}

// EditMeal handles PATCH /api/v1/meals/{meal_id}
func (h *MealHandler) EditMeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	mealID := chi.URLParam(r, "meal_id")

	var patch models.MealPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	meal, err := h.mealService.EditMeal(ctx, userID, mealID, patch)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrMealNotFound):
			respondError(w, "meal not found", http.StatusNotFound)
		case errors.Is(err, services.ErrInvalidPatch):
			respondError(w, err.Error(), http.StatusBadRequest)
		default:
			log.Error().Err(err).Str("user_id", userID).Str("meal_id", mealID).Msg("Failed to edit meal")
			respondError(w, "failed to edit meal", http.StatusInternalServerError)
		}
		return
	}

	log.Info().
		Str("user_id", userID).
		Str("meal_id", mealID).
		Float64("calories", meal.Calories).
		Msg("Meal edited")
	respondJSON(w, meal, http.StatusOK)
}

// DeleteMeal handles DELETE /api/v1/meals/{meal_id}
func (h *MealHandler) DeleteMeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	mealID := chi.URLParam(r, "meal_id")

	if err := h.mealService.DeleteMeal(ctx, userID, mealID); err != nil {
		if errors.Is(err, repository.ErrMealNotFound) {
			respondError(w, "meal not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("user_id", userID).Str("meal_id", mealID).Msg("Failed to delete meal")
		respondError(w, "failed to delete meal", http.StatusInternalServerError)
		return
	}

	log.Info().Str("user_id", userID).Str("meal_id", mealID).Msg("Meal deleted")
	w.WriteHeader(http.StatusNoContent)
}

// GetCalendar handles GET /api/v1/summary?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *MealHandler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	from, err := time.Parse(dateLayout, r.URL.Query().Get("from"))
	if err != nil {
		respondError(w, "invalid from date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(dateLayout, r.URL.Query().Get("to"))
	if err != nil {
		respondError(w, "invalid to date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if to.Before(from) {
		respondError(w, "to must not precede from", http.StatusBadRequest)
		return
	}

	summaries, err := h.mealService.GetCalendar(ctx, userID, from, to)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get calendar")
		respondError(w, "failed to get summaries", http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]interface{}{"summaries": summaries}, http.StatusOK)
}

// RegisterDeviceRequest is the POST /api/v1/devices body
type RegisterDeviceRequest struct {
	PushToken string `json:"push_token"`
}

// RegisterDevice handles POST /api/v1/devices
func (h *MealHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PushToken == "" {
		respondError(w, "push_token is required", http.StatusBadRequest)
		return
	}

	device, err := h.mealService.RegisterDevice(ctx, userID, req.PushToken)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to register device")
		respondError(w, "failed to register device", http.StatusInternalServerError)
		return
	}
	respondJSON(w, device, http.StatusCreated)
}
