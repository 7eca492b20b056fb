package services

import (
	"context"
	"time"

	"meal-lens-backend/internal/models"
	"meal-lens-backend/internal/repository"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Notice codes. The core emits codes plus payload; message wording and i18n
// belong to the chat-integration gateway.
const (
	NoticePhotoLimit       = "photo_limit_reached"
	NoticeEstimationFailed = "estimation_failed"
	NoticeMealCreated      = "meal_created"
)

// NoticeService fans user notices out to the chat gateway, any registered
// push devices and the live websocket session.
type NoticeService struct {
	chat       *resty.Client
	gatewayURL string
	hub        *WSHub
	push       *PushService
	devices    *repository.DeviceRepository
}

// NewNoticeService creates a notice service. push may be nil when APNs is not
// configured.
func NewNoticeService(gatewayURL, gatewayToken string, hub *WSHub, push *PushService, devices *repository.DeviceRepository) *NoticeService {
	chat := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetAuthToken(gatewayToken)
	return &NoticeService{
		chat:       chat,
		gatewayURL: gatewayURL,
		hub:        hub,
		push:       push,
		devices:    devices,
	}
}

type chatNotice struct {
	UserID string                 `json:"user_id"`
	Code   string                 `json:"code"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// PhotoLimitReached tells the user that photos beyond the cap were ignored
func (n *NoticeService) PhotoLimitReached(ctx context.Context, userID string, dropped int) {
	n.deliver(ctx, userID, NoticePhotoLimit, map[string]interface{}{
		"kept":    models.MaxPhotosPerMeal,
		"dropped": dropped,
	})
}

// EstimationFailed tells the user that their submission could not be estimated
func (n *NoticeService) EstimationFailed(ctx context.Context, userID string) {
	n.deliver(ctx, userID, NoticeEstimationFailed, nil)
}

// MealCreated announces a finished estimate to the user's live session
func (n *NoticeService) MealCreated(ctx context.Context, meal *models.Meal) {
	n.deliver(ctx, meal.UserID, NoticeMealCreated, map[string]interface{}{
		"meal_id":  meal.ID,
		"calories": meal.Calories,
	})
}

// deliver is best-effort on every channel: a notice is a side effect, never a
// reason to fail the operation that produced it.
func (n *NoticeService) deliver(ctx context.Context, userID, code string, data map[string]interface{}) {
	if n.gatewayURL != "" {
		_, err := n.chat.R().
			SetContext(ctx).
			SetBody(chatNotice{UserID: userID, Code: code, Data: data}).
			Post(n.gatewayURL)
		if err != nil {
			log.Warn().Err(err).
				Str("user_id", userID).
				Str("code", code).
				Msg("Failed to deliver chat notice")
		}
	}

	if n.hub != nil && n.hub.IsOnline(userID) {
		msg := WSMessage{
			Type:      code,
			Timestamp: time.Now().Unix(),
			Data:      data,
		}
		if mealID, ok := data["meal_id"].(string); ok {
			msg.MealID = mealID
		}
		if err := n.hub.SendToUser(userID, msg); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("WebSocket notice not delivered")
		}
	}

	if n.push != nil && n.devices != nil {
		tokens, err := n.devices.TokensForUser(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to load push tokens")
			return
		}
		for _, token := range tokens {
			if err := n.push.Send(ctx, token, code); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("Failed to deliver push notice")
			}
		}
	}
}
