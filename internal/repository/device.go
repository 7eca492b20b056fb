package repository

import (
	"context"
	"fmt"
	"time"

	"meal-lens-backend/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeviceRepository stores registered push targets
type DeviceRepository struct {
	db *pgxpool.Pool
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Upsert registers a push token for a user, replacing an existing registration
// of the same token
func (r *DeviceRepository) Upsert(ctx context.Context, userID, pushToken string) (*models.Device, error) {
	device := &models.Device{
		ID:        uuid.New().String(),
		UserID:    userID,
		PushToken: pushToken,
		CreatedAt: time.Now().UTC(),
	}
	query := `
		INSERT INTO user_devices (id, user_id, push_token, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, push_token) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, device.ID, device.UserID, device.PushToken, device.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return device, nil
}

// TokensForUser lists the push tokens registered by a user
func (r *DeviceRepository) TokensForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT push_token FROM user_devices WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return tokens, nil
}
