package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateToken_RoundTrip(t *testing.T) {
	signed := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "u1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	userID, err := ValidateToken(signed, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	signed := signToken(t, "other-secret", jwt.MapClaims{"user_id": "u1"})
	_, err := ValidateToken(signed, testSecret)
	require.Error(t, err)
}

func TestValidateToken_MissingUserID(t *testing.T) {
	signed := signToken(t, testSecret, jwt.MapClaims{"sub": "u1"})
	_, err := ValidateToken(signed, testSecret)
	require.Error(t, err)
}

func TestAuthMiddleware_PutsUserIDInContext(t *testing.T) {
	signed := signToken(t, testSecret, jwt.MapClaims{"user_id": "u1"})

	var gotUserID string
	handler := AuthMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/meals", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", gotUserID)
}

func TestAuthMiddleware_RejectsMissingAndMalformedHeaders(t *testing.T) {
	handler := AuthMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/meals", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestWebhookAuth(t *testing.T) {
	var reached bool
	handler := WebhookAuth("hook-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook/photo-event", nil)
	req.Header.Set("X-Webhook-Secret", "hook-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.True(t, reached)
	assert.Equal(t, http.StatusOK, rec.Code)

	reached = false
	req = httptest.NewRequest(http.MethodPost, "/webhook/photo-event", nil)
	req.Header.Set("X-Webhook-Secret", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.False(t, reached)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
