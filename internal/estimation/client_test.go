package estimation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func estimationServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(url string) *Client {
	return NewClient(url, "test-key", "test-model", 5*time.Second)
}

func TestEstimate_ParsesValidResponse(t *testing.T) {
	srv := estimationServer(t, http.StatusOK,
		`{"protein_g": 45.5, "carbs_g": 75.0, "fats_g": 18.2, "confidence": 0.82, "items": []}`)
	defer srv.Close()

	res, err := newTestClient(srv.URL).Estimate(context.Background(),
		[][]byte{[]byte("img1"), []byte("img2"), []byte("img3")}, "Chicken pasta dinner")
	require.NoError(t, err)

	assert.InDelta(t, 645.8, res.Calories, 0.5)
	assert.Equal(t, 45.5, res.ProteinG)
	assert.Equal(t, 75.0, res.CarbsG)
	assert.Equal(t, 18.2, res.FatsG)
	assert.Equal(t, 0.82, res.Confidence)
	assert.Equal(t, 3, res.PhotoCountUsed)
}

func TestEstimate_MissingMacroIsPermanent(t *testing.T) {
	srv := estimationServer(t, http.StatusOK,
		`{"protein_g": 45.5, "fats_g": 18.2, "confidence": 0.8, "items": []}`)
	defer srv.Close()

	_, err := newTestClient(srv.URL).Estimate(context.Background(), [][]byte{[]byte("img")}, "")
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestEstimate_NegativeMacroIsPermanent(t *testing.T) {
	srv := estimationServer(t, http.StatusOK,
		`{"protein_g": -1, "carbs_g": 10, "fats_g": 2, "confidence": 0.8, "items": []}`)
	defer srv.Close()

	_, err := newTestClient(srv.URL).Estimate(context.Background(), [][]byte{[]byte("img")}, "")
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestEstimate_ConfidenceOutOfRangeIsPermanent(t *testing.T) {
	srv := estimationServer(t, http.StatusOK,
		`{"protein_g": 10, "carbs_g": 10, "fats_g": 2, "confidence": 1.5, "items": []}`)
	defer srv.Close()

	_, err := newTestClient(srv.URL).Estimate(context.Background(), [][]byte{[]byte("img")}, "")
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestEstimate_NonJSONContentIsPermanent(t *testing.T) {
	srv := estimationServer(t, http.StatusOK, `sorry, I cannot help with that`)
	defer srv.Close()

	_, err := newTestClient(srv.URL).Estimate(context.Background(), [][]byte{[]byte("img")}, "")
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestEstimate_ClientErrorIsPermanent(t *testing.T) {
	srv := estimationServer(t, http.StatusBadRequest, "")
	defer srv.Close()

	_, err := newTestClient(srv.URL).Estimate(context.Background(), [][]byte{[]byte("img")}, "")
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestEstimate_ServerErrorIsTransient(t *testing.T) {
	srv := estimationServer(t, http.StatusBadGateway, "")
	defer srv.Close()

	_, err := newTestClient(srv.URL).Estimate(context.Background(), [][]byte{[]byte("img")}, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidResponse)
}

func TestEstimate_NoImagesIsPermanent(t *testing.T) {
	_, err := newTestClient("http://localhost:0").Estimate(context.Background(), nil, "")
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseResult_ZeroMacrosAreValid(t *testing.T) {
	res, err := parseResult([]byte(`{"protein_g": 0, "carbs_g": 0, "fats_g": 0, "confidence": 0, "items": []}`), 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Calories)
}
