package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meal-lens-backend/internal/ingest"
	"meal-lens-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu   sync.Mutex
	subs []models.Submission
}

func (s *captureSink) Enqueue(_ context.Context, sub models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	return nil
}

type noopNotifier struct{}

func (noopNotifier) PhotoLimitReached(context.Context, string, int) {}
func (noopNotifier) EstimationFailed(context.Context, string) {}

func newTestIngestHandler() (*IngestHandler, *captureSink) {
	sink := &captureSink{}
	agg := ingest.NewAggregator(
		ingest.NewMemoryGroupStore(models.MaxPhotosPerMeal),
		sink, noopNotifier{}, time.Hour)
	return NewIngestHandler(agg), sink
}

func postEvent(h *IngestHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/photo-event", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.PhotoEvent(rec, req)
	return rec
}

func TestPhotoEvent_SingletonAccepted(t *testing.T) {
	h, sink := newTestIngestHandler()

	rec := postEvent(h, `{"user_id":"u1","photo_ref":"p1","caption":"lunch"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, sink.subs, 1)
	assert.Equal(t, []string{"p1"}, sink.subs[0].PhotoRefs)
	assert.Equal(t, "lunch", sink.subs[0].Caption)
}

func TestPhotoEvent_GroupedEventBuffersUntilComplete(t *testing.T) {
	h, sink := newTestIngestHandler()

	rec := postEvent(h, `{"user_id":"u1","group_key":"g1","photo_ref":"p1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, sink.subs)

	rec = postEvent(h, `{"user_id":"u1","group_key":"g1","photo_ref":"p2","is_group_complete_signal":true}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sink.subs, 1)
	assert.Equal(t, []string{"p1", "p2"}, sink.subs[0].PhotoRefs)
}

func TestPhotoEvent_InvalidBody(t *testing.T) {
	h, _ := newTestIngestHandler()
	rec := postEvent(h, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPhotoEvent_MissingUserID(t *testing.T) {
	h, _ := newTestIngestHandler()
	rec := postEvent(h, `{"photo_ref":"p1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPhotoEvent_NoPhotoAndNoSignal(t *testing.T) {
	h, _ := newTestIngestHandler()
	rec := postEvent(h, `{"user_id":"u1","group_key":"g1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
