package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meal-lens-backend/internal/models"

	"github.com/rs/zerolog/log"
)

// ErrMalformedEvent is returned for events carrying neither a photo nor a
// group-complete signal
var ErrMalformedEvent = errors.New("event has no photo and no completion signal")

// flushTimeout bounds the off-request work done when a wait timer fires
const flushTimeout = 10 * time.Second

// Sink receives finalized submissions from the aggregator
type Sink interface {
	Enqueue(ctx context.Context, sub models.Submission) error
}

// Notifier delivers user-facing notices raised during aggregation: dropped
// photos beyond the cap, and submissions lost because the queue rejected them.
type Notifier interface {
	PhotoLimitReached(ctx context.Context, userID string, dropped int)
	EstimationFailed(ctx context.Context, userID string)
}

// Aggregator buffers photo events by (user, group key) and flushes each group
// exactly once: on wait-timer expiry or on the explicit group-complete signal,
// whichever comes first. Events without a group key flush immediately as
// singleton submissions.
type Aggregator struct {
	store    GroupStore
	sink     Sink
	notifier Notifier
	window   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewAggregator creates a media-group aggregator
func NewAggregator(store GroupStore, sink Sink, notifier Notifier, window time.Duration) *Aggregator {
	return &Aggregator{
		store:    store,
		sink:     sink,
		notifier: notifier,
		window:   window,
		timers:   make(map[string]*time.Timer),
	}
}

// HandleEvent processes one inbound photo event. It validates, buffers and
// possibly enqueues, and returns fast: photo fetching and estimation happen in
// the workers.
func (a *Aggregator) HandleEvent(ctx context.Context, ev models.PhotoEvent) error {
	if ev.PhotoRef == "" {
		if !ev.GroupComplete {
			return ErrMalformedEvent
		}
		// Bare completion signal: flush whatever was collected, no-op if the
		// timer beat us to it.
		a.Flush(ctx, ev.UserID, ev.GroupKey)
		return nil
	}

	if ev.GroupKey == "" {
		return a.enqueueSingleton(ctx, ev)
	}

	res, err := a.store.Append(ctx, ev.UserID, ev.GroupKey, ev.PhotoRef, ev.Caption)
	if err != nil {
		return fmt.Errorf("failed to buffer photo event: %w", err)
	}

	if res.Created {
		a.startTimer(ev.UserID, ev.GroupKey)
	}

	if ev.GroupComplete {
		a.Flush(ctx, ev.UserID, ev.GroupKey)
	}
	return nil
}

// Flush finalizes the buffer for the key and hands it to the queue. Safe to
// call from both the wait timer and the completion signal: the store removes
// the buffer atomically, so the second caller finds nothing and returns.
func (a *Aggregator) Flush(ctx context.Context, userID, groupKey string) {
	// Disarm before removing the buffer. An event landing after the removal
	// starts a fresh buffer and must find no stale timer entry, otherwise its
	// buffer would sit unarmed until an explicit completion signal.
	a.stopTimer(userID, groupKey)

	buf, ok, err := a.store.Flush(ctx, userID, groupKey)
	if err != nil {
		log.Error().Err(err).
			Str("user_id", userID).
			Str("group_key", groupKey).
			Msg("Failed to flush group buffer")
		return
	}
	if !ok {
		return
	}

	if _, err := ValidatePhotoCount(len(buf.PhotoRefs)); err != nil {
		log.Warn().
			Str("user_id", userID).
			Str("group_key", groupKey).
			Msg("Flushed group buffer with no photos, dropping")
		return
	}

	sub := models.Submission{
		UserID:         buf.UserID,
		IdempotencyKey: groupKeyIdempotencyKey(buf.UserID, buf.GroupKey),
		PhotoRefs:      buf.PhotoRefs,
		Caption:        buf.Caption,
		DroppedPhotos:  buf.Dropped,
	}

	if buf.Dropped > 0 {
		a.notifier.PhotoLimitReached(ctx, buf.UserID, buf.Dropped)
	}

	if err := a.sink.Enqueue(ctx, sub); err != nil {
		log.Error().Err(err).
			Str("user_id", userID).
			Str("group_key", groupKey).
			Msg("Failed to enqueue submission")
		// The buffer is gone and nothing will retry this submission; tell the
		// user instead of failing silently.
		a.notifier.EstimationFailed(ctx, buf.UserID)
	}
}

func (a *Aggregator) enqueueSingleton(ctx context.Context, ev models.PhotoEvent) error {
	sub := models.Submission{
		UserID:         ev.UserID,
		IdempotencyKey: groupKeyIdempotencyKey(ev.UserID, ev.PhotoRef),
		PhotoRefs:      []string{ev.PhotoRef},
		Caption:        ev.Caption,
	}
	if err := a.sink.Enqueue(ctx, sub); err != nil {
		return fmt.Errorf("failed to enqueue singleton submission: %w", err)
	}
	return nil
}

func (a *Aggregator) startTimer(userID, groupKey string) {
	key := bufferKey(userID, groupKey)

	a.mu.Lock()
	defer a.mu.Unlock()

	// A leftover entry belongs to an earlier buffer generation; replace it so
	// the new buffer always has a live timer.
	if t, exists := a.timers[key]; exists {
		t.Stop()
	}
	a.timers[key] = time.AfterFunc(a.window, func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		a.Flush(ctx, userID, groupKey)
	})
}

func (a *Aggregator) stopTimer(userID, groupKey string) {
	key := bufferKey(userID, groupKey)

	a.mu.Lock()
	defer a.mu.Unlock()

	if t, exists := a.timers[key]; exists {
		t.Stop()
		delete(a.timers, key)
	}
}

// groupKeyIdempotencyKey scopes the idempotency key to the user so different
// users reusing the same platform group id cannot collide.
func groupKeyIdempotencyKey(userID, key string) string {
	return userID + ":" + key
}
