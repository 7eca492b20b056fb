package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"meal-lens-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu   sync.Mutex
	subs []models.Submission
}

func (s *fakeSink) Enqueue(_ context.Context, sub models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	return nil
}

func (s *fakeSink) submissions() []models.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Submission, len(s.subs))
	copy(out, s.subs)
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	dropped []int
	failed  []string
}

func (n *fakeNotifier) PhotoLimitReached(_ context.Context, _ string, dropped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped = append(n.dropped, dropped)
}

func (n *fakeNotifier) EstimationFailed(_ context.Context, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, userID)
}

func (n *fakeNotifier) notices() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, len(n.dropped))
	copy(out, n.dropped)
	return out
}

func (n *fakeNotifier) failures() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.failed))
	copy(out, n.failed)
	return out
}

func newTestAggregator(window time.Duration) (*Aggregator, *fakeSink, *fakeNotifier) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	agg := NewAggregator(NewMemoryGroupStore(models.MaxPhotosPerMeal), sink, notifier, window)
	return agg, sink, notifier
}

func event(user, group, photo, caption string, complete bool) models.PhotoEvent {
	return models.PhotoEvent{
		UserID:        user,
		GroupKey:      group,
		PhotoRef:      photo,
		Caption:       caption,
		GroupComplete: complete,
		ReceivedAt:    time.Now().UTC(),
	}
}

func TestAggregator_SingletonFlushesImmediately(t *testing.T) {
	agg, sink, _ := newTestAggregator(time.Hour)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, event("u1", "", "p1", "solo dish", false)))

	subs := sink.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "u1", subs[0].UserID)
	assert.Equal(t, []string{"p1"}, subs[0].PhotoRefs)
	assert.Equal(t, "solo dish", subs[0].Caption)
	assert.NotEmpty(t, subs[0].IdempotencyKey)
}

func TestAggregator_GroupFlushesOnCompleteSignal(t *testing.T) {
	agg, sink, _ := newTestAggregator(time.Hour)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p1", "Chicken pasta dinner", false)))
	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p2", "", false)))
	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p3", "", true)))

	subs := sink.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"p1", "p2", "p3"}, subs[0].PhotoRefs)
	assert.Equal(t, "Chicken pasta dinner", subs[0].Caption)
}

func TestAggregator_GroupFlushesOnTimer(t *testing.T) {
	agg, sink, _ := newTestAggregator(30 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p1", "", false)))
	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p2", "", false)))

	require.Eventually(t, func() bool {
		return len(sink.submissions()) == 1
	}, time.Second, 5*time.Millisecond)

	subs := sink.submissions()
	assert.Equal(t, []string{"p1", "p2"}, subs[0].PhotoRefs)
}

func TestAggregator_TimerAfterSignalDoesNotDoubleFlush(t *testing.T) {
	agg, sink, _ := newTestAggregator(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p1", "", false)))
	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p2", "", true)))

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, sink.submissions(), 1)
}

func TestAggregator_OverLimitDropsAndNotifiesOnce(t *testing.T) {
	agg, sink, notifier := newTestAggregator(time.Hour)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		complete := i == 6
		require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", fmt.Sprintf("p%d", i), "", complete)))
	}

	subs := sink.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, subs[0].PhotoRefs)
	assert.Equal(t, 2, subs[0].DroppedPhotos)
	assert.Equal(t, []int{2}, notifier.notices())
}

func TestAggregator_NewBufferAfterFlush(t *testing.T) {
	agg, sink, _ := newTestAggregator(time.Hour)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p1", "", true)))
	// Same key again: must start a fresh buffer, never reopen the old one.
	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p9", "", true)))

	subs := sink.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, []string{"p1"}, subs[0].PhotoRefs)
	assert.Equal(t, []string{"p9"}, subs[1].PhotoRefs)
}

func TestAggregator_BareCompleteSignalForUnknownKeyIsNoOp(t *testing.T) {
	agg, sink, _ := newTestAggregator(time.Hour)
	ctx := context.Background()

	ev := models.PhotoEvent{UserID: "u1", GroupKey: "missing", GroupComplete: true}
	require.NoError(t, agg.HandleEvent(ctx, ev))
	assert.Empty(t, sink.submissions())
}

func TestAggregator_MalformedEvent(t *testing.T) {
	agg, sink, _ := newTestAggregator(time.Hour)
	ctx := context.Background()

	err := agg.HandleEvent(ctx, models.PhotoEvent{UserID: "u1", GroupKey: "g1"})
	require.ErrorIs(t, err, ErrMalformedEvent)
	assert.Empty(t, sink.submissions())
}

func TestAggregator_ConcurrentEventsFlushExactlyOnce(t *testing.T) {
	agg, sink, _ := newTestAggregator(40 * time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", fmt.Sprintf("p%d", i), "", false)))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(sink.submissions()) == 1
	}, time.Second, 5*time.Millisecond)

	subs := sink.submissions()
	require.Len(t, subs, 1)
	assert.Len(t, subs[0].PhotoRefs, 5)

	// No late second flush.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sink.submissions(), 1)
}

// slowFlushStore parks the first Flush after the inner removal so a test can
// inject events into the window between buffer removal and the caller's
// post-flush bookkeeping.
type slowFlushStore struct {
	GroupStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowFlushStore) Flush(ctx context.Context, userID, groupKey string) (*Buffer, bool, error) {
	buf, ok, err := s.GroupStore.Flush(ctx, userID, groupKey)
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return buf, ok, err
}

func TestAggregator_EventArrivingMidFlushGetsItsOwnTimer(t *testing.T) {
	store := &slowFlushStore{
		GroupStore: NewMemoryGroupStore(models.MaxPhotosPerMeal),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	sink := &fakeSink{}
	agg := NewAggregator(store, sink, &fakeNotifier{}, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p1", "", false)))

	// Wait for the timer-driven flush to remove the first buffer, then land a
	// new event for the same key while that flush is still in progress.
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("first flush never started")
	}
	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p2", "", false)))
	close(store.release)

	// The second buffer must flush on its own timer, with no completion signal.
	require.Eventually(t, func() bool {
		return len(sink.submissions()) == 2
	}, time.Second, 5*time.Millisecond)

	subs := sink.submissions()
	assert.Equal(t, []string{"p1"}, subs[0].PhotoRefs)
	assert.Equal(t, []string{"p2"}, subs[1].PhotoRefs)
}

type failingSink struct{}

func (failingSink) Enqueue(context.Context, models.Submission) error {
	return fmt.Errorf("queue unavailable")
}

func TestAggregator_EnqueueFailureNotifiesUser(t *testing.T) {
	notifier := &fakeNotifier{}
	agg := NewAggregator(NewMemoryGroupStore(models.MaxPhotosPerMeal), failingSink{}, notifier, time.Hour)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p1", "", false)))
	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p2", "", true)))

	assert.Equal(t, []string{"u1"}, notifier.failures())
}

func TestAggregator_IdempotencyKeyIsScopedToUser(t *testing.T) {
	agg, sink, _ := newTestAggregator(time.Hour)
	ctx := context.Background()

	require.NoError(t, agg.HandleEvent(ctx, event("u1", "g1", "p1", "", true)))
	require.NoError(t, agg.HandleEvent(ctx, event("u2", "g1", "p1", "", true)))

	subs := sink.submissions()
	require.Len(t, subs, 2)
	assert.NotEqual(t, subs[0].IdempotencyKey, subs[1].IdempotencyKey)
}
