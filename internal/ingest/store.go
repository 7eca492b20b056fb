package ingest

import (
	"context"
	"sync"
)

// Buffer is the collected state of one media group at flush time
type Buffer struct {
	UserID    string
	GroupKey  string
	PhotoRefs []string
	Caption   string
	Dropped   int
}

// AppendResult reports the outcome of adding one photo to a group buffer
type AppendResult struct {
	// Created is true when this append created the buffer (first event for
	// the key); the caller starts the flush timer on it.
	Created bool
	// Dropped is true when the photo was rejected by the per-meal cap.
	Dropped bool
	// Count is the number of photos held after the append.
	Count int
}

// GroupStore holds in-flight media-group buffers. Append and Flush must be
// atomic per (userID, groupKey) so concurrent events, the flush timer and the
// group-complete signal cannot double-flush or lose an appended photo.
// Implementations: in-memory map (single instance) and Redis (shared across
// ingestion instances).
type GroupStore interface {
	Append(ctx context.Context, userID, groupKey, photoRef, caption string) (AppendResult, error)
	// Flush removes and returns the buffer. The second result is false when
	// the key has no buffer, i.e. it was already flushed or never existed;
	// callers treat that as a no-op.
	Flush(ctx context.Context, userID, groupKey string) (*Buffer, bool, error)
}

type memBuffer struct {
	photoRefs []string
	caption   string
	dropped   int
}

// MemoryGroupStore keeps buffers in a mutex-protected map
type MemoryGroupStore struct {
	mu        sync.Mutex
	buffers   map[string]*memBuffer
	maxPhotos int
}

// NewMemoryGroupStore creates an in-memory group store
func NewMemoryGroupStore(maxPhotos int) *MemoryGroupStore {
	return &MemoryGroupStore{
		buffers:   make(map[string]*memBuffer),
		maxPhotos: maxPhotos,
	}
}

func bufferKey(userID, groupKey string) string {
	return userID + ":" + groupKey
}

// Append adds a photo to the group's buffer, creating it if absent
func (s *MemoryGroupStore) Append(_ context.Context, userID, groupKey, photoRef, caption string) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bufferKey(userID, groupKey)
	buf, exists := s.buffers[key]
	if !exists {
		buf = &memBuffer{}
		s.buffers[key] = buf
	}

	// Caption attaches to the group: first one wins, later ones are ignored.
	if buf.caption == "" && caption != "" {
		buf.caption = caption
	}

	if len(buf.photoRefs) >= s.maxPhotos {
		buf.dropped++
		return AppendResult{Created: !exists, Dropped: true, Count: len(buf.photoRefs)}, nil
	}

	buf.photoRefs = append(buf.photoRefs, photoRef)
	return AppendResult{Created: !exists, Count: len(buf.photoRefs)}, nil
}

// Flush removes and returns the buffer for the key
func (s *MemoryGroupStore) Flush(_ context.Context, userID, groupKey string) (*Buffer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bufferKey(userID, groupKey)
	buf, exists := s.buffers[key]
	if !exists {
		return nil, false, nil
	}
	delete(s.buffers, key)

	return &Buffer{
		UserID:    userID,
		GroupKey:  groupKey,
		PhotoRefs: buf.photoRefs,
		Caption:   buf.caption,
		Dropped:   buf.dropped,
	}, true, nil
}
