package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// bufferTTL guards against leaked buffers if an instance dies between the
// first append and the flush.
const bufferTTL = time.Hour

var appendScript = redis.NewScript(`
	local created = 0
	if redis.call("EXISTS", KEYS[1]) == 0 then
		redis.call("HSET", KEYS[1], "dropped", 0)
		created = 1
	end
	if ARGV[2] ~= "" then
		redis.call("HSETNX", KEYS[1], "caption", ARGV[2])
	end
	local count = redis.call("LLEN", KEYS[2])
	local dropped = 0
	if count >= tonumber(ARGV[3]) then
		redis.call("HINCRBY", KEYS[1], "dropped", 1)
		dropped = 1
	else
		count = redis.call("RPUSH", KEYS[2], ARGV[1])
	end
	redis.call("EXPIRE", KEYS[1], ARGV[4])
	redis.call("EXPIRE", KEYS[2], ARGV[4])
	return {created, dropped, count}
`)

var flushScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return false
	end
	local caption = redis.call("HGET", KEYS[1], "caption")
	local dropped = redis.call("HGET", KEYS[1], "dropped")
	local photos = redis.call("LRANGE", KEYS[2], 0, -1)
	redis.call("DEL", KEYS[1], KEYS[2])
	return {caption or "", dropped or "0", photos}
`)

// RedisGroupStore keeps media-group buffers in Redis so multiple ingestion
// instances can contribute to and flush the same group without fragmenting it.
// Both operations run as Lua scripts for per-key atomicity.
type RedisGroupStore struct {
	client    *redis.Client
	keyPrefix string
	maxPhotos int
}

// NewRedisGroupStore creates a Redis-backed group store
func NewRedisGroupStore(client *redis.Client, keyPrefix string, maxPhotos int) *RedisGroupStore {
	if keyPrefix == "" {
		keyPrefix = "meallens"
	}
	return &RedisGroupStore{client: client, keyPrefix: keyPrefix, maxPhotos: maxPhotos}
}

func (s *RedisGroupStore) keys(userID, groupKey string) []string {
	base := fmt.Sprintf("%s:group:%s:%s", s.keyPrefix, userID, groupKey)
	return []string{base + ":meta", base + ":photos"}
}

// Append adds a photo to the group's buffer, creating it if absent
func (s *RedisGroupStore) Append(ctx context.Context, userID, groupKey, photoRef, caption string) (AppendResult, error) {
	res, err := appendScript.Run(ctx, s.client, s.keys(userID, groupKey),
		photoRef, caption, s.maxPhotos, int(bufferTTL.Seconds())).Result()
	if err != nil {
		return AppendResult{}, fmt.Errorf("failed to append to group buffer: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return AppendResult{}, fmt.Errorf("unexpected append script reply: %v", res)
	}
	return AppendResult{
		Created: vals[0].(int64) == 1,
		Dropped: vals[1].(int64) == 1,
		Count:   int(vals[2].(int64)),
	}, nil
}

// Flush removes and returns the buffer for the key
func (s *RedisGroupStore) Flush(ctx context.Context, userID, groupKey string) (*Buffer, bool, error) {
	res, err := flushScript.Run(ctx, s.client, s.keys(userID, groupKey)).Result()
	if err == redis.Nil {
		// Lua false: already flushed or never existed.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to flush group buffer: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, false, fmt.Errorf("unexpected flush script reply: %v", res)
	}

	caption, _ := vals[0].(string)
	droppedStr, _ := vals[1].(string)
	dropped, _ := strconv.Atoi(droppedStr)

	rawPhotos, _ := vals[2].([]interface{})
	photoRefs := make([]string, 0, len(rawPhotos))
	for _, p := range rawPhotos {
		if sp, ok := p.(string); ok {
			photoRefs = append(photoRefs, sp)
		}
	}

	return &Buffer{
		UserID:    userID,
		GroupKey:  groupKey,
		PhotoRefs: photoRefs,
		Caption:   caption,
		Dropped:   dropped,
	}, true, nil
}
