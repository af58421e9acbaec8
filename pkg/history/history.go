// Package history keeps the recent lobby chat so a fresh login can catch up.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/NicolasHaas/baccarat/pkg/datastore"
	"github.com/NicolasHaas/baccarat/pkg/model"
)

// DefaultSize is how many messages a recorder returns when asked for n <= 0.
const DefaultSize = 50

// Recorder stores relayed chat and returns the newest n, oldest first.
type Recorder interface {
	Record(ctx context.Context, msg model.ChatMessage) error
	Recent(ctx context.Context, n int) ([]model.ChatMessage, error)
}

// ---- SQL ----

// SQLRecorder writes to the datastore messages table.
type SQLRecorder struct {
	st datastore.DataProviderFactory
}

func NewSQL(st datastore.DataProviderFactory) *SQLRecorder {
	return &SQLRecorder{st: st}
}

func (r *SQLRecorder) Record(ctx context.Context, msg model.ChatMessage) error {
	if err := r.st.NonTx().CreateMessage(ctx, &msg); err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

func (r *SQLRecorder) Recent(ctx context.Context, n int) ([]model.ChatMessage, error) {
	if n <= 0 {
		n = DefaultSize
	}
	size := int64(n)
	msgs, err := r.st.NonTx().ListMessages(ctx, model.MessageFilters{PageSize: &size})
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	reverse(msgs)
	return msgs, nil
}

// ---- Redis ----

// RedisRecorder keeps a capped list under one key: LPUSH then LTRIM.
type RedisRecorder struct {
	rdb  *redis.Client
	key  string
	size int
}

// NewRedis keeps at most size messages under key.
func NewRedis(rdb *redis.Client, key string, size int) *RedisRecorder {
	if size <= 0 {
		size = DefaultSize
	}
	if key == "" {
		key = "baccarat:chat"
	}
	return &RedisRecorder{rdb: rdb, key: key, size: size}
}

func (r *RedisRecorder) Record(ctx context.Context, msg model.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, int64(r.size-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

func (r *RedisRecorder) Recent(ctx context.Context, n int) ([]model.ChatMessage, error) {
	if n <= 0 || n > r.size {
		n = r.size
	}
	raw, err := r.rdb.LRange(ctx, r.key, 0, int64(n-1)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}

	msgs := make([]model.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var m model.ChatMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("history: decode: %w", err)
		}
		msgs = append(msgs, m)
	}
	reverse(msgs)
	return msgs, nil
}

// Ping checks the connection.
func (r *RedisRecorder) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func reverse(msgs []model.ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
