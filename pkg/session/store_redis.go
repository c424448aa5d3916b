package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traderlink/mtgate/pkg/contracts"
)

const redisKeyPrefix = "mtgate:session:"

// RedisStore shares sessions across gateway instances. Records expire with
// the session so Redis handles most of the retention work; the sweep still
// invalidates sessions it can list.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an established client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, rec *contracts.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, redisKeyPrefix+rec.ID, data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*contracts.SessionRecord, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec contracts.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, redisKeyPrefix+id).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]*contracts.SessionRecord, error) {
	var out []*contracts.SessionRecord
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		var rec contracts.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ contracts.SessionStore = (*RedisStore)(nil)
