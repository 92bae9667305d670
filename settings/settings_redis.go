package settings

import (
	"context"

	"github.com/redis/go-redis/v9"
)

var redisHashKey = "ranking/settings"

type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisStore{Client: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.Client.HGet(ctx, redisHashKey, key).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, val string) error {
	return s.Client.HSet(ctx, redisHashKey, key, val).Err()
}

func (s *RedisStore) List(ctx context.Context) (map[string]string, error) {
	return s.Client.HGetAll(ctx, redisHashKey).Result()
}
