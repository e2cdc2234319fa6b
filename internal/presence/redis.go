package presence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const userKeyPrefix = "user:"

// RedisStore keeps presence in one hash per user, for deployments where the
// user documents live in redis instead of the SQL store.
type RedisStore struct {
	rc *redis.Client
}

func NewRedisStore(rc *redis.Client) *RedisStore {
	return &RedisStore{rc: rc}
}

func (s *RedisStore) SetBusy(ctx context.Context, userID string, busy bool) error {
	key := userKeyPrefix + userID

	n, err := s.rc.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check user %s: %w", userID, err)
	}
	if n == 0 {
		return ErrUserNotFound
	}

	if err := s.rc.HSet(ctx, key, "isBusy", strconv.FormatBool(busy)).Err(); err != nil {
		return fmt.Errorf("set isBusy for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) IsBusy(ctx context.Context, userID string) (bool, error) {
	v, err := s.rc.HGet(ctx, userKeyPrefix+userID, "isBusy").Result()
	if err == redis.Nil {
		return false, ErrUserNotFound
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}
