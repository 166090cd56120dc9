package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/block-bots/shared"
	"github.com/redis/go-redis/v9"
)

type RedisService struct {
	appContext.DefaultService
	redis *redis.Client
}

const REDIS_SVC = "redis_svc"

// NewRedisService wraps an existing client, for callers outside the service context.
func NewRedisService(client *redis.Client) *RedisService {
	return &RedisService{redis: client}
}

func (svc RedisService) Id() string {
	return REDIS_SVC
}

func (svc *RedisService) Configure(ctx *appContext.Context) error {
	svc.redis = NewRedisClientFromEnv()
	return svc.DefaultService.Configure(ctx)
}

func (svc *RedisService) Start() error {
	if svc.redis != nil {
		_, err := svc.redis.Ping(context.Background()).Result()
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}
	return nil
}

func (svc *RedisService) Shutdown() {
	if svc.redis != nil {
		_ = svc.redis.Close()
	}
}

// NewRedisClientFromEnv reads REDIS_ADDR, REDIS_PASSWORD and REDIS_DB.
func NewRedisClientFromEnv() *redis.Client {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			redisDB = db
		}
	}

	return redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	})
}

func (svc *RedisService) GetClient() *redis.Client {
	return svc.redis
}

func (svc *RedisService) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if svc.redis == nil {
		return shared.ErrRedisNotInitialized
	}

	var data []byte
	var err error

	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		data, err = shared.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
	}

	return svc.redis.Set(ctx, key, data, expiration).Err()
}

// SetNXExpireAt sets key with an absolute expiry only if it does not exist,
// as one SET NX EXAT command. It reports whether the key was created.
func (svc *RedisService) SetNXExpireAt(ctx context.Context, key string, value interface{}, at time.Time) (bool, error) {
	if svc.redis == nil {
		return false, shared.ErrRedisNotInitialized
	}

	err := svc.redis.SetArgs(ctx, key, value, redis.SetArgs{Mode: "NX", ExpireAt: at}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetNXWithTTL sets key with a relative expiry only if it does not exist.
func (svc *RedisService) SetNXWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if svc.redis == nil {
		return false, shared.ErrRedisNotInitialized
	}

	return svc.redis.SetNX(ctx, key, value, ttl).Result()
}

func (svc *RedisService) Get(ctx context.Context, key string) (string, error) {
	if svc.redis == nil {
		return "", shared.ErrRedisNotInitialized
	}

	result, err := svc.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}

func (svc *RedisService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if svc.redis == nil {
		return shared.ErrRedisNotInitialized
	}

	result, err := svc.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	return shared.Unmarshal([]byte(result), dest)
}

func (svc *RedisService) Delete(ctx context.Context, keys ...string) error {
	if svc.redis == nil {
		return shared.ErrRedisNotInitialized
	}

	return svc.redis.Del(ctx, keys...).Err()
}

func (svc *RedisService) TTL(ctx context.Context, key string) (time.Duration, error) {
	if svc.redis == nil {
		return 0, shared.ErrRedisNotInitialized
	}

	return svc.redis.TTL(ctx, key).Result()
}

// incrementUntil increments a counter and gives it an absolute expiry when
// the increment created it. A counter found without expiry is repaired.
var incrementUntil = redis.NewScript(`
local hits = redis.call('INCR', KEYS[1])
if hits == 1 or redis.call('TTL', KEYS[1]) == -1 then
	redis.call('EXPIREAT', KEYS[1], ARGV[1])
end
return hits
`)

// IncrementUntil atomically increments key, setting its expiry to at when the
// key is new.
func (svc *RedisService) IncrementUntil(ctx context.Context, key string, at time.Time) (int64, error) {
	if svc.redis == nil {
		return 0, shared.ErrRedisNotInitialized
	}

	return incrementUntil.Run(ctx, svc.redis, []string{key}, at.Unix()).Int64()
}

// SAdd returns the number of members that were not already in the set.
func (svc *RedisService) SAdd(ctx context.Context, key string, members ...interface{}) (int64, error) {
	if svc.redis == nil {
		return 0, shared.ErrRedisNotInitialized
	}

	return svc.redis.SAdd(ctx, key, members...).Result()
}

func (svc *RedisService) SMembers(ctx context.Context, key string) ([]string, error) {
	if svc.redis == nil {
		return nil, shared.ErrRedisNotInitialized
	}

	return svc.redis.SMembers(ctx, key).Result()
}

func (svc *RedisService) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	if svc.redis == nil {
		return false, shared.ErrRedisNotInitialized
	}

	return svc.redis.SIsMember(ctx, key, member).Result()
}

func (svc *RedisService) SRem(ctx context.Context, key string, members ...interface{}) error {
	if svc.redis == nil {
		return shared.ErrRedisNotInitialized
	}

	return svc.redis.SRem(ctx, key, members...).Err()
}

// SetExclusiveMember adds member to target, removes it from every set in
// others and deletes clearKeys, all in one MULTI/EXEC. Concurrent callers
// therefore never leave member in two of the sets or in none.
func (svc *RedisService) SetExclusiveMember(ctx context.Context, member, target string, others []string, clearKeys ...string) error {
	if svc.redis == nil {
		return shared.ErrRedisNotInitialized
	}

	_, err := svc.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range others {
			pipe.SRem(ctx, key, member)
		}
		pipe.SAdd(ctx, target, member)
		if len(clearKeys) > 0 {
			pipe.Del(ctx, clearKeys...)
		}
		return nil
	})
	return err
}

// ScanKeys walks the keyspace with SCAN so large deployments are not blocked
// the way KEYS would block them.
func (svc *RedisService) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if svc.redis == nil {
		return nil, shared.ErrRedisNotInitialized
	}

	var keys []string
	iter := svc.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (svc *RedisService) LPush(ctx context.Context, key string, values ...interface{}) error {
	if svc.redis == nil {
		return shared.ErrRedisNotInitialized
	}

	return svc.redis.LPush(ctx, key, values...).Err()
}

// BLMove waits up to timeout to move the tail of source onto the head of
// destination. It returns "", false on timeout.
func (svc *RedisService) BLMove(ctx context.Context, source, destination string, timeout time.Duration) (string, bool, error) {
	if svc.redis == nil {
		return "", false, shared.ErrRedisNotInitialized
	}

	result, err := svc.redis.BLMove(ctx, source, destination, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return result, true, nil
}

// LMoveTail moves the tail of source onto the tail of destination. It
// returns false once source is empty.
func (svc *RedisService) LMoveTail(ctx context.Context, source, destination string) (bool, error) {
	if svc.redis == nil {
		return false, shared.ErrRedisNotInitialized
	}

	err := svc.redis.LMove(ctx, source, destination, "RIGHT", "RIGHT").Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

func (svc *RedisService) LRem(ctx context.Context, key string, value interface{}) error {
	if svc.redis == nil {
		return shared.ErrRedisNotInitialized
	}

	return svc.redis.LRem(ctx, key, 1, value).Err()
}

func (svc *RedisService) LLen(ctx context.Context, key string) (int64, error) {
	if svc.redis == nil {
		return 0, shared.ErrRedisNotInitialized
	}

	return svc.redis.LLen(ctx, key).Result()
}

func (svc *RedisService) Publish(ctx context.Context, channel string, message interface{}) error {
	if svc.redis == nil {
		return shared.ErrRedisNotInitialized
	}

	return svc.redis.Publish(ctx, channel, message).Err()
}
