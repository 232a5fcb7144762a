package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "softphone:pool_cursor:"

// RedisStore хранит курсор в Redis. Подходит, когда несколько киосков
// делят один пул линий.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore создаёт хранилище поверх готового клиента
func NewRedisStore(client *redis.Client, name string) *RedisStore {
	if name == "" {
		name = "default"
	}
	return &RedisStore{client: client, key: redisKeyPrefix + name}
}

// DialRedis подключается к Redis по URL вида redis://host:6379/0 и проверяет соединение
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("разбор адреса redis: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis недоступен: %w", err)
	}
	return client, nil
}

// Load реализует Store
func (s *RedisStore) Load(ctx context.Context) (int, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("чтение курсора из redis: %w", err)
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("повреждённое значение курсора %q: %w", raw, err)
	}
	return value, true, nil
}

// Save реализует Store
func (s *RedisStore) Save(ctx context.Context, value int) error {
	if err := s.client.Set(ctx, s.key, value, 0).Err(); err != nil {
		return fmt.Errorf("запись курсора в redis: %w", err)
	}
	return nil
}
