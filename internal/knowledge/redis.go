package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/routing"
)

// RedisConfig configures the redis knowledge base
type RedisConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	DB          int    `json:"db"`
	PoolSize    int    `json:"pool_size"`
	KeyPrefix   string `json:"key_prefix"`
	MaxOutcomes int64  `json:"max_outcomes"` // list is trimmed to this length
}

// RedisStore keeps outcomes in a capped list and the latest insights in a
// single key.
type RedisStore struct {
	rdb         *redis.Client
	outcomesKey string
	insightsKey string
	maxOutcomes int64
}

// NewRedisStore connects to redis and verifies the connection
func NewRedisStore(ctx context.Context, config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "routing_hub"
	}
	if config.MaxOutcomes <= 0 {
		config.MaxOutcomes = 100000
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, errors.ConnectionError("failed to connect to Redis", err)
	}

	return &RedisStore{
		rdb:         rdb,
		outcomesKey: config.KeyPrefix + ":outcomes",
		insightsKey: config.KeyPrefix + ":insights",
		maxOutcomes: config.MaxOutcomes,
	}, nil
}

func (s *RedisStore) RecordOutcomes(ctx context.Context, records []routing.OutcomeRecord) error {
	if len(records) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return errors.InternalError("failed to encode outcome", err)
		}
		values = append(values, data)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.outcomesKey, values...)
	pipe.LTrim(ctx, s.outcomesKey, -s.maxOutcomes, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.InternalError("failed to record outcomes", err)
	}
	return nil
}

func (s *RedisStore) LoadOutcomes(ctx context.Context, since time.Time, limit int) ([]routing.OutcomeRecord, error) {
	start := int64(0)
	// without a time bound only the tail is needed
	if since.IsZero() && limit > 0 {
		start = -int64(limit)
	}

	raw, err := s.rdb.LRange(ctx, s.outcomesKey, start, -1).Result()
	if err != nil {
		return nil, errors.InternalError("failed to load outcomes", err)
	}

	records := make([]routing.OutcomeRecord, 0, len(raw))
	for _, item := range raw {
		var r routing.OutcomeRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, errors.InternalError("failed to decode outcome", err)
		}
		records = append(records, r)
	}
	return window(records, since, limit), nil
}

func (s *RedisStore) UpdateInsights(ctx context.Context, insights Insights) error {
	data, err := json.Marshal(insights)
	if err != nil {
		return errors.InternalError("failed to encode insights", err)
	}
	if err := s.rdb.Set(ctx, s.insightsKey, data, 0).Err(); err != nil {
		return errors.InternalError("failed to store insights", err)
	}
	return nil
}

func (s *RedisStore) LatestInsights(ctx context.Context) (*Insights, error) {
	data, err := s.rdb.Get(ctx, s.insightsKey).Bytes()
	if err == redis.Nil {
		return nil, ErrNoInsights
	}
	if err != nil {
		return nil, errors.InternalError("failed to load insights", err)
	}

	var insights Insights
	if err := json.Unmarshal(data, &insights); err != nil {
		return nil, errors.InternalError("failed to decode insights", err)
	}
	return &insights, nil
}

func (s *RedisStore) Health(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
