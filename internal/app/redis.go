package app

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"routing-hub/internal/common/logging"
)

// initializeRedis connects the client used for token revocation. Redis is
// only dialled when revocation is enabled.
func (app *App) initializeRedis(ctx context.Context) error {
	if !app.Config.TokenRevocation {
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       app.Config.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Redis at %s: %w", app.Config.RedisAddress, err)
	}

	app.RedisClient = client
	app.Logger.Info("Redis: Connected", logging.String("address", app.Config.RedisAddress))
	return nil
}
