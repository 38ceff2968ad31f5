package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"satukolab/config"
	"satukolab/pkg/logger"
)

// ConnectRedis returns a client for the shared lock table once the server
// answers PING.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 4)
	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Sugar.Infof("Redis at %s not reachable, retrying in %s... (%v)", cfg.Addr, wait, err)
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	logger.Sugar.Infof("Connected to Redis at %s", cfg.Addr)
	return client, nil
}
