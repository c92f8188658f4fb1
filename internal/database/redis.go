package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"bita-miner/internal/config"
	"bita-miner/pkg/logger"
)

func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       0,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Log.Info("connected to Redis", logger.String("addr", cfg.RedisAddr()))
	return rdb, nil
}
