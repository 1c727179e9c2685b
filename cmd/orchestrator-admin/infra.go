package main

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rankhive/orchestrator/internal/bootstrap"
)

func connectDB(ctx *commandContext) (*sql.DB, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: ctx.Config.Postgres,
		Logger:   ctx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return db, nil
}

//nolint:ireturn // returning redis.UniversalClient keeps sentinel support flexible.
func connectRedis(ctx *commandContext) (redis.UniversalClient, error) {
	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		RedisConfig: ctx.Config.Redis,
		Logger:      ctx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

type closer interface {
	Close() error
}

func closeQuietly(ctx *commandContext, c closer) {
	if err := c.Close(); err != nil {
		ctx.Logger.ErrorContext(ctx.Ctx, "close failed", "error", err)
	}
}
