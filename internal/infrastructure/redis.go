package infrastructure

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// connectRedis dials the instance backing the fraud velocity counters.
// Every earn goes through a PreCheck round trip before commit, so the pool
// is sized for that hot path; the Lua counter scripts are fast enough that
// a small pool suffices per process.
func connectRedis(addr string, poolSize int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     poolSize,
		MinIdleConns: 1,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return rdb, nil
}
