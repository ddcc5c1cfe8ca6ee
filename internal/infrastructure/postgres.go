package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// connectPostgres opens a bounded pool. Ledger commits hold a per-customer
// advisory lock for the whole transaction, so maxConns is the effective cap
// on concurrent commits; it must stay below the server's connection limit
// with headroom for the settlement and expiry sweeps.
func connectPostgres(dsn string, maxConns int, connLifetime time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	if connLifetime > 0 {
		poolCfg.MaxConnLifetime = connLifetime
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
