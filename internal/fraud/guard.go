package fraud

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"perka/internal/model"
)

//go:embed velocity.lua
var velocityLuaScript string

// Counter is the rolling-window event counter backing the pre-check. The
// Redis implementation below is the production one; tests use a map.
type Counter interface {
	// Bump increments the (tenant, customer) counter and returns the count
	// inside the current window.
	Bump(ctx context.Context, tenantID, customerID string, window time.Duration) (int64, error)
}

// Limits are the pre-check thresholds. They come from configuration; a
// count at or past FlagCount flags the event, at or past BlockCount blocks it.
type Limits struct {
	Window     time.Duration
	FlagCount  int64
	BlockCount int64
}

// Guard is the synchronous fraud pre-check. It sits on the hot path before
// commit, so it does exactly one Redis round trip.
type Guard struct {
	counter Counter
	limits  Limits
}

func NewGuard(counter Counter, limits Limits) *Guard {
	return &Guard{counter: counter, limits: limits}
}

func (g *Guard) PreCheck(ctx context.Context, ev *model.EconomicEvent) (model.Decision, error) {
	count, err := g.counter.Bump(ctx, ev.TenantID, ev.CustomerID, g.limits.Window)
	if err != nil {
		// The guard failing open would let a Redis outage disable fraud
		// control entirely; failing the call surfaces the outage instead.
		return model.Decision{}, fmt.Errorf("velocity counter: %w", err)
	}

	switch {
	case count >= g.limits.BlockCount:
		return model.Decision{
			Verdict: model.VerdictBlock,
			Reason:  fmt.Sprintf("velocity %d/%s at or above block threshold %d", count, g.limits.Window, g.limits.BlockCount),
		}, nil
	case count >= g.limits.FlagCount:
		return model.Decision{
			Verdict: model.VerdictFlag,
			Reason:  fmt.Sprintf("velocity %d/%s at or above flag threshold %d", count, g.limits.Window, g.limits.FlagCount),
		}, nil
	}
	return model.Decision{Verdict: model.VerdictAllow}, nil
}

// RedisCounter runs the embedded Lua script so increment and expiry are one
// atomic call.
type RedisCounter struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{
		client: client,
		script: redis.NewScript(velocityLuaScript),
	}
}

func (c *RedisCounter) Bump(ctx context.Context, tenantID, customerID string, window time.Duration) (int64, error) {
	key := fmt.Sprintf("velocity:%s:%s", tenantID, customerID)
	result, err := c.script.Run(ctx, c.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected velocity script result %T", result)
	}
	return count, nil
}

// PostChecker re-examines flagged entries asynchronously against richer
// signals than the hot path can afford.
type PostChecker struct {
	history HistoryReader
	cap     int64
	window  time.Duration
}

// HistoryReader is the slice of the ledger the post-check reads.
type HistoryReader interface {
	History(ctx context.Context, tenantID, customerID string, from, to time.Time, limit int) ([]model.LedgerEntry, error)
}

func NewPostChecker(history HistoryReader, earnCap int64, window time.Duration) *PostChecker {
	return &PostChecker{history: history, cap: earnCap, window: window}
}

// PostCheck confirms the entry or asks for a reversal. The decision is based
// on net points earned over the rolling window; a flagged entry pushing the
// customer past the cap gets reversed, everything else is confirmed.
func (p *PostChecker) PostCheck(ctx context.Context, entry *model.LedgerEntry) (model.Decision, error) {
	if entry.Amount <= 0 {
		return model.Decision{Verdict: model.VerdictAllow}, nil
	}

	now := time.Now().UTC()
	entries, err := p.history.History(ctx, entry.TenantID, entry.CustomerID, now.Add(-p.window), now, 1000)
	if err != nil {
		return model.Decision{}, fmt.Errorf("load history: %w", err)
	}

	var earned int64
	for _, e := range entries {
		if e.Amount > 0 {
			earned += e.Amount
		}
	}
	if earned > p.cap {
		slog.Warn("post-check cap exceeded",
			"tenant_id", entry.TenantID,
			"customer_id", entry.CustomerID,
			"entry_id", entry.EntryID,
			"earned", earned,
			"cap", p.cap,
		)
		return model.Decision{
			Verdict: model.VerdictBlock,
			Reason:  fmt.Sprintf("earned %d points in %s, cap is %d", earned, p.window, p.cap),
		}, nil
	}
	return model.Decision{Verdict: model.VerdictAllow}, nil
}
