package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jeju-network/node/internal/sqlengine"
	"github.com/jeju-network/node/internal/walwire"
)

const rateLimitSchema = `
CREATE TABLE IF NOT EXISTS rate_limits (
	key TEXT PRIMARY KEY,
	count INTEGER NOT NULL,
	reset_at INTEGER NOT NULL
);
`

// cleanupSchedule runs the stale-row sweep hourly, off-peak from any single
// window boundary (spec.md §4.7's "periodic DELETE WHERE resetAt < now").
const cleanupSchedule = "@hourly"

// sqlStore is the multi-process rate limit store: several node processes
// behind a load balancer share one counter table instead of each holding
// its own in-memory lruStore. It opens its own dedicated sqlite file
// directly through internal/sqlengine rather than through internal/node's
// dbmanager/walengine path, because rate-limit counters are node-local,
// non-replicated bookkeeping — they have no business in the hash-chained
// WAL that tenant data and replication are built around.
type sqlStore struct {
	engine *sqlengine.Engine
	cron   *cron.Cron
}

// NewSQLStore opens (creating if absent) a rate-limit counter database at
// path and starts its periodic cleanup schedule.
func NewSQLStore(path string) (Store, error) {
	engine, err := sqlengine.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ratelimiter: open store: %w", err)
	}
	if err := engine.ApplySchema(context.Background(), rateLimitSchema); err != nil {
		return nil, fmt.Errorf("ratelimiter: apply schema: %w", err)
	}

	s := &sqlStore{engine: engine, cron: cron.New()}
	if _, err := s.cron.AddFunc(cleanupSchedule, s.cleanup); err != nil {
		return nil, fmt.Errorf("ratelimiter: schedule cleanup: %w", err)
	}
	s.cron.Start()
	return s, nil
}

// MaybeIncrement performs the whole fixed-window algorithm as one atomic
// upsert, so two processes racing on the same key never both see count==1.
func (s *sqlStore) MaybeIncrement(ctx context.Context, key string, windowMs int64, now int64) (Entry, error) {
	const query = `
INSERT INTO rate_limits (key, count, reset_at) VALUES (?, 1, ?)
ON CONFLICT(key) DO UPDATE SET
	count = CASE WHEN reset_at < ? THEN 1 ELSE count + 1 END,
	reset_at = CASE WHEN reset_at < ? THEN ? ELSE reset_at END
RETURNING count, reset_at;
`
	result, err := s.engine.Execute(ctx, query, []walwire.Value{
		walwire.StringValue(key),
		walwire.IntValue(now + windowMs),
		walwire.IntValue(now),
		walwire.IntValue(now),
		walwire.IntValue(now + windowMs),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("ratelimiter: increment %s: %w", key, err)
	}
	if len(result.Rows) != 1 {
		return Entry{}, fmt.Errorf("ratelimiter: increment %s: expected 1 row, got %d", key, len(result.Rows))
	}

	row := result.Rows[0]
	count, err := asInt64(row["count"])
	if err != nil {
		return Entry{}, fmt.Errorf("ratelimiter: decode count: %w", err)
	}
	resetAt, err := asInt64(row["reset_at"])
	if err != nil {
		return Entry{}, fmt.Errorf("ratelimiter: decode reset_at: %w", err)
	}
	return Entry{Count: int(count), ResetAt: resetAt}, nil
}

func (s *sqlStore) Reset(ctx context.Context, key string) error {
	_, err := s.engine.Execute(ctx, `DELETE FROM rate_limits WHERE key = ?;`, []walwire.Value{
		walwire.StringValue(key),
	})
	if err != nil {
		return fmt.Errorf("ratelimiter: reset %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	<-s.cron.Stop().Done()
	return s.engine.Close()
}

func (s *sqlStore) cleanup() {
	_, _ = s.engine.Execute(context.Background(), `DELETE FROM rate_limits WHERE reset_at < ?;`, []walwire.Value{
		walwire.IntValue(time.Now().UnixMilli()),
	})
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
