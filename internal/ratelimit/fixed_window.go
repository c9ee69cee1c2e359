package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] counter, ARGV[1] window in ms. Returns {count, pttl}.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Window counts hits per key in fixed, Redis-shared windows so every replica
// of a service sees the same quota.
type Window struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int
	span   time.Duration
}

// NewWindow builds a limiter that allows limit hits per span.
func NewWindow(rdb redis.UniversalClient, prefix string, limit int, span time.Duration) (*Window, error) {
	if rdb == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if limit <= 0 || span < time.Millisecond {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "whatsgonow:ratelimit"
	}
	return &Window{rdb: rdb, prefix: prefix, limit: limit, span: span}, nil
}

// Allow records one hit for key. Redis failures deny the request.
func (w *Window) Allow(ctx context.Context, key string) Decision {
	if w == nil {
		return Decision{}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	ms := w.span.Milliseconds()
	slot := time.Now().UnixMilli() / ms
	redisKey := fmt.Sprintf("%s:%s:%d", w.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	vals, err := incrWindow.Run(ctx, w.rdb, []string{redisKey}, ms).Int64Slice()
	if err != nil || len(vals) != 2 {
		return Decision{RetryAfter: time.Second}
	}
	count, pttl := vals[0], vals[1]
	if count > int64(w.limit) {
		retry := time.Duration(pttl) * time.Millisecond
		if retry <= 0 {
			retry = w.span
		}
		return Decision{RetryAfter: retry}
	}
	return Decision{Allowed: true, Remaining: w.limit - int(count)}
}
