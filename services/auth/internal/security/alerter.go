package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

type rule struct {
	threshold int64
	window    time.Duration
}

var failureRules = map[string]rule{
	"auth.login":           {10, 5 * time.Minute},
	"auth.signup":          {10, 5 * time.Minute},
	"auth.refresh":         {15, 5 * time.Minute},
	"auth.logout":          {15, 5 * time.Minute},
	"auth.profile.read":    {25, 5 * time.Minute},
	"auth.authorize":       {25, 5 * time.Minute},
	"auth.admin.authorize": {25, 5 * time.Minute},
}

var rateLimitedRule = rule{20, time.Minute}

// AuditAlerter counts failed security events per client in Redis windows and
// reports when a threshold is crossed.
type AuditAlerter struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewAuditAlerter returns nil when rdb is nil; a nil alerter observes nothing.
func NewAuditAlerter(rdb redis.UniversalClient, prefix string) *AuditAlerter {
	if rdb == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "whatsgonow:auth:alerts"
	}
	return &AuditAlerter{rdb: rdb, prefix: prefix}
}

// Observe records one event outcome for ip.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil {
		return result, nil
	}
	r, ok := ruleFor(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := r.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.rdb, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = r.threshold
	result.Window = r.window
	result.Triggered = count >= r.threshold
	return result, nil
}

func ruleFor(event, outcome string) (rule, bool) {
	switch strings.TrimSpace(outcome) {
	case "rate_limited":
		return rateLimitedRule, true
	case "fail":
		r, ok := failureRules[strings.TrimSpace(event)]
		return r, ok
	default:
		return rule{}, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
