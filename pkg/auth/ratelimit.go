package auth

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
)

// RatePolicy is a token bucket: RPM refill per minute, Burst capacity.
type RatePolicy struct {
	RPM   int
	Burst int
}

func (p RatePolicy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p RatePolicy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Limiter decides whether actorID may make another request. When it may
// not, retryAfter says how long to wait.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter keeps one x/time/rate limiter per actor. Single instance only.
type MemoryLimiter struct {
	mu       sync.Mutex
	policy   RatePolicy
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter(policy RatePolicy) *MemoryLimiter {
	return &MemoryLimiter{policy: policy, visitors: make(map[string]*visitor), now: time.Now}
}

// WithClock overrides the limiter clock (tests).
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, actorID string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[actorID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.policy.perSecond()), l.policy.burst())}
		l.visitors[actorID] = v
	}
	v.lastSeen = now

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Sweep drops actors idle for longer than idle and returns how many.
func (l *MemoryLimiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for id, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, id)
			n++
		}
	}
	return n
}

// redisTokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] bucket key; ARGV rate/s, capacity, cost, now (seconds).
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 1)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares buckets across replicas.
type RedisLimiter struct {
	client redis.Scripter
	policy RatePolicy
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.Scripter, policy RatePolicy) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy, prefix: "helmpay:limiter", now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, time.Duration, error) {
	r := l.policy.perSecond()
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{l.prefix + ":" + actorID},
		r, l.policy.burst(), 1, now).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis limiter: unexpected reply %v", res)
	}
	if allowed, _ := res[0].(int64); allowed == 1 {
		return true, 0, nil
	}
	var tokens float64
	if s, ok := res[1].(string); ok {
		_, _ = fmt.Sscanf(s, "%g", &tokens)
	}
	wait := math.Max(1-tokens, 0) / r
	return false, time.Duration(math.Ceil(wait*1000)) * time.Millisecond, nil
}

// ErrRateLimited is rendered as 429 with Retry-After.
var ErrRateLimited = api.RateLimited("RATE_LIMITED", "rate limit exceeded", time.Second)

// RateLimitMiddleware enforces per-actor limits. The actor is the
// authenticated principal, falling back to the remote IP. Limiter errors
// let the request through.
func RateLimitMiddleware(limiter Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			actor := remoteIP(r)
			if p, ok := GetPrincipal(r.Context()); ok {
				actor = p.ActorID()
			}
			allowed, retryAfter, err := limiter.Allow(r.Context(), actor)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable", "actor", actor, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				e := *ErrRateLimited
				if retryAfter > 0 {
					e.RetryAfter = retryAfter
				}
				api.Render(w, r, &e)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
