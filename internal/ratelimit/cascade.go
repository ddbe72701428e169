// Package ratelimit implements per-tier quota enforcement as cascades of
// in-process token buckets. A cascade holds one limiter per quota
// descriptor (for example 100 requests/second with burst 120, plus a
// 500k requests/day ceiling) and admits a request only when every
// limiter in it has capacity.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Quota describes one token bucket: Requests tokens replenished per
// Interval, accumulating up to Burst when idle. A zero Burst defaults to
// Requests.
type Quota struct {
	Requests int
	Interval time.Duration
	Burst    int
}

// rate converts the quota to a per-second refill rate.
func (q Quota) rate() rate.Limit {
	return rate.Limit(float64(q.Requests) / q.Interval.Seconds())
}

func (q Quota) burst() int {
	if q.Burst > 0 {
		return q.Burst
	}
	return q.Requests
}

func (q Quota) String() string {
	return fmt.Sprintf("%d per %s (burst %d)", q.Requests, q.Interval, q.burst())
}

// Decision is the outcome of one cascade acquisition.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // meaningful only when Allowed == false
	Remaining  int           // lowest remaining token count across the cascade
	Limit      int           // smallest burst in the cascade
}

// Cascade is an ordered set of token-bucket limiters that must all admit
// a request. A denial consumes nothing: availability is checked on every
// limiter before any of them is charged, under the cascade's own lock so
// the acquisition is atomic per request. Contention on the lock is
// bounded to callers sharing the cascade's tier.
type Cascade struct {
	mu       sync.Mutex
	limiters []*rate.Limiter
	limit    int // smallest burst, reported as Decision.Limit
}

// NewCascade builds one limiter per quota. Buckets start full, so a new
// cascade admits a full burst immediately.
func NewCascade(quotas []Quota) *Cascade {
	c := &Cascade{}
	for _, q := range quotas {
		c.limiters = append(c.limiters, rate.NewLimiter(q.rate(), q.burst()))
		if c.limit == 0 || q.burst() < c.limit {
			c.limit = q.burst()
		}
	}
	return c
}

// Acquire attempts to take one token from every limiter in the cascade.
func (c *Cascade) Acquire() Decision {
	return c.AcquireAt(time.Now(), 1)
}

// AcquireAt attempts to take cost tokens from every limiter as of now.
// All limiters must have capacity or the whole cascade denies. A cost
// larger than the smallest burst can never be admitted.
func (c *Cascade) AcquireAt(now time.Time, cost int) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.limiters) == 0 {
		return Decision{Allowed: true}
	}

	d := Decision{Allowed: true, Limit: c.limit}
	lowest := math.MaxFloat64
	for _, lim := range c.limiters {
		tokens := lim.TokensAt(now)
		if tokens < lowest {
			lowest = tokens
		}
		if tokens < float64(cost) {
			d.Allowed = false
			if wait := waitFor(lim.Limit(), float64(cost)-tokens); wait > d.RetryAfter {
				d.RetryAfter = wait
			}
		}
	}
	if d.Allowed {
		for _, lim := range c.limiters {
			lim.AllowN(now, cost)
		}
		lowest -= float64(cost)
	}
	if lowest < 0 {
		lowest = 0
	}
	d.Remaining = int(lowest)
	return d
}

// waitFor returns the time needed to refill deficit tokens at the given
// rate, used as the retry hint on denial.
func waitFor(limit rate.Limit, deficit float64) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(deficit / float64(limit) * float64(time.Second))
}
