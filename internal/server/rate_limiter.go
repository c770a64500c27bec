package server

import (
	"net"
	"sync"
	"time"
)

type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
	now       func() time.Time
}

func newRateLimiter(capacity int, interval time.Duration, now func() time.Time) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: now(),
		now:       now,
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}

// full reports whether the bucket has refilled completely, in which case it
// behaves exactly like a fresh one.
func (rl *rateLimiter) full() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	return rl.tokens >= rl.capacity
}

func (rl *rateLimiter) refill() {
	now := rl.now()
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}
}

// hostLimiter keeps one token bucket per remote host.
type hostLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateLimiter
	cfg     RateLimitConfig
	now     func() time.Time
}

func newHostLimiter(cfg RateLimitConfig, now func() time.Time) *hostLimiter {
	if now == nil {
		now = time.Now
	}
	return &hostLimiter{
		buckets: make(map[string]*rateLimiter),
		cfg:     cfg,
		now:     now,
	}
}

func (h *hostLimiter) allow(addr net.Addr) bool {
	host := hostOf(addr)

	h.mu.Lock()
	bucket, ok := h.buckets[host]
	if !ok {
		bucket = newRateLimiter(h.cfg.Burst, h.cfg.RefillInterval, h.now)
		h.buckets[host] = bucket
	}
	h.mu.Unlock()

	return bucket.allow()
}

// prune forgets hosts whose buckets have refilled and returns how many remain.
func (h *hostLimiter) prune() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for host, bucket := range h.buckets {
		if bucket.full() {
			delete(h.buckets, host)
		}
	}
	return len(h.buckets)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
