package ratelimit

import (
	"sync"
	"time"
)

// IPRateLimiter keeps a token bucket per caller IP
type IPRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*ipBucket
	maxTokens  float64
	refillRate float64
	ttl        time.Duration
	stopChan   chan struct{}
}

type ipBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// NewIPRateLimiter creates a per-IP limiter; idle buckets are dropped
// after roughly ten minutes.
func NewIPRateLimiter(maxTokens, refillRate float64) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters:   make(map[string]*ipBucket),
		maxTokens:  maxTokens,
		refillRate: refillRate,
		ttl:        10 * time.Minute,
		stopChan:   make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow checks if a request from the given IP can proceed
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipBucket{bucket: NewTokenBucket(l.maxTokens, l.refillRate)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()

	l.mu.Unlock()

	return entry.bucket.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ttl)
			l.mu.Lock()
			for ip, entry := range l.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(l.limiters, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopChan:
			return
		}
	}
}

// Stop stops the background cleanup
func (l *IPRateLimiter) Stop() {
	close(l.stopChan)
}
