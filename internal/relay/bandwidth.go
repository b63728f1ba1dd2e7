package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// BandwidthMeter rate-limits per-session egress so a slow viewer connection
// can't be force-fed faster than it drains, and a runaway producer can't
// saturate the relay process. Adapted from the teacher's BandwidthMeter in
// internal/relay/bandwidth.go, dropping its DB-sync half — no persisted
// state (spec §6 "Persisted state: None").
type BandwidthMeter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	counters map[string]*atomic.Int64
	rateVal  rate.Limit
	burst    int
}

// NewBandwidthMeter creates a meter with the given sustained rate (bytes/sec) and burst (bytes).
func NewBandwidthMeter(bytesPerSec int, burst int) *BandwidthMeter {
	return &BandwidthMeter{
		limiters: make(map[string]*rate.Limiter),
		counters: make(map[string]*atomic.Int64),
		rateVal:  rate.Limit(bytesPerSec),
		burst:    burst,
	}
}

// Wait blocks until the session's rate limiter allows n bytes, or ctx is done.
func (b *BandwidthMeter) Wait(ctx context.Context, sessionID string, n int) error {
	b.counter(sessionID).Add(int64(n))
	lim := b.limiter(sessionID)
	if n <= b.burst {
		return lim.WaitN(ctx, n)
	}
	for n > 0 {
		chunk := n
		if chunk > b.burst {
			chunk = b.burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Total returns the cumulative byte count metered for sessionID since the
// relay started, rendered in a log-friendly form via go-humanize.
func (b *BandwidthMeter) Total(sessionID string) string {
	return humanize.Bytes(uint64(b.counter(sessionID).Load()))
}

func (b *BandwidthMeter) limiter(sessionID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(b.rateVal, b.burst)
		b.limiters[sessionID] = lim
	}
	return lim
}

func (b *BandwidthMeter) counter(sessionID string) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[sessionID]
	if !ok {
		c = &atomic.Int64{}
		b.counters[sessionID] = c
	}
	return c
}

// forget drops a session's metering state once it's reaped, so long-lived
// relay processes don't accumulate unbounded map entries.
func (b *BandwidthMeter) forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.limiters, sessionID)
	delete(b.counters, sessionID)
}

// RateLimiter applies per-IP request rate limiting to the HTTP surface.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-IP rate limiter: reqPerSec is the sustained
// rate, burst is the max burst size.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
	}
	go func() {
		for range time.Tick(5 * time.Minute) {
			rl.mu.Lock()
			for ip, l := range rl.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(rl.limiters, ip)
				}
			}
			rl.mu.Unlock()
		}
	}()
	return rl
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.lim
}

// Allow returns true if the request is within rate limits for the given IP.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.getLimiter(ip).Allow()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for j := 0; j < len(xff); j++ {
			if xff[j] == ',' {
				return xff[:j]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
