package ratelimit

import (
	"context"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxEntries = 10000

// IPRateLimiter keeps one token bucket per client address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[netip.Addr]*limiterEntry

	rate    rate.Limit
	burst   int
	idle    time.Duration
	trusted []netip.Prefix
	now     func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewIPRateLimiter allows r requests per second with bursts of b per
// client. Entries idle for longer than idle are dropped by a sweeper that
// runs until ctx is done. Forwarding headers are honoured only from
// trustedProxies (CIDRs or single addresses); with none configured every
// peer is trusted.
func NewIPRateLimiter(ctx context.Context, r rate.Limit, b int, idle time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[netip.Addr]*limiterEntry),
		rate:     r,
		burst:    b,
		idle:     idle,
		trusted:  ParseTrustedProxies(trustedProxies),
		now:      time.Now,
	}
	go l.sweep(ctx)
	return l
}

// ParseTrustedProxies converts CIDRs and bare addresses to prefixes,
// skipping entries that are neither.
func ParseTrustedProxies(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		if p, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		log.Printf("[WARN] ignoring invalid trusted proxy %q", entry)
	}
	return out
}

func (l *IPRateLimiter) allow(addr netip.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[addr]
	if !ok {
		if len(l.limiters) >= maxEntries {
			l.evictOldestLocked()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[addr] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

func (l *IPRateLimiter) evictOldestLocked() {
	var oldest netip.Addr
	var oldestTime time.Time
	for addr, entry := range l.limiters {
		if !oldest.IsValid() || entry.lastAccess.Before(oldestTime) {
			oldest, oldestTime = addr, entry.lastAccess
		}
	}
	delete(l.limiters, oldest)
}

func (l *IPRateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.removeIdle()
		}
	}
}

func (l *IPRateLimiter) removeIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for addr, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, addr)
		}
	}
}

// Middleware answers 429 with a Retry-After hint once a client exceeds
// its budget.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	retryAfter := "1"
	if l.rate > 0 && l.rate < 1 {
		retryAfter = strconv.Itoa(int(1/float64(l.rate)) + 1)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(l.clientAddr(r)) {
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *IPRateLimiter) isTrusted(addr netip.Addr) bool {
	if len(l.trusted) == 0 {
		return true
	}
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddr resolves the caller's address: the leftmost X-Forwarded-For
// entry, then X-Real-IP, when the peer is a trusted proxy.
func (l *IPRateLimiter) clientAddr(r *http.Request) netip.Addr {
	peer := parseAddr(r.RemoteAddr)
	if !l.isTrusted(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap()
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap()
	}
	return peer
}

func parseAddr(remote string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}
