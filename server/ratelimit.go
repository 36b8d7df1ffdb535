package server

import (
	"context"
	"sync"
	"time"

	"github.com/t7a/secvault/vault"
	"golang.org/x/time/rate"
)

// multiLimiter keeps one token bucket per caller identity and forgets
// identities it has not seen for ttl.
type multiLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[vault.Identity]*limBucket
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newMultiLimiter(limit rate.Limit, burst int, ttl time.Duration) *multiLimiter {
	if burst < 1 {
		burst = 1
	}
	return &multiLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: make(map[vault.Identity]*limBucket),
	}
}

func (m *multiLimiter) get(id vault.Identity) *rate.Limiter {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.entries[id]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(m.limit, m.burst), lastSeen: now}
		m.entries[id] = b
	}
	b.lastSeen = now

	for k, v := range m.entries {
		if now.Sub(v.lastSeen) > m.ttl {
			delete(m.entries, k)
		}
	}
	return b.lim
}

// wait blocks until id may make another request or ctx is done.  A nil
// limiter never blocks.
func (m *multiLimiter) wait(ctx context.Context, id vault.Identity) error {
	if m == nil {
		return nil
	}
	return m.get(id).Wait(ctx)
}
