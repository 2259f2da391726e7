// Package lease serializes report processing per streamer channel. A
// worker must hold the channel's lease before touching its cursor;
// contention is surfaced to the caller, which re-schedules the work
// instead of blocking.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a crashed worker can wedge a channel.
const DefaultTTL = 5 * time.Hour

// Contention policy: the caller re-schedules after RetryDelay, raises an
// operational alert every AlertEvery failed attempts, and abandons the
// work at GiveUpAfter.
const (
	RetryDelay  = 120 * time.Second
	AlertEvery  = 50
	GiveUpAfter = 200
)

// ErrHeld means another owner currently holds the lease.
var ErrHeld = errors.New("lease held by another owner")

// ErrNotOwner means a release or refresh used a stale owner token.
var ErrNotOwner = errors.New("lease not held by this owner")

// Provider hands out exclusive leases keyed by streamer slug. Acquire
// returns an owner token that must be presented to Release. FailedCount
// reports how many acquisitions have bounced since the lease was last
// taken, driving the alert/give-up thresholds.
type Provider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, key, token string) error
	FailedCount(ctx context.Context, key string) (int, error)
}

type entry struct {
	token   string
	expires time.Time
	failed  int
}

// MemoryProvider is the single-node implementation.
type MemoryProvider struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (p *MemoryProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if ok && p.now().Before(e.expires) {
		e.failed++
		return "", ErrHeld
	}

	token := uuid.NewString()
	p.entries[key] = &entry{token: token, expires: p.now().Add(ttl)}
	return token, nil
}

func (p *MemoryProvider) Release(ctx context.Context, key, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || e.token != token {
		return ErrNotOwner
	}
	delete(p.entries, key)
	return nil
}

func (p *MemoryProvider) FailedCount(ctx context.Context, key string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		return e.failed, nil
	}
	return 0, nil
}
