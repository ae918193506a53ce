package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// MemoryGuard is the single-process guard used when no Redis is configured,
// and in tests. Claims expire after the ttl; Sweep evicts in bulk.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	ttl    time.Duration
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{claims: make(map[string]time.Time), ttl: ttl}
}

func (g *MemoryGuard) MarkIfNew(_ context.Context, p models.Platform, eventID string) (bool, error) {
	key := claimKey(p, eventID)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.claims[key]; ok && now.Sub(at) < g.ttl {
		return false, nil
	}
	g.claims[key] = now
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, p models.Platform, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, claimKey(p, eventID))
	return nil
}

// Sweep drops claims made before the cutoff and returns how many went.
func (g *MemoryGuard) Sweep(before time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, at := range g.claims {
		if at.Before(before) {
			delete(g.claims, key)
			n++
		}
	}
	return n
}
