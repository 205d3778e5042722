package memory

import (
	"context"
	"fmt"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
)

// MemorySessionRegistry enforces one call per pair inside a single process.
type MemorySessionRegistry struct {
	claims map[domain.SessionKey]domain.CallID
	mu     sync.Mutex
}

func NewMemorySessionRegistry() ports.SessionRegistry {
	return &MemorySessionRegistry{
		claims: make(map[domain.SessionKey]domain.CallID),
	}
}

func (r *MemorySessionRegistry) Claim(ctx context.Context, key domain.SessionKey, callID domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, exists := r.claims[key]; exists && holder != callID {
		return fmt.Errorf("%w: %s held by call %s", domain.ErrSessionClaimed, key, holder)
	}

	r.claims[key] = callID
	return nil
}

// Release drops the claim only if callID still holds it.
func (r *MemorySessionRegistry) Release(ctx context.Context, key domain.SessionKey, callID domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claims[key] == callID {
		delete(r.claims, key)
	}
	return nil
}

func (r *MemorySessionRegistry) Holder(key domain.SessionKey) (domain.CallID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	callID, ok := r.claims[key]
	return callID, ok
}
