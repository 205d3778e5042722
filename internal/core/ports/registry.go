package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// SessionRegistry enforces one live session per pair across everything that
// shares the registry. Claim fails with domain.ErrSessionClaimed when another
// call holds the key.
type SessionRegistry interface {
	Claim(ctx context.Context, key domain.SessionKey, callID domain.CallID) error
	Release(ctx context.Context, key domain.SessionKey, callID domain.CallID) error
}
