package account

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/Update/Delete for an unknown id.
var ErrNotFound = errors.New("account: not found")

// Store is the C5 interface: CRUD + rate-limit log + quota/credits
// metadata. Implementations must serialize concurrent writes to a single
// row (spec §5); concurrent reads are always safe.
type Store interface {
	ListEnabled(ctx context.Context, kind Kind) ([]*Account, error)
	ListAll(ctx context.Context) ([]*Account, error)
	Get(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, a *Account) error
	Update(ctx context.Context, id string, patch func(*Account)) (*Account, error)
	Delete(ctx context.Context, id string) error

	UpdateTokens(ctx context.Context, id, accessToken, refreshToken, status string) error
	RecordCall(ctx context.Context, id, model string) error
	CheckRateLimit(ctx context.Context, id string) (bool, error)
	CallStats(ctx context.Context, id string) (CallStats, error)
	MarkModelExhausted(ctx context.Context, id, model string, resetTime time.Time) error

	Close() error
}
