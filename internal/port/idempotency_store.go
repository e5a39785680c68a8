package port

import "context"

type IdempotencyStore interface {
	// Reserve claims key, returns false if it is already claimed
	Reserve(ctx context.Context, key string) (bool, error)

	// Release frees a claimed key so a retried request can proceed
	Release(ctx context.Context, key string) error
}
