package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable matches every failure of the reservation store.
var ErrStoreUnavailable = errors.New("idempotency: store unavailable")

// Store is the shared key-value backend holding reservations. Acquire must be
// atomic across every instance sharing the backend.
type Store interface {
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// StoreError records which store operation failed.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("idempotency store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }
