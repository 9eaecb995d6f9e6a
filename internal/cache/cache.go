package cache

import (
	"context"
	"time"

	"orderflow/backend/internal/domain"
)

// PolicyCache holds the active cancellation policy between reads.
type PolicyCache interface {
	Get(ctx context.Context) (*domain.CancellationPolicy, bool, error)
	Set(ctx context.Context, policy *domain.CancellationPolicy, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopPolicyCache struct{}

func (NoopPolicyCache) Get(_ context.Context) (*domain.CancellationPolicy, bool, error) {
	return nil, false, nil
}

func (NoopPolicyCache) Set(_ context.Context, _ *domain.CancellationPolicy, _ time.Duration) error {
	return nil
}

func (NoopPolicyCache) Invalidate(_ context.Context) error {
	return nil
}
