package policy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"orderflow/backend/internal/cache"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/store"
)

// Store is the persistence the engine needs. It keeps exactly one active policy.
type Store interface {
	GetActivePolicy(ctx context.Context) (*domain.CancellationPolicy, error)
	UpsertActivePolicy(ctx context.Context, policy domain.CancellationPolicy) (*domain.CancellationPolicy, error)
}

type Engine struct {
	store    Store
	cache    cache.PolicyCache
	cacheTTL time.Duration
	seed     domain.CancellationPolicy
	logger   *zap.Logger
	now      func() time.Time
}

type EngineOption func(*Engine)

func WithCache(c cache.PolicyCache, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

// WithSeed replaces the hard-coded bootstrap policy, e.g. from a YAML file.
func WithSeed(seed domain.CancellationPolicy) EngineOption {
	return func(e *Engine) {
		e.seed = seed
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(st Store, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    st,
		cache:    cache.NoopPolicyCache{},
		cacheTTL: time.Minute,
		seed:     Default(),
		logger:   logger.Named("policy"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Active returns the active policy, bootstrapping the seed on first read.
func (e *Engine) Active(ctx context.Context) (domain.CancellationPolicy, error) {
	if cached, ok, err := e.cache.Get(ctx); err != nil {
		e.logger.Warn("policy cache read failed", zap.Error(err))
	} else if ok && cached != nil {
		return *cached, nil
	}

	current, err := e.store.GetActivePolicy(ctx)
	if errors.Is(err, store.ErrNotFound) {
		seed := e.seed.Clone()
		seed.IsActive = true
		seed.LastUpdated = e.now()
		seed.UpdatedBy = "system"
		current, err = e.store.UpsertActivePolicy(ctx, seed)
		if err == nil {
			e.logger.Info("bootstrapped default cancellation policy", zap.String("policy_id", current.ID))
		}
	}
	if err != nil {
		return domain.CancellationPolicy{}, err
	}

	if err := e.cache.Set(ctx, current, e.cacheTTL); err != nil {
		e.logger.Warn("policy cache write failed", zap.Error(err))
	}
	return *current, nil
}

// Update merges update into the active policy and stamps who changed it.
func (e *Engine) Update(ctx context.Context, update domain.PolicyUpdateRequest, updatedBy string) (domain.CancellationPolicy, error) {
	current, err := e.store.GetActivePolicy(ctx)
	if errors.Is(err, store.ErrNotFound) {
		seed := e.seed.Clone()
		current, err = &seed, nil
	}
	if err != nil {
		return domain.CancellationPolicy{}, err
	}

	next, err := Apply(*current, update)
	if err != nil {
		return domain.CancellationPolicy{}, err
	}
	next.LastUpdated = e.now()
	next.UpdatedBy = updatedBy

	saved, err := e.store.UpsertActivePolicy(ctx, next)
	if err != nil {
		return domain.CancellationPolicy{}, err
	}
	if err := e.cache.Invalidate(ctx); err != nil {
		e.logger.Warn("policy cache invalidate failed", zap.Error(err))
	}
	return *saved, nil
}
