package cache

import (
	"context"
	"time"

	"partsdesk/backend/internal/domain"
)

type SuggestionCache interface {
	Get(ctx context.Context, key string) (*domain.AllocationSuggestionsResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.AllocationSuggestionsResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopSuggestionCache struct{}

func (NoopSuggestionCache) Get(_ context.Context, _ string) (*domain.AllocationSuggestionsResponse, bool, error) {
	return nil, false, nil
}

func (NoopSuggestionCache) Set(_ context.Context, _ string, _ *domain.AllocationSuggestionsResponse, _ time.Duration) error {
	return nil
}

func (NoopSuggestionCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
