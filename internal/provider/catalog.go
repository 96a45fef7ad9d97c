package provider

import (
	"context"
	"slices"

	"github.com/Plonkawojciech/open-kaap-pro/internal/cache"
	"github.com/Plonkawojciech/open-kaap-pro/internal/core"

	"golang.org/x/sync/singleflight"
)

// ModelLister lists the model ids visible to one API key
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Catalog caches per-key model lists. Concurrent misses for the same key share one fetch;
// the last successful fetch wins.
type Catalog struct {
	cache  core.ModelListCache
	logger core.Logger
	group  singleflight.Group
}

func NewCatalog(modelCache core.ModelListCache, logger core.Logger) *Catalog {
	if logger == nil {
		logger = &core.NopLogger{}
	}
	return &Catalog{cache: modelCache, logger: logger}
}

// Models returns the cached list for apiKey, fetching it through lister on a miss.
// Failures and empty lists are not cached.
func (c *Catalog) Models(ctx context.Context, apiKey string, lister ModelLister) ([]string, error) {
	key := cache.CatalogCacheKey(core.ProviderCatalogKeyTag, apiKey)
	if c.cache != nil {
		if models, ok := c.cache.GetModelList(key); ok {
			return models, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		models, err := lister.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		if len(models) > 0 && c.cache != nil {
			c.cache.PutModelList(key, models, core.ProviderCatalogTTL)
		}
		c.logger.Debug("Fetched %d models for catalog key %s", len(models), cache.TruncateCacheKey(key, 24))
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]string)), nil
}
