package resolver

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/cache"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// KBSearcher finds the external knowledge-base id of a name. It returns ""
// when the knowledge base has no match.
type KBSearcher interface {
	Search(ctx context.Context, name, language string) (string, error)
}

// Linker resolves entities to knowledge-base ids through a cache.
type Linker struct {
	kb     KBSearcher
	cache  cache.Cache
	logger *zap.Logger
}

// NewLinker builds a Linker. A nil cache disables caching.
func NewLinker(kb KBSearcher, c cache.Cache, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{kb: kb, cache: c, logger: logger.Named("linker")}
}

// CacheKey is the cache key of an entity lookup.
func CacheKey(language string, t pipeline.EntityType, name string) string {
	return strings.ToLower(language) + ":" + string(t) + ":" + name
}

// Link returns the id for name, or nil when there is no match or the lookup
// failed. A miss is cached, a failure is not.
func (l *Linker) Link(ctx context.Context, name string, t pipeline.EntityType, language string) *string {
	key := CacheKey(language, t, name)
	if l.cache != nil {
		v, ok, err := l.cache.Get(ctx, key)
		if err != nil {
			l.logger.Warn("kb cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			return idOrNil(v)
		}
	}

	id, err := l.kb.Search(ctx, name, language)
	if err != nil {
		l.logger.Warn("kb lookup failed", zap.String("name", name), zap.Error(err))
		return nil
	}
	if l.cache != nil {
		if err := l.cache.Set(ctx, key, id); err != nil {
			l.logger.Warn("kb cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return idOrNil(id)
}

func idOrNil(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
