package bootstrap

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/listing-automation/internal/repository"
	"github.com/smallbiznis/listing-automation/internal/token"
)

// WarmCredentialCache preloads the credential cache from the durable store at
// startup so the first ticks after a restart do not all fall through to the
// database.
func WarmCredentialCache(lc fx.Lifecycle, store repository.CredentialRepository, cache token.CredentialCache, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return warmCredentialCache(ctx, store, cache, logger)
		},
	})
}

func warmCredentialCache(ctx context.Context, store repository.CredentialRepository, cache token.CredentialCache, logger *zap.Logger) error {
	if cache == nil {
		return nil
	}

	principals, err := store.ListPrincipals(ctx)
	if err != nil {
		// Warmup is an optimization; a cold cache must not block startup.
		logger.Warn("credential cache warmup skipped", zap.Error(err))
		return nil
	}

	warmed := 0
	for _, principalID := range principals {
		record, err := store.Load(ctx, principalID)
		if err != nil {
			continue
		}
		if err := cache.Set(ctx, record); err != nil {
			logger.Warn("credential cache warmup write failed",
				zap.String("principal_id", principalID), zap.Error(err))
			continue
		}
		warmed++
	}

	logger.Info("credential cache warmed", zap.Int("principals", warmed))
	return nil
}
