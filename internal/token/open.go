package token

import (
	"context"

	"go.uber.org/zap"

	"finsight/internal/logging"
)

// Open selects the token store backend at startup: Redis when reachable,
// otherwise the in-process fallback. Mappings created on the fallback are
// flagged non-durable in result metadata.
func Open(ctx context.Context, cfg RedisConfig) Store {
	log := logging.Named("token")

	if cfg.Addr != "" {
		s, err := OpenRedis(ctx, cfg)
		if err == nil {
			log.Info("token store ready", zap.String("backend", "redis"), zap.String("addr", cfg.Addr))
			return s
		}
		log.Warn("token store unavailable, degrading to in-process storage", zap.Error(err))
	} else {
		log.Info("no redis configured, using in-process token storage")
	}
	return NewMemoryStore(0)
}
