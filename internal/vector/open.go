package vector

import (
	"go.uber.org/zap"

	"finsight/internal/logging"
)

// Open selects the vector backend at startup: SQLite at path when it can be
// opened, otherwise the in-memory fallback. The selection is surfaced via
// Store.Backend so /health can report degraded mode.
func Open(path string) Store {
	log := logging.Named("vector")

	if path == "" {
		log.Info("no vector path configured, using in-memory index")
		return NewMemoryStore()
	}

	s, err := OpenSQLite(path)
	if err != nil {
		log.Warn("vector index unavailable, degrading to in-memory fallback",
			zap.String("path", path), zap.Error(err))
		return NewMemoryStore()
	}

	log.Info("vector index ready", zap.String("path", path))
	return s
}
