package taskstore

import (
	"fmt"

	"github.com/ricesearch/rice-eval/internal/config"
)

// Open creates the store selected by cfg.Type.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "redis":
		return NewRedisStore(cfg.RedisURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
