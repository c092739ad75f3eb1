package storage

import (
	"fmt"
	"strings"

	"remindd/pkg/logx"
)

// Open initializes the configured driver. An empty driver means "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
