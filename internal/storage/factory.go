package storage

import (
	"fmt"

	"constph/internal/model"
)

// NewStore builds an uninitialized checkpoint store; call Init before use.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch NormalizeStoreName(kind) {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("%w: unsupported store backend: %s", model.ErrConfig, kind)
	}
}

func NormalizeStoreName(kind string) string {
	switch kind {
	case "", "memory", "mem":
		return "memory"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return kind
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
