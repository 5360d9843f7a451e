package store

import (
	"context"
	"strings"

	"fleethub/internal/fleet"
	"fleethub/internal/tasks"
)

// Store is the combined durable surface the hub consumes.
type Store interface {
	tasks.Store
	fleet.DeviceStore
	ListDevices(ctx context.Context) ([]fleet.Device, error)
	Close() error
}

// New picks the backend: postgres when a database URL is configured,
// sqlite when a path is, otherwise in-memory.
func New(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		s, err := NewPostgres(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	}
	if strings.TrimSpace(sqlitePath) != "" {
		s, err := NewSQLite(sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	}
	return NewInMemory(), "in-memory", nil
}
