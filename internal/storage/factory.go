package storage

import (
	"fmt"

	"apigate/internal/models"
)

// Factory provides a centralized way to create storage instances based on
// configuration, so backends can be swapped without code changes.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a storage backend based on the provided configuration.
// Supported backends:
//   - memory: In-memory storage (for testing/development)
//   - sqlite: SQLite database storage (single-node deployments)
//   - postgres: PostgreSQL database storage (production)
func (f *Factory) Create(cfg models.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case models.StorageTypeMemory:
		return NewMemoryStorage(), nil
	case models.StorageTypeSQLite:
		return NewSQLiteStorage(cfg.Database)
	case models.StorageTypePostgres:
		return NewPostgresStorage(cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// GetSupportedProviders returns a list of all supported storage backend types
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeMemory, models.StorageTypeSQLite, models.StorageTypePostgres}
}
