package config

import "fmt"

// Store backend identifiers.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendFile     = "file"
	StoreBackendMemory   = "memory"
)

// StoreConfig selects and configures the tenant definition store backend.
type StoreConfig struct {
	// Backend selects where tenant documents are persisted.
	Backend string `envconfig:"BACKEND" default:"postgres" validate:"oneof=postgres file memory"`

	// FilePath is the JSON file used by the file backend.
	FilePath string `envconfig:"FILE_PATH" default:"skuld.json"`

	// WatchFile enables reloading the file backend when the file changes on disk.
	WatchFile bool `envconfig:"WATCH_FILE" default:"true"`

	// MaxSaveRetries bounds the optimistic-concurrency retry loop on writes.
	MaxSaveRetries int `envconfig:"MAX_SAVE_RETRIES" default:"5" validate:"min=1"`
}

// Validate checks StoreConfig fields for correctness.
func (s *StoreConfig) Validate(environment string) error {
	if s.Backend == StoreBackendFile && s.FilePath == "" {
		return fmt.Errorf("store file path is required for the file backend")
	}

	// The memory backend loses every definition on restart.
	if environment == EnvironmentProduction && s.Backend == StoreBackendMemory {
		return fmt.Errorf("memory store backend is not allowed in production environment")
	}

	return nil
}
