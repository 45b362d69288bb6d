package config

import (
	"path/filepath"
	"time"
)

type RunConfig struct {
	// DataDir holds the run state database.
	DataDir  string        `mapstructure:"data_dir" toml:"data_dir" validate:"required"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl" toml:"lease_ttl" validate:"gt=0"`
}

func (c RunConfig) Validate() error {
	return validateConfig(c)
}

const runDBFileName = "reconcile.db"

func (c RunConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, runDBFileName)
}
