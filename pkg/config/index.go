package config

import "strings"

type IndexConfig struct {
	// DatabaseURL is the dataset index connection string. Postgres in
	// production, a sqlite file URL in development.
	DatabaseURL string `mapstructure:"database_url" toml:"database_url" validate:"required"`
	PageSize    int    `mapstructure:"page_size" toml:"page_size" validate:"gt=0"`
}

func (c IndexConfig) Validate() error {
	return validateConfig(c)
}

// IsPostgres returns true if the database URL points to a PostgreSQL server.
func (c IndexConfig) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}
