package config

import "time"

// Catalog providers.
const (
	ProviderSentinel2 = "sentinel2"
	ProviderLandsat   = "landsat"
	ProviderSentinel1 = "sentinel1"
)

type CatalogConfig struct {
	// Provider selects the catalog variant: sentinel2, landsat or sentinel1.
	Provider string `mapstructure:"provider" toml:"provider" validate:"required,oneof=sentinel2 landsat sentinel1"`
	// Endpoint is the search URL (sentinel2, sentinel1) or the bulk listing
	// URL (landsat).
	Endpoint string `mapstructure:"endpoint" toml:"endpoint" validate:"required,url"`
	// Product names the product the catalog scenes belong to, e.g. s2_l2a.
	Product string `mapstructure:"product" toml:"product" validate:"required"`
	// Collection is the STAC collection to search. Sentinel-2 only.
	Collection string `mapstructure:"collection" toml:"collection" validate:"required_if=Provider sentinel2"`
	// Bucket names the bucket Landsat scene URIs point into.
	Bucket string `mapstructure:"bucket" toml:"bucket" validate:"required_if=Provider landsat"`
	// PathRows is the Landsat WRS-2 path/row allowlist, e.g. "168,060". Empty
	// means no path/row filtering.
	PathRows []string `mapstructure:"path_rows" toml:"path_rows"`

	PageSize  int           `mapstructure:"page_size" toml:"page_size" validate:"gt=0"`
	RateLimit float64       `mapstructure:"rate_limit" toml:"rate_limit" validate:"gt=0"`
	Timeout   time.Duration `mapstructure:"timeout" toml:"timeout" validate:"gt=0"`
	MaxTries  uint          `mapstructure:"max_tries" toml:"max_tries" validate:"gte=1"`
}

func (c CatalogConfig) Validate() error {
	return validateConfig(c)
}
