package config

type ReportConfig struct {
	// Dir is where report CSV files are written. An object store mount or a
	// sync job makes them available elsewhere.
	Dir string `mapstructure:"dir" toml:"dir" validate:"required"`
}

func (c ReportConfig) Validate() error {
	return validateConfig(c)
}
