package config

import "time"

type QueueConfig struct {
	// Endpoint accepts JSON message batches over HTTP POST.
	Endpoint   string        `mapstructure:"endpoint" toml:"endpoint" validate:"required,url"`
	BatchSize  int           `mapstructure:"batch_size" toml:"batch_size" validate:"gte=1"`
	BatchDelay time.Duration `mapstructure:"batch_delay" toml:"batch_delay" validate:"gte=0"`
	MaxTries   uint          `mapstructure:"max_tries" toml:"max_tries" validate:"gte=1"`
	Timeout    time.Duration `mapstructure:"timeout" toml:"timeout" validate:"gt=0"`
}

func (c QueueConfig) Validate() error {
	return validateConfig(c)
}
