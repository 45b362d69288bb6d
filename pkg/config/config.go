// Package config defines the scenesync configuration sections and loads them
// from the config file and SCENESYNC_* environment variables via viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Validatable is implemented by every config section.
type Validatable interface {
	Validate() error
}

type Config struct {
	Catalog CatalogConfig `mapstructure:"catalog" toml:"catalog"`
	Index   IndexConfig   `mapstructure:"index" toml:"index"`
	Queue   QueueConfig   `mapstructure:"queue" toml:"queue"`
	Report  ReportConfig  `mapstructure:"report" toml:"report"`
	Run     RunConfig     `mapstructure:"run" toml:"run"`
}

func (c Config) Validate() error {
	for _, section := range []Validatable{c.Catalog, c.Index, c.Queue, c.Report, c.Run} {
		if err := section.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Init points viper at the optional config file and binds environment
// variables: `SCENESYNC_QUEUE_ENDPOINT` overrides `queue.endpoint`.
func Init(configFile string) error {
	viper.SetEnvPrefix("SCENESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	setDefaults()
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("catalog.page_size", 100)
	viper.SetDefault("catalog.rate_limit", 5)
	viper.SetDefault("catalog.timeout", "30s")
	viper.SetDefault("catalog.max_tries", 3)
	viper.SetDefault("index.page_size", 500)
	viper.SetDefault("queue.batch_size", 10)
	viper.SetDefault("queue.batch_delay", "1s")
	viper.SetDefault("queue.max_tries", 3)
	viper.SetDefault("queue.timeout", "30s")
	viper.SetDefault("run.lease_ttl", "30m")
}

func Load[T Validatable]() (T, error) {
	var out T
	if err := viper.Unmarshal(&out); err != nil {
		return out, fmt.Errorf("unable to decode config, %w", err)
	}
	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("invalid config, %w", err)
	}
	return out, nil
}
