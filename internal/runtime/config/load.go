package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the environment variable prefix used by Load when none is given.
const EnvPrefix = "REELFLOW"

// Load reads the configuration from the environment. Files listed in envFiles (default ".env")
// are loaded first without overriding variables that are already set; missing files are ignored.
func Load(prefix string, envFiles ...string) (*Config, error) {
	if prefix == "" {
		prefix = EnvPrefix
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", file, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
