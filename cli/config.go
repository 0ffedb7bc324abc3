package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/derivekit/derive/resolver"
)

// Config is the YAML settings file of an embedding application. Everything
// is optional; zero values fall back to the resolver defaults.
type Config struct {
	// Database is the SQLite database path.
	Database string `yaml:"database"`
	// MapFile is the persisted map artifact path.
	MapFile string `yaml:"mapfile"`
	// BatchSize is the naive bulk write batch size.
	BatchSize int `yaml:"batchsize"`
	// FastBatchSize is the batch size when the fast write path is active.
	FastBatchSize int `yaml:"fast_batchsize"`
	// FastUpdate enables the fast bulk write backend.
	FastUpdate bool `yaml:"fastupdate"`
	// AllowRecursion permits intermodel dependency recursions.
	AllowRecursion bool `yaml:"allow_recursion"`
}

// LoadConfig reads a YAML settings file. An empty path yields the zero
// config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ResolverConfig converts the settings into a resolver configuration.
func (c *Config) ResolverConfig() resolver.Config {
	return resolver.Config{
		MapFile:        c.MapFile,
		BatchSize:      c.BatchSize,
		FastBatchSize:  c.FastBatchSize,
		UseFastUpdate:  c.FastUpdate,
		AllowRecursion: c.AllowRecursion,
	}
}
