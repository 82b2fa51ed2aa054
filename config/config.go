// Package config loads the fetchcache server configuration file.
package config

import (
	"os"
	"time"

	"github.com/always-cache/fetchcache"
	optionrules "github.com/always-cache/fetchcache/pkg/option-rules"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

const DefaultListen = ":8080"

var ErrNoOrigin = zerr.New("no origin configured")

type Config struct {
	// Address to listen on.
	Listen string `yaml:"listen"`
	// URL of the JSON backend.
	Origin string `yaml:"origin"`
	// Hostname of the backend, if it differs from the origin URL.
	Host string `yaml:"host"`
	// SQLite file for the persistent snapshot. Use "memory" for an in-memory db,
	// leave empty to disable persistence.
	DB            string        `yaml:"db"`
	MaxEntries    int           `yaml:"maxEntries"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Grace         time.Duration `yaml:"grace"`
	// Options used for URLs no rule matches.
	Defaults fetchcache.Options `yaml:"defaults"`
	Rules    optionrules.Rules  `yaml:"rules"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:   DefaultListen,
		Defaults: fetchcache.DefaultOptions(),
	}
}

// Load reads the yaml file on top of the default configuration.
func Load(filename string) (Config, error) {
	config := Default()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, zerr.With(zerr.Wrap(err, "failed to read config"), "filename", filename)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, zerr.With(zerr.Wrap(err, "failed to parse config"), "filename", filename)
	}
	return config, nil
}

// Validate checks that the configuration can be served.
func (c Config) Validate() error {
	if c.Origin == "" {
		return ErrNoOrigin
	}
	if err := c.Rules.Validate(c.Defaults); err != nil {
		return zerr.Wrap(err, "invalid fetch options")
	}
	return nil
}
