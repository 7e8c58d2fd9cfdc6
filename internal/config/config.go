// Package config loads espdeck.yaml.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"espdeck/internal/firmware"
	"espdeck/internal/transport"
)

// EnvPath names the environment variable that overrides the config location.
const (
	EnvPath     = "ESPDECK_CONFIG"
	DefaultPath = "espdeck.yaml"
)

type Config struct {
	Serial   Serial   `yaml:"serial"`
	Firmware Firmware `yaml:"firmware"`
	Log      Log      `yaml:"log"`
}

type Serial struct {
	// Port is the device path; empty selects the first compatible USB port.
	Port         string        `yaml:"port"`
	Baud         int           `yaml:"baud"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Firmware struct {
	// Catalog is a YAML catalog file replacing the built-in one.
	Catalog      string        `yaml:"catalog"`
	BaseURL      string        `yaml:"base_url"`
	ManifestURL  string        `yaml:"manifest_url"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Serial: Serial{
			Baud:         115200,
			PollInterval: transport.DefaultPollInterval,
		},
		Firmware: Firmware{
			FetchTimeout: 2 * time.Minute,
		},
		Log: Log{Level: "info"},
	}
}

// Path returns the config file location and whether it was asked for
// explicitly.
func Path() (string, bool) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, true
	}
	return DefaultPath, false
}

// Load reads path over the defaults. A missing file is an error only when
// required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	dec := yaml.NewDecoder(strings.NewReader(expandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Serial.PollInterval <= 0 {
		return fmt.Errorf("serial.poll_interval must be positive, got %s", c.Serial.PollInterval)
	}
	if c.Firmware.FetchTimeout < 0 {
		return fmt.Errorf("firmware.fetch_timeout must not be negative, got %s", c.Firmware.FetchTimeout)
	}
	return nil
}

// CatalogOptions maps the firmware section onto catalog loading options.
func (c Config) CatalogOptions(fetch func(ctx context.Context, url string) ([]byte, error)) firmware.Options {
	return firmware.Options{
		Path:        c.Firmware.Catalog,
		BaseURL:     c.Firmware.BaseURL,
		ManifestURL: c.Firmware.ManifestURL,
		Fetch:       fetch,
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default}.
func expandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok && v != "" {
			return v
		}
		return groups[2]
	})
}
