package server

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from a TOML file.
type Config struct {
	// Bind is the listen address, host:port.
	Bind string `toml:"bind"`
	// DataDir holds the bbolt database and the server key material.
	DataDir string `toml:"data_dir"`
	// BaseURL is the externally reachable address advertised in device
	// registration links.
	BaseURL string `toml:"base_url"`
	// Passphrase unlocks the server identity at rest.
	Passphrase string `toml:"passphrase"`
	// Verifier selects platform session verification: "none" or "mojang".
	Verifier string `toml:"verifier"`
	// ProximityRadius is the clustering distance in world units; zero
	// disables proximity groups.
	ProximityRadius float64 `toml:"proximity_radius"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Bind:     "0.0.0.0:3000",
		DataDir:  "data",
		BaseURL:  "http://localhost:3000",
		Verifier: "none",
	}
}

// LoadConfig reads path and fills unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Bind == "" {
		return fmt.Errorf("config: bind must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	switch c.Verifier {
	case "", "none", "mojang":
	default:
		return fmt.Errorf("config: unknown verifier %q", c.Verifier)
	}
	return nil
}
