package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"toolprobe/pkg/logging"
)

// Load reads configuration from a YAML file, layered over the defaults. A
// missing file is not an error: the defaults make the engine usable with
// zero configuration.
func Load(path string) (Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("ConfigLoader", "No config file at %s, using defaults", path)
			return config, nil
		}
		return Config{}, fmt.Errorf("error reading config from %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", path)
	return config, nil
}
