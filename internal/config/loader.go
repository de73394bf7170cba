package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPlaceholder matches ${VAR_NAME} references in config values.
var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file, resolves ${VAR} placeholders from the
// environment, applies defaults, and validates the result. A placeholder
// whose variable is unset fails the load: required secrets must be present
// at startup, not at first use.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes with the same semantics as Load.
func Parse(data []byte) (Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Serialize renders the config back to YAML. Load(Serialize(cfg)) round-trips
// for the recognized key set.
func Serialize(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func expandEnv(s string) (string, error) {
	var missing []string
	out := envPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config references unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
