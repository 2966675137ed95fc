package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Load reads the configuration file at path, shallow-merges the env.<name>
// block over the base document when env is non-empty, and returns the
// validated Configuration. Format is chosen by extension: ".toml" parses
// as TOML, anything else (".json", ".jsonc", no extension) parses as
// JSON with // and /* */ comments stripped first.
func Load(path string, env string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	raw, err := decode(data, path)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	merged := raw
	if env != "" {
		merged = applyEnvOverride(raw, env)
	}
	delete(merged, "env")

	buf, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode merged document: %w", err)
	}

	var cfg Configuration
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode merged document: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, path string) (map[string]any, error) {
	var doc map[string]any
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := json.Unmarshal(stripJSONComments(data), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// applyEnvOverride shallow-merges raw["env"][name] over raw: top-level keys
// present in the env block replace the base's value for that key wholesale,
// matching the documented "shallow-merge" contract (no deep/recursive merge
// of nested binding arrays).
func applyEnvOverride(raw map[string]any, name string) map[string]any {
	merged := make(map[string]any, len(raw))
	for k, v := range raw {
		merged[k] = v
	}

	envBlock, _ := raw["env"].(map[string]any)
	override, ok := envBlock[name].(map[string]any)
	if !ok {
		return merged
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// Validate checks the fields Load cannot leave unset and that are load-bearing
// for the dispatch core. It does not attempt to validate every binding kind's
// options; malformed bindings surface as errors from the package that
// constructs them.
func (c *Configuration) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: %q is required", "name")
	}
	if c.Main == "" {
		return fmt.Errorf("config: %q is required", "main")
	}
	return nil
}
