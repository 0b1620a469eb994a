package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fluxorio/logpilot/pkg/core"
)

// Format is the encoding of a configuration file.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// FormatOf picks the format from the file extension: .json is JSON, anything
// else YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// LoadYAML decodes a YAML file into target. Keys absent from the file leave the
// target's values alone, so callers pre-fill defaults.
func LoadYAML(path string, target interface{}) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal YAML %s: %w", path, err)
	}
	return nil
}

// LoadJSON decodes a JSON file into target.
func LoadJSON(path string, target interface{}) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if err := core.JSONDecode(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON %s: %w", path, err)
	}
	return nil
}

// Save writes cfg in the format FormatOf(path) selects. The file is readable by
// its owner only since DSNs may carry credentials.
func Save(path string, cfg interface{}) error {
	var (
		data []byte
		err  error
	)
	if FormatOf(path) == FormatJSON {
		data, err = core.JSONEncode(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	// #nosec G304 -- the path comes from the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return data, nil
}
