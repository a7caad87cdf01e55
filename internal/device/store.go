package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns the default location of the device store,
// os.UserConfigDir()/devcheck/devices.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "devcheck", "devices.yaml"), nil
}

// Load reads a collection from a YAML file. A missing file yields an empty
// collection.
func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Collection{}, nil
		}
		return nil, fmt.Errorf("failed to read device store: %w", err)
	}

	coll, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device store %s: %w", path, err)
	}
	return coll, nil
}

// Parse decodes and validates a collection from YAML data.
func Parse(data []byte) (*Collection, error) {
	var coll Collection
	if err := yaml.Unmarshal(data, &coll); err != nil {
		return nil, fmt.Errorf("invalid device store format: %w", err)
	}
	if err := coll.Validate(); err != nil {
		return nil, err
	}
	return &coll, nil
}

// Save writes the collection to path, creating parent directories.
// The file is private to the user since it may hold passwords.
func Save(path string, coll *Collection) error {
	if err := coll.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(coll)
	if err != nil {
		return fmt.Errorf("failed to encode device store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write device store: %w", err)
	}
	// WriteFile keeps the mode of an existing file; the store holds passwords.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to set device store mode: %w", err)
	}
	return nil
}
