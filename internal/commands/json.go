// Package commands implements the config file editing behind the cacd
// config subcommands. Keys use dot notation, so auto_approval.enabled
// reaches inside nested objects.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Helmi/cacd/internal/config"
)

// ConfigGet returns the value at keyPath, pretty printed. An empty
// keyPath returns the whole document.
func ConfigGet(keyPath string) (string, error) {
	root, _, err := loadConfigFile()
	if err != nil {
		return "", err
	}

	value := any(root)
	for _, key := range splitPath(keyPath) {
		obj, ok := value.(map[string]any)
		if !ok {
			return "", fmt.Errorf("key %q not found", keyPath)
		}
		if value, ok = obj[key]; !ok {
			return "", fmt.Errorf("key %q not found", keyPath)
		}
	}

	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering value: %w", err)
	}
	return string(out), nil
}

// ConfigSet stores a value at keyPath, creating intermediate objects as
// needed. The value is parsed as JSON first and falls back to a plain
// string, so `set sample_ms 250` stores a number and `set log_level
// debug` stores a string. A missing config file starts from an empty
// document.
func ConfigSet(keyPath, rawValue string) error {
	keys := splitPath(keyPath)
	if len(keys) == 0 {
		return fmt.Errorf("empty key path")
	}

	root, path, err := loadConfigFile()
	if err != nil {
		if path == "" || !os.IsNotExist(err) {
			return err
		}
		root = make(map[string]any)
	}

	var value any
	if err := json.Unmarshal([]byte(rawValue), &value); err != nil {
		value = rawValue
	}

	parent := root
	for _, key := range keys[:len(keys)-1] {
		next, ok := parent[key]
		if !ok {
			child := make(map[string]any)
			parent[key] = child
			parent = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("key %q is not an object", key)
		}
		parent = child
	}
	parent[keys[len(keys)-1]] = value

	return writeConfigFile(path, root)
}

// ConfigDelete removes the key at keyPath.
func ConfigDelete(keyPath string) error {
	keys := splitPath(keyPath)
	if len(keys) == 0 {
		return fmt.Errorf("empty key path")
	}

	root, path, err := loadConfigFile()
	if err != nil {
		return err
	}

	parent := root
	for _, key := range keys[:len(keys)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key %q not found", keyPath)
		}
		parent = child
	}
	last := keys[len(keys)-1]
	if _, ok := parent[last]; !ok {
		return fmt.Errorf("key %q not found", keyPath)
	}
	delete(parent, last)

	return writeConfigFile(path, root)
}

func loadConfigFile() (map[string]any, string, error) {
	path, err := config.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, path, fmt.Errorf("parsing %s: %w", path, err)
	}
	return root, path, nil
}

func writeConfigFile(path string, root map[string]any) error {
	out, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func splitPath(keyPath string) []string {
	var keys []string
	for _, key := range strings.Split(keyPath, ".") {
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
