// Package auth stores the judge API token for auto-approval.
//
// The token lives in the OS keyring. Tests and headless environments
// set CACD_SKIP_KEYRING (or CACD_CONFIG_DIR, which test setups always
// set) to fall back to a file next to the config.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/Helmi/cacd/internal/config"
)

// Keyring configuration.
const (
	KeyringService = "cacd"
	KeyringUser    = "judge-token"
)

// ErrNoToken is returned when no token has been stored.
var ErrNoToken = errors.New("no token stored")

// shouldSkipKeyring checks if keyring should be skipped (for testing).
func shouldSkipKeyring() bool {
	if v := os.Getenv("CACD_SKIP_KEYRING"); v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	// Auto-detect test mode: tests set CACD_CONFIG_DIR
	_, hasConfigDir := os.LookupEnv("CACD_CONFIG_DIR")
	return hasConfigDir
}

// tokenFilePath returns the path for file-based token storage.
func tokenFilePath() (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "judge_token"), nil
}

// SaveToken stores the judge API token.
func SaveToken(token string) error {
	if token == "" {
		return fmt.Errorf("refusing to store empty token")
	}

	if shouldSkipKeyring() {
		path, err := tokenFilePath()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(token), 0600); err != nil {
			return fmt.Errorf("failed to write token file: %w", err)
		}
		return nil
	}

	if err := keyring.Set(KeyringService, KeyringUser, token); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}
	return nil
}

// LoadToken retrieves the stored judge API token.
func LoadToken() (string, error) {
	if shouldSkipKeyring() {
		path, err := tokenFilePath()
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	token, err := keyring.Get(KeyringService, KeyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token from keyring: %w", err)
	}
	return token, nil
}

// ClearToken removes the stored token (for logout). Clearing a token
// that was never stored is not an error.
func ClearToken() error {
	if shouldSkipKeyring() {
		path, err := tokenFilePath()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove token file: %w", err)
		}
		return nil
	}

	err := keyring.Delete(KeyringService, KeyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to remove token from keyring: %w", err)
	}
	return nil
}

// HasToken reports whether a token is stored.
func HasToken() bool {
	_, err := LoadToken()
	return err == nil
}
