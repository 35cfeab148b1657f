package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	AppConfigDir = ".config/apfed"
)

// GetConfigDir returns the apfed config directory and creates it if needed.
// APFED_CONFIG_DIR takes precedence over ~/.config/apfed.
func GetConfigDir() (string, error) {
	configDir := os.Getenv("APFED_CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, AppConfigDir)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveFilePath resolves a file path with the following priority:
// 1. Local working directory (e.g., ./config.yaml)
// 2. User config directory (e.g., ~/.config/apfed/config.yaml)
// 3. The user config directory path if neither exists (for creation)
func ResolveFilePath(filename string) string {
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}

	return filepath.Join(configDir, filename)
}

// ResolveDbPath resolves the configured database location. Absolute paths,
// explicit relative paths and sqlite URIs are used as given.
func ResolveDbPath(path string) string {
	if path == "" || filepath.IsAbs(path) || strings.HasPrefix(path, ":") ||
		strings.HasPrefix(path, "file:") || strings.ContainsRune(path, os.PathSeparator) {
		return path
	}
	return ResolveFilePath(path)
}
