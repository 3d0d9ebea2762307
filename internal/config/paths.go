package config

import (
	"os"
	"path/filepath"
)

// UserConfigPath is the client config file, honouring XDG_CONFIG_HOME.
// It returns "" when no home directory can be determined.
func UserConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "netpulse", "config.yaml")
}

// UserDataDir holds the local results history, honouring XDG_DATA_HOME and
// NETPULSE_DATA_DIR.
func UserDataDir() string {
	if dir := os.Getenv("NETPULSE_DATA_DIR"); dir != "" {
		return dir
	}
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "netpulse-data")
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "netpulse")
}
