package config

import (
	"os"
	"path/filepath"

	"github.com/rescale/thumblink/internal/constants"
)

// LogDirectory returns the directory holding the watch daemon logs:
// $XDG_CONFIG_HOME/rescale/logs, falling back to ~/.config/rescale/logs.
func LogDirectory() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "thumblink-logs")
		}
		return filepath.Join(homeDir, ".config", "rescale", "logs")
	}
	return filepath.Join(configDir, "rescale", "logs")
}

// EnsureLogDirectory creates the log directory if it doesn't exist.
// Uses 0700 permissions to restrict log access to owner only.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}

// LogFilePath returns the configured log file, or the default one in LogDirectory.
func (cfg *Config) LogFilePath() string {
	if cfg.Log.File != "" {
		return cfg.Log.File
	}
	return filepath.Join(LogDirectory(), constants.AppName+".log")
}
