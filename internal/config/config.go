// Package config provides configuration management for thumblink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/rescale/thumblink/internal/constants"
)

// Config is the thumblink configuration.
//
// Config file location: ~/.config/rescale/thumblink.conf
//
// INI format:
//
//	[service]
//	bus = session
//	name = org.freedesktop.thumbnails.Thumbnailer1
//	path = /org/freedesktop/thumbnails/Thumbnailer1
//	interface = org.freedesktop.thumbnails.Thumbnailer1
//	flavor = normal
//	scheduler = foreground
//
//	[cache]
//	max_files = 4096
//
//	[watch]
//	directories = /home/me/Pictures,/home/me/Downloads
//	recursive = false
//	debounce_ms = 500
//	include_hidden = false
//	scan_existing = true
//
//	[log]
//	file =
//	level = info
//
//	[notifications]
//	enabled = true
//	show_failed = true
type Config struct {
	Service       ServiceConfig
	Cache         CacheConfig
	Watch         WatchConfig
	Log           LogConfig
	Notifications NotificationConfig
}

// ServiceConfig locates the thumbnail service on D-Bus.
type ServiceConfig struct {
	// Bus is "session" or "system".
	Bus string `ini:"bus"`

	// Name is the well-known bus name of the service.
	Name string `ini:"name"`

	// Path is the object path of the thumbnailer object.
	Path string `ini:"path"`

	// Interface is the D-Bus interface carrying Queue/Dequeue and the signals.
	Interface string `ini:"interface"`

	// Flavor is the thumbnail size requested: normal, large, x-large or xx-large.
	Flavor string `ini:"flavor"`

	// Scheduler is the service-side scheduler: foreground, background or default.
	Scheduler string `ini:"scheduler"`
}

// CacheConfig bounds the in-memory file-state cache.
type CacheConfig struct {
	// MaxFiles is the number of file objects kept before the least recently
	// used ones are evicted. Minimum: 1, Maximum: 1048576, Default: 4096
	MaxFiles int `ini:"max_files"`
}

// WatchConfig contains the watch daemon settings.
type WatchConfig struct {
	// Directories is a comma-separated list of directories to watch.
	Directories string `ini:"directories"`

	// Recursive also watches subdirectories.
	// Default: false
	Recursive bool `ini:"recursive"`

	// DebounceMs is how long changes are collected before one batch is queued.
	// Minimum: 50, Maximum: 60000, Default: 500
	DebounceMs int `ini:"debounce_ms"`

	// IncludeHidden also thumbnails dot files.
	// Default: false
	IncludeHidden bool `ini:"include_hidden"`

	// ScanExisting queues the files already present at startup.
	// Default: true
	ScanExisting bool `ini:"scan_existing"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// File is the rotated log file used by the watch daemon. Empty logs to the
	// default log directory.
	File string `ini:"file"`

	// Level is debug, info, warn or error.
	Level string `ini:"level"`
}

// NotificationConfig contains desktop notification settings.
type NotificationConfig struct {
	// Enabled indicates whether notifications are shown.
	// Default: true
	Enabled bool `ini:"enabled"`

	// ShowFailed shows a notification when a batch finished with failed files.
	// Default: true
	ShowFailed bool `ini:"show_failed"`
}

// Config validation errors
var (
	ErrInvalidBus        = errors.New("bus must be session or system")
	ErrMissingService    = errors.New("service name, path and interface are required")
	ErrInvalidFlavor     = errors.New("flavor must be normal, large, x-large or xx-large")
	ErrInvalidScheduler  = errors.New("scheduler must be foreground, background or default")
	ErrInvalidCacheSize  = errors.New("max_files must be between 1 and 1048576")
	ErrInvalidDebounce   = errors.New("debounce_ms must be between 50 and 60000")
	ErrInvalidLogLevel   = errors.New("level must be debug, info, warn or error")
	ErrMissingWatchedDir = errors.New("at least one directory is required to watch")
)

var (
	validFlavors = []string{
		constants.FlavorNormal, constants.FlavorLarge,
		constants.FlavorXLarge, constants.FlavorXXLarge,
	}
	validSchedulers = []string{
		constants.SchedulerForeground, constants.SchedulerBackground, constants.SchedulerDefault,
	}
	validLogLevels = []string{"", "debug", "info", "warn", "warning", "error"}
)

// DefaultConfigPath returns the default path for the thumblink.conf file.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rescale", constants.ConfigFileName), nil
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Bus:       constants.BusSession,
			Name:      constants.ThumbnailerBusName,
			Path:      constants.ThumbnailerObjectPath,
			Interface: constants.ThumbnailerInterface,
			Flavor:    constants.FlavorNormal,
			Scheduler: constants.SchedulerForeground,
		},
		Cache: CacheConfig{
			MaxFiles: constants.DefaultCacheSize,
		},
		Watch: WatchConfig{
			Recursive:     false,
			DebounceMs:    int(constants.DefaultDebounce.Milliseconds()),
			IncludeHidden: false,
			ScanExisting:  true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Notifications: NotificationConfig{
			Enabled:    true,
			ShowFailed: true,
		},
	}
}

// LoadConfig loads configuration from the thumblink.conf file.
// If path is empty, uses the default path.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
	}

	def := NewConfig()

	serviceSection := iniFile.Section("service")
	cfg.Service.Bus = serviceSection.Key("bus").MustString(def.Service.Bus)
	cfg.Service.Name = serviceSection.Key("name").MustString(def.Service.Name)
	cfg.Service.Path = serviceSection.Key("path").MustString(def.Service.Path)
	cfg.Service.Interface = serviceSection.Key("interface").MustString(def.Service.Interface)
	cfg.Service.Flavor = serviceSection.Key("flavor").MustString(def.Service.Flavor)
	cfg.Service.Scheduler = serviceSection.Key("scheduler").MustString(def.Service.Scheduler)

	cacheSection := iniFile.Section("cache")
	cfg.Cache.MaxFiles = cacheSection.Key("max_files").MustInt(def.Cache.MaxFiles)

	watchSection := iniFile.Section("watch")
	cfg.Watch.Directories = watchSection.Key("directories").String()
	cfg.Watch.Recursive = watchSection.Key("recursive").MustBool(def.Watch.Recursive)
	cfg.Watch.DebounceMs = watchSection.Key("debounce_ms").MustInt(def.Watch.DebounceMs)
	cfg.Watch.IncludeHidden = watchSection.Key("include_hidden").MustBool(def.Watch.IncludeHidden)
	cfg.Watch.ScanExisting = watchSection.Key("scan_existing").MustBool(def.Watch.ScanExisting)

	logSection := iniFile.Section("log")
	cfg.Log.File = logSection.Key("file").String()
	cfg.Log.Level = logSection.Key("level").MustString(def.Log.Level)

	notifySection := iniFile.Section("notifications")
	cfg.Notifications.Enabled = notifySection.Key("enabled").MustBool(def.Notifications.Enabled)
	cfg.Notifications.ShowFailed = notifySection.Key("show_failed").MustBool(def.Notifications.ShowFailed)

	return cfg, nil
}

// SaveConfig saves configuration to the thumblink.conf file.
// If path is empty, uses the default path.
// Creates parent directories if they don't exist.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	serviceSection, err := iniFile.NewSection("service")
	if err != nil {
		return fmt.Errorf("failed to create service section: %w", err)
	}
	serviceSection.Key("bus").SetValue(cfg.Service.Bus)
	serviceSection.Key("name").SetValue(cfg.Service.Name)
	serviceSection.Key("path").SetValue(cfg.Service.Path)
	serviceSection.Key("interface").SetValue(cfg.Service.Interface)
	serviceSection.Key("flavor").SetValue(cfg.Service.Flavor)
	serviceSection.Key("scheduler").SetValue(cfg.Service.Scheduler)

	cacheSection, err := iniFile.NewSection("cache")
	if err != nil {
		return fmt.Errorf("failed to create cache section: %w", err)
	}
	cacheSection.Key("max_files").SetValue(fmt.Sprintf("%d", cfg.Cache.MaxFiles))

	watchSection, err := iniFile.NewSection("watch")
	if err != nil {
		return fmt.Errorf("failed to create watch section: %w", err)
	}
	watchSection.Key("directories").SetValue(cfg.Watch.Directories)
	watchSection.Key("recursive").SetValue(fmt.Sprintf("%t", cfg.Watch.Recursive))
	watchSection.Key("debounce_ms").SetValue(fmt.Sprintf("%d", cfg.Watch.DebounceMs))
	watchSection.Key("include_hidden").SetValue(fmt.Sprintf("%t", cfg.Watch.IncludeHidden))
	watchSection.Key("scan_existing").SetValue(fmt.Sprintf("%t", cfg.Watch.ScanExisting))

	logSection, err := iniFile.NewSection("log")
	if err != nil {
		return fmt.Errorf("failed to create log section: %w", err)
	}
	logSection.Key("file").SetValue(cfg.Log.File)
	logSection.Key("level").SetValue(cfg.Log.Level)

	notifySection, err := iniFile.NewSection("notifications")
	if err != nil {
		return fmt.Errorf("failed to create notifications section: %w", err)
	}
	notifySection.Key("enabled").SetValue(fmt.Sprintf("%t", cfg.Notifications.Enabled))
	notifySection.Key("show_failed").SetValue(fmt.Sprintf("%t", cfg.Notifications.ShowFailed))

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
// Watched directories are only checked by ValidateWatch.
func (cfg *Config) Validate() error {
	if cfg.Service.Bus != constants.BusSession && cfg.Service.Bus != constants.BusSystem {
		return ErrInvalidBus
	}
	if strings.TrimSpace(cfg.Service.Name) == "" ||
		strings.TrimSpace(cfg.Service.Path) == "" ||
		strings.TrimSpace(cfg.Service.Interface) == "" {
		return ErrMissingService
	}
	if !contains(validFlavors, cfg.Service.Flavor) {
		return ErrInvalidFlavor
	}
	if !contains(validSchedulers, cfg.Service.Scheduler) {
		return ErrInvalidScheduler
	}
	if cfg.Cache.MaxFiles < 1 || cfg.Cache.MaxFiles > constants.MaxCacheSize {
		return ErrInvalidCacheSize
	}
	if cfg.Watch.DebounceMs < int(constants.MinDebounce.Milliseconds()) ||
		cfg.Watch.DebounceMs > int(constants.MaxDebounce.Milliseconds()) {
		return ErrInvalidDebounce
	}
	if !contains(validLogLevels, strings.ToLower(cfg.Log.Level)) {
		return ErrInvalidLogLevel
	}
	return nil
}

// ValidateWatch validates the configuration for running the watch daemon.
func (cfg *Config) ValidateWatch() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.GetWatchDirectories()) == 0 {
		return ErrMissingWatchedDir
	}
	return nil
}

// GetWatchDirectories returns the watched directories as a slice.
func (cfg *Config) GetWatchDirectories() []string {
	if cfg.Watch.Directories == "" {
		return nil
	}
	dirs := strings.Split(cfg.Watch.Directories, ",")
	result := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = strings.TrimSpace(d)
		if d != "" {
			result = append(result, d)
		}
	}
	return result
}

// SetWatchDirectories sets the watched directories from a slice.
func (cfg *Config) SetWatchDirectories(dirs []string) {
	cfg.Watch.Directories = strings.Join(dirs, ",")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
