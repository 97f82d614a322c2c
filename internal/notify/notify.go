// Package notify provides desktop notifications for the thumblink watch daemon.
// It uses github.com/gen2brain/beeep, which talks to the freedesktop
// notification service on Linux.
package notify

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/rescale/thumblink/internal/config"
	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/logging"
)

// Notifier handles desktop notifications.
type Notifier struct {
	logger     *logging.Logger
	mu         sync.RWMutex
	enabled    bool
	showFailed bool
	showWatch  bool
	send       func(title, message string) error
	alert      func(title, message string) error
}

// Config holds notification configuration.
type Config struct {
	// Enabled determines if notifications are sent.
	Enabled bool

	// ShowFailed shows notifications for batches with failed thumbnails.
	ShowFailed bool

	// ShowWatchStatus shows notifications when watching starts and stops.
	ShowWatchStatus bool
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		ShowFailed:      true,
		ShowWatchStatus: false, // Disabled by default to avoid spam
	}
}

// FromConfig converts the [notifications] section of thumblink.conf.
func FromConfig(nc config.NotificationConfig) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = nc.Enabled
	cfg.ShowFailed = nc.ShowFailed
	return cfg
}

// NewNotifier creates a new notifier with the given configuration.
func NewNotifier(cfg *Config, logger *logging.Logger) *Notifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Notifier{
		logger:     logger,
		enabled:    cfg.Enabled,
		showFailed: cfg.ShowFailed,
		showWatch:  cfg.ShowWatchStatus,
		send:       sendDesktop,
		alert:      alertDesktop,
	}
}

// SetEnabled enables or disables notifications.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// IsEnabled returns whether notifications are enabled.
func (n *Notifier) IsEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// ThumbnailsFailed reports a finished batch in dir where failed of total files
// got no thumbnail.
func (n *Notifier) ThumbnailsFailed(dir string, failed, total int) {
	if !n.IsEnabled() || !n.showFailed || failed == 0 {
		return
	}

	title := "Thumbnails Failed"
	message := fmt.Sprintf("%d of %d file(s) in\n%s\ncould not be thumbnailed.", failed, total, shortenPath(dir))

	if err := n.send(title, message); err != nil {
		n.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to send thumbnails failed notification")
	}
}

// WatchStarted sends a notification when the watch daemon starts.
func (n *Notifier) WatchStarted(dirs []string) {
	if !n.IsEnabled() || !n.showWatch {
		return
	}

	title := "Thumblink"
	message := fmt.Sprintf("Watching %d director%s for new files.", len(dirs), plural(len(dirs), "y", "ies"))
	if len(dirs) == 1 {
		message = fmt.Sprintf("Watching %s for new files.", shortenPath(dirs[0]))
	}

	if err := n.send(title, message); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to send watch started notification")
	}
}

// ServiceUnavailable alerts that the thumbnail service could not be reached.
func (n *Notifier) ServiceUnavailable(reason string) {
	if !n.IsEnabled() {
		return
	}

	title := "Thumbnail Service Unavailable"
	if err := n.alert(title, truncate(reason, 100)); err != nil {
		// Fall back to regular notify
		if err := n.send(title, truncate(reason, 100)); err != nil {
			n.logger.Error().Err(err).Str("reason", reason).Msg("Failed to send alert notification")
		}
	}
}

func init() {
	// Shown as the sending application by the notification server.
	beeep.AppName = constants.AppName
}

func sendDesktop(title, message string) error {
	return beeep.Notify(title, message, "")
}

func alertDesktop(title, message string) error {
	return beeep.Alert(title, message, "")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// shortenPath abbreviates a long path for display in notifications.
func shortenPath(path string) string {
	const maxLen = 60

	if len(path) <= maxLen {
		return path
	}

	// Show ... + last 2 path components
	_, file := filepath.Split(path)
	parentDir := filepath.Base(filepath.Dir(path))
	short := filepath.Join("...", parentDir, file)

	if len(short) > maxLen {
		return "..." + path[len(path)-(maxLen-3):]
	}

	return short
}
