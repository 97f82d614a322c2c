package constants

import (
	"time"
)

// Application
const (
	// AppName - binary and log file base name
	AppName = "thumblink"

	// ConfigFileName - INI file under ~/.config/rescale
	ConfigFileName = "thumblink.conf"
)

// Thumbnailer1 D-Bus service
const (
	// ThumbnailerBusName - well-known name of the freedesktop thumbnail service
	ThumbnailerBusName = "org.freedesktop.thumbnails.Thumbnailer1"

	// ThumbnailerObjectPath - object path exported by the thumbnail service
	ThumbnailerObjectPath = "/org/freedesktop/thumbnails/Thumbnailer1"

	// ThumbnailerInterface - interface carrying Queue/Dequeue/GetSupported and the signals
	ThumbnailerInterface = "org.freedesktop.thumbnails.Thumbnailer1"

	// BusSession and BusSystem select which message bus to connect to
	BusSession = "session"
	BusSystem  = "system"
)

// Queue call hints. These are passed through to the service unchanged.
const (
	// FlavorNormal - 128x128 thumbnails (~/.cache/thumbnails/normal)
	FlavorNormal = "normal"

	// FlavorLarge - 256x256 thumbnails
	FlavorLarge = "large"

	// FlavorXLarge and FlavorXXLarge - 512 and 1024 pixel flavors
	FlavorXLarge  = "x-large"
	FlavorXXLarge = "xx-large"

	// SchedulerForeground - requests the user is looking at right now
	SchedulerForeground = "foreground"

	// SchedulerBackground - bulk/prefetch requests
	SchedulerBackground = "background"

	// SchedulerDefault - let the service pick
	SchedulerDefault = "default"

	// NoUnqueueHandle - value of handle_to_unqueue when no earlier request is replaced
	NoUnqueueHandle uint32 = 0
)

// Transport buffers
const (
	// SignalBufferSize - buffered D-Bus signals between the bus reader and the client loop
	SignalBufferSize = 256

	// CallBufferSize - buffered Queue completions between the bus reader and the client loop
	CallBufferSize = 64
)

// File state cache
const (
	// DefaultCacheSize - maximum number of file objects kept for result application.
	// Evicted files simply miss on lookup when a late result arrives.
	DefaultCacheSize = 4096

	// MaxCacheSize - upper bound accepted from configuration
	MaxCacheSize = 1 << 20
)

// Watch daemon
const (
	// DefaultDebounce - window during which create/write events are collected into one batch
	DefaultDebounce = 500 * time.Millisecond

	// MinDebounce and MaxDebounce bound the configured debounce window
	MinDebounce = 50 * time.Millisecond
	MaxDebounce = 60 * time.Second

	// MaxBatchSize - files per Queue call; larger batches are split
	MaxBatchSize = 256

	// BatchSweepInterval - how often batches whose request was dropped
	// without a Finished notification are forgotten
	BatchSweepInterval = time.Minute

	// StatusLogInterval - how often the daemon logs a status line
	StatusLogInterval = 15 * time.Minute

	// DaemonStartTimeout - how long --background waits for the detached
	// process to record its PID
	DaemonStartTimeout = 5 * time.Second

	// PIDFileName - PID file of the running watch daemon, next to its state file
	PIDFileName = "thumblink.pid"
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// Logging
const (
	// LogFileMaxSizeMB - rotate the daemon log file at this size
	LogFileMaxSizeMB = 10

	// LogFileMaxBackups - rotated files kept
	LogFileMaxBackups = 5

	// LogFileMaxAgeDays - rotated files older than this are removed
	LogFileMaxAgeDays = 30
)
