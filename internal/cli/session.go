package cli

import (
	"fmt"

	"github.com/rescale/thumblink/internal/config"
	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/events"
	"github.com/rescale/thumblink/internal/files"
	"github.com/rescale/thumblink/internal/logging"
	"github.com/rescale/thumblink/internal/thumbnailer"
	"github.com/rescale/thumblink/internal/tumbler"
)

// configPath returns --config or the default configuration path.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the configuration file and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if busFlag != "" {
		cfg.Service.Bus = busFlag
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// session bundles a thumbnail service connection with the thumbnailer and
// file cache working on top of it.
type session struct {
	client      *tumbler.Client // nil if the bus was unreachable
	eventBus    *events.EventBus
	cache       *files.Cache
	thumbnailer *thumbnailer.Thumbnailer
}

// openSession connects to the configured thumbnail service. An unreachable
// bus is not an error: the thumbnailer is created without a service and
// reports ErrNoService on use.
func openSession(cfg *config.Config, logger *logging.Logger) (*session, error) {
	eventBus := events.NewEventBus(constants.EventBusMaxBuffer)

	cache, err := files.NewCache(cfg.Cache.MaxFiles, eventBus)
	if err != nil {
		eventBus.Close()
		return nil, err
	}

	s := &session{eventBus: eventBus, cache: cache}

	// Left as a nil interface when Connect fails.
	var svc thumbnailer.Service
	client, err := tumbler.Connect(cfg.Service, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Thumbnail service unavailable")
	} else {
		s.client = client
		svc = client
	}

	s.thumbnailer = thumbnailer.New(svc, thumbnailer.CacheLookup(cache),
		thumbnailer.WithLogger(logger),
		thumbnailer.WithEventBus(eventBus),
		thumbnailer.WithFlavor(cfg.Service.Flavor),
		thumbnailer.WithScheduler(cfg.Service.Scheduler),
	)

	return s, nil
}

// signals returns the service notifications, or nil without a service.
func (s *session) signals() <-chan thumbnailer.Signal {
	if s.client == nil {
		return nil
	}
	return s.client.Signals()
}

// Close dequeues outstanding requests and disconnects.
func (s *session) Close() {
	s.thumbnailer.Close()
	s.detach()
}

// detach disconnects without dequeuing, leaving queued requests to the service.
func (s *session) detach() {
	if s.client != nil {
		s.client.Close()
	}
	s.eventBus.Close()
}
