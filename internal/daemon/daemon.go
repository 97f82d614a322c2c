// Package daemon watches directories and keeps the thumbnails of new and
// modified files up to date through the thumbnail service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/thumblink/internal/config"
	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/events"
	"github.com/rescale/thumblink/internal/files"
	"github.com/rescale/thumblink/internal/localfs"
	"github.com/rescale/thumblink/internal/logging"
	"github.com/rescale/thumblink/internal/notify"
	"github.com/rescale/thumblink/internal/thumbnailer"
)

// ErrServiceLost is returned by Run when the signal stream of the thumbnail
// service ends while the daemon is still supposed to be running.
var ErrServiceLost = errors.New("thumbnail service connection lost")

var errStopped = errors.New("daemon: stopped")

// Config holds daemon configuration.
type Config struct {
	// Directories to watch
	Directories []string

	// Recursive also watches subdirectories, including ones created later
	Recursive bool

	// Debounce is how long changes are collected before a batch is queued
	Debounce time.Duration

	// IncludeHidden also thumbnails dot files and descends into dot directories
	IncludeHidden bool

	// ScanExisting queues files already present at startup
	ScanExisting bool

	// StateFile is the path to the daemon state file (empty = memory only)
	StateFile string
}

// DefaultConfig returns a daemon configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:     constants.DefaultDebounce,
		ScanExisting: true,
		StateFile:    DefaultStateFilePath(),
	}
}

// ConfigFrom builds the daemon configuration from the [watch] section.
func ConfigFrom(cfg *config.Config) *Config {
	dc := DefaultConfig()
	dc.Directories = cfg.GetWatchDirectories()
	dc.Recursive = cfg.Watch.Recursive
	dc.IncludeHidden = cfg.Watch.IncludeHidden
	dc.ScanExisting = cfg.Watch.ScanExisting
	if cfg.Watch.DebounceMs > 0 {
		dc.Debounce = time.Duration(cfg.Watch.DebounceMs) * time.Millisecond
	}
	return dc
}

// batch is one queued thumbnail request.
type batch struct {
	request  uint32
	dir      string
	queuedAt time.Time
	files    map[string]time.Time // URI -> modification time when queued
	failed   map[string]failure
}

type failure struct {
	code    int32
	message string
}

// Daemon is the background service that thumbnails files as they appear.
type Daemon struct {
	cfg         *Config
	thumbnailer *thumbnailer.Thumbnailer
	cache       *files.Cache
	eventBus    *events.EventBus
	notifier    *notify.Notifier
	state       *State
	logger      *logging.Logger

	watcher *fsnotify.Watcher
	results *resultQueue

	mu        sync.RWMutex
	pending   map[string]struct{} // paths waiting for the debounce window
	batches   map[uint32]*batch
	byURI     map[string]uint32
	running   bool
	startedAt time.Time

	// session counters
	queued      int
	thumbnailed int
	failed      int

	// Shutdown coordination
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a new daemon instance. tn must resolve URIs through cache. Batch
// results are taken from tn's listeners; eventBus only feeds debug logging.
func New(cfg *Config, tn *thumbnailer.Thumbnailer, cache *files.Cache, eventBus *events.EventBus,
	notifier *notify.Notifier, logger *logging.Logger) (*Daemon, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = constants.DefaultDebounce
	}
	if tn == nil || cache == nil || eventBus == nil {
		return nil, fmt.Errorf("daemon requires a thumbnailer, a file cache and an event bus")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(&notify.Config{}, logger)
	}

	state := NewState(cfg.StateFile)
	if err := state.Load(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	d := &Daemon{
		cfg:         cfg,
		thumbnailer: tn,
		cache:       cache,
		eventBus:    eventBus,
		notifier:    notifier,
		state:       state,
		logger:      logger.Named("watch"),
		pending:     make(map[string]struct{}),
		batches:     make(map[uint32]*batch),
		byURI:       make(map[string]uint32),
		results:     newResultQueue(),
		stopChan:    make(chan struct{}),
	}

	// Both run on the routing goroutine, errors before their Finished.
	tn.OnRequestError(func(e thumbnailer.RequestError) {
		d.results.push(result{request: e.Request, failure: &e})
	})
	tn.OnRequestFinished(func(request uint32) {
		d.results.push(result{request: request})
	})

	return d, nil
}

// State returns the daemon's persistent state.
func (d *Daemon) State() *State {
	return d.state
}

// Run watches the configured directories until ctx is done, Stop is called,
// or the signal stream of the service ends. signals are routed into the
// thumbnailer, which must not be running elsewhere. The thumbnailer is closed
// when Run returns.
func (d *Daemon) Run(ctx context.Context, signals <-chan thumbnailer.Signal) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startedAt = time.Now()
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	d.watcher = watcher

	var existing []string
	for _, dir := range d.cfg.Directories {
		found, err := d.addWatch(dir)
		if err != nil {
			return err
		}
		existing = append(existing, found...)
	}

	sub := d.eventBus.SubscribeAll()
	defer d.eventBus.UnsubscribeAll(sub)

	d.logger.Info().
		Strs("directories", d.cfg.Directories).
		Bool("recursive", d.cfg.Recursive).
		Str("debounce", d.cfg.Debounce.String()).
		Int("watches", len(watcher.WatchList())).
		Msg("Watch daemon starting")
	d.notifier.WatchStarted(d.cfg.Directories)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.thumbnailer.Run(gctx, signals); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return ErrServiceLost
		}
		return nil
	})

	g.Go(func() error {
		if d.cfg.ScanExisting {
			d.addPending(existing...)
			d.flush()
			d.state.UpdateLastScan()
		}
		return d.watchLoop(gctx)
	})

	g.Go(func() error {
		return d.resultLoop(gctx)
	})

	g.Go(func() error {
		return d.logEvents(gctx, sub)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-d.stopChan:
			return errStopped
		}
	})

	err = g.Wait()
	d.shutdown()

	if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop signals a running daemon to stop. Run returns once cleanup is done.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info().Msg("Watch daemon stopping")
		close(d.stopChan)
	})
}

// IsRunning returns whether the daemon is currently running.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Daemon) shutdown() {
	d.thumbnailer.Close()

	d.mu.Lock()
	abandoned := len(d.batches)
	d.batches = make(map[uint32]*batch)
	d.byURI = make(map[string]uint32)
	d.pending = make(map[string]struct{})
	d.mu.Unlock()

	if err := d.state.Save(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to save state on shutdown")
	}

	if dropped := d.eventBus.GetDroppedEventCount(); dropped > 0 {
		d.logger.Warn().Int64("dropped_events", dropped).Msg("Event bus dropped events while running")
	}

	status := d.GetStatus()
	d.logger.Info().
		Int("abandoned_batches", abandoned).
		Int("queued", status.Queued).
		Int("thumbnailed", status.Thumbnailed).
		Int("failed", status.Failed).
		Msg("Watch daemon stopped")
}

// addWatch watches dir, and its subdirectories in recursive mode. Returns the
// regular files found on the way.
func (d *Daemon) addWatch(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cannot watch %s: not a directory", dir)
	}

	opts := localfs.Options{
		IncludeHidden: d.cfg.IncludeHidden,
		OnError: func(path string, err error) {
			d.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")
		},
	}

	var found []string
	err = localfs.Walk(dir, opts, func(entry localfs.FileEntry) error {
		if entry.IsDir {
			if entry.Path != dir && !d.cfg.Recursive {
				return filepath.SkipDir
			}
			if err := d.watcher.Add(entry.Path); err != nil {
				if entry.Path == dir {
					return err
				}
				d.logger.Warn().Err(err).Str("dir", entry.Path).Msg("Failed to watch directory")
			}
			return nil
		}

		if entry.Regular {
			found = append(found, entry.Path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot watch %s: %w", dir, err)
	}

	return found, nil
}

func (d *Daemon) skipHidden(name string) bool {
	return !d.cfg.IncludeHidden && localfs.IsHiddenName(name)
}

// watchLoop collects file events and flushes them once the debounce window
// has passed without further changes.
func (d *Daemon) watchLoop(ctx context.Context) error {
	debounce := time.NewTimer(d.cfg.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	sweep := time.NewTicker(constants.BatchSweepInterval)
	defer sweep.Stop()

	status := time.NewTicker(constants.StatusLogInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if d.handleEvent(ev) {
				debounce.Reset(d.cfg.Debounce)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn().Err(err).Msg("File watcher error")

		case <-debounce.C:
			d.flush()

		case <-sweep.C:
			d.sweepBatches(constants.BatchSweepInterval)

		case <-status.C:
			s := d.GetStatus()
			d.logger.Info().
				Int("batches", s.Batches).
				Int("queued", s.Queued).
				Int("thumbnailed", s.Thumbnailed).
				Int("failed", s.Failed).
				Msg("Watch daemon status")
		}
	}
}

// handleEvent records one file event. Returns true if a file became pending.
func (d *Daemon) handleEvent(ev fsnotify.Event) bool {
	if d.skipHidden(filepath.Base(ev.Name)) {
		return false
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// A rename is followed by a Create for the new name.
		d.forget(ev.Name)
		return false

	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return false
		}
		if info.IsDir() {
			if !d.cfg.Recursive || !ev.Has(fsnotify.Create) {
				return false
			}
			// Files created before the watch was added produce no events.
			found, err := d.addWatch(ev.Name)
			if err != nil {
				d.logger.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
				return false
			}
			d.addPending(found...)
			return len(found) > 0
		}
		if !info.Mode().IsRegular() {
			return false
		}
		d.addPending(ev.Name)
		return true
	}

	return false
}

func (d *Daemon) addPending(paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range paths {
		d.pending[p] = struct{}{}
	}
}

// forget drops everything known about a removed file or directory.
func (d *Daemon) forget(path string) {
	uri, err := files.FileURI(path)
	if err != nil {
		return
	}
	prefix := uri + "/"
	pathPrefix := path + string(filepath.Separator)

	d.mu.Lock()
	for p := range d.pending {
		if p == path || strings.HasPrefix(p, pathPrefix) {
			delete(d.pending, p)
		}
	}
	for tracked := range d.byURI {
		if tracked == uri || strings.HasPrefix(tracked, prefix) {
			d.cache.Evict(tracked)
			d.removeFromBatch(tracked)
		}
	}
	d.mu.Unlock()

	d.cache.Evict(uri)
	d.state.Forget(uri)
	d.logger.Debug().Str("path", path).Msg("Forgot removed file")
}

// removeFromBatch detaches uri from the batch it was queued in. A batch left
// empty is dequeued. The caller must hold d.mu.
func (d *Daemon) removeFromBatch(uri string) {
	request, ok := d.byURI[uri]
	if !ok {
		return
	}
	delete(d.byURI, uri)

	b := d.batches[request]
	if b == nil {
		return
	}
	delete(b.files, uri)
	delete(b.failed, uri)

	if len(b.files) == 0 {
		delete(d.batches, request)
		d.thumbnailer.Dequeue(request)
		d.logger.Debug().Uint32("request", request).Msg("Dequeued empty batch")
	}
}

// flush queues all pending files, one batch per directory.
func (d *Daemon) flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	d.pending = make(map[string]struct{})
	d.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)

	byDir := make(map[string][]string)
	var dirs []string
	for _, p := range paths {
		dir := filepath.Dir(p)
		if _, ok := byDir[dir]; !ok {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], p)
	}

	for _, dir := range dirs {
		d.queueDir(dir, byDir[dir])
	}
}

func (d *Daemon) queueDir(dir string, paths []string) {
	var toQueue []thumbnailer.File
	modTimes := make(map[string]time.Time, len(paths))

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		uri, err := files.FileURI(path)
		if err != nil {
			continue
		}
		if d.state.IsProcessed(uri, info.ModTime()) {
			continue
		}

		// The content may have changed since the file was cached.
		d.cache.Evict(uri)
		f, err := d.cache.Get(path)
		if err != nil {
			d.logger.Debug().Err(err).Str("path", path).Msg("Skipping file")
			continue
		}
		if !d.thumbnailer.IsSupported(f) {
			continue
		}

		toQueue = append(toQueue, f)
		modTimes[uri] = info.ModTime()
	}

	for start := 0; start < len(toQueue); start += constants.MaxBatchSize {
		end := min(start+constants.MaxBatchSize, len(toQueue))
		d.queueBatch(dir, toQueue[start:end], modTimes)
	}
}

func (d *Daemon) queueBatch(dir string, batchFiles []thumbnailer.File, modTimes map[string]time.Time) {
	// Held across QueueFiles so the event loop cannot see the request first.
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, f := range batchFiles {
		d.removeFromBatch(f.URI())
	}

	request, err := d.thumbnailer.QueueFiles(batchFiles)
	if err != nil {
		d.logger.Error().Err(err).Str("dir", dir).Int("files", len(batchFiles)).Msg("Failed to queue thumbnails")
		return
	}
	if request == 0 {
		return
	}

	b := &batch{
		request:  request,
		dir:      dir,
		queuedAt: time.Now(),
		files:    make(map[string]time.Time, len(batchFiles)),
		failed:   make(map[string]failure),
	}
	for _, f := range batchFiles {
		b.files[f.URI()] = modTimes[f.URI()]
		d.byURI[f.URI()] = request
	}
	d.batches[request] = b
	d.queued += len(batchFiles)

	d.logger.Info().
		Uint32("request", request).
		Str("dir", dir).
		Int("files", len(batchFiles)).
		Msg("Queued thumbnail batch")
}

// resultLoop records request outcomes until ctx is done. Outcomes already
// reported when ctx ends are still recorded.
func (d *Daemon) resultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.recordResults()
			return nil
		case <-d.results.wake:
			d.recordResults()
		}
	}
}

func (d *Daemon) recordResults() {
	for _, r := range d.results.take() {
		if r.failure != nil {
			d.recordFailures(r.failure)
		} else {
			d.finishBatch(r.request)
		}
	}
}

func (d *Daemon) recordFailures(e *thumbnailer.RequestError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.batches[e.Request]
	if b == nil {
		return
	}
	for _, uri := range e.URIs {
		if _, ok := b.files[uri]; ok {
			b.failed[uri] = failure{code: e.Code, message: e.Message}
		}
	}
}

// logEvents traces bus events at debug level. Events may be dropped under
// load, so nothing here affects batch accounting.
func (d *Daemon) logEvents(ctx context.Context, sub <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case *events.ThumbStateEvent:
				d.logger.Debug().
					Str("uri", e.URI).
					Str("from", e.OldState).
					Str("to", e.NewState).
					Msg("Thumbnail state changed")
			case *events.RequestEvent:
				d.logger.Debug().
					Str("event", string(e.Type())).
					Uint32("request", e.Request).
					Uint32("handle", e.Handle).
					Msg("Request event")
			}
		}
	}
}

func (d *Daemon) finishBatch(request uint32) {
	d.mu.Lock()
	b := d.batches[request]
	if b == nil {
		d.mu.Unlock()
		return
	}
	delete(d.batches, request)
	for uri := range b.files {
		if d.byURI[uri] == request {
			delete(d.byURI, uri)
		}
	}
	d.thumbnailed += len(b.files) - len(b.failed)
	d.failed += len(b.failed)
	d.mu.Unlock()

	for uri, modTime := range b.files {
		if f, ok := b.failed[uri]; ok {
			d.state.MarkFailed(uri, modTime, f.code, f.message)
		} else {
			d.state.MarkThumbnailed(uri, modTime)
		}
	}
	if err := d.state.Save(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to save state")
	}

	event := d.logger.Info()
	if len(b.failed) > 0 {
		event = d.logger.Warn()
	}
	event.
		Uint32("request", request).
		Str("dir", b.dir).
		Int("files", len(b.files)).
		Int("failed", len(b.failed)).
		Str("duration", time.Since(b.queuedAt).Round(time.Millisecond).String()).
		Msg("Thumbnail batch finished")

	d.notifier.ThumbnailsFailed(b.dir, len(b.failed), len(b.files))
}

// sweepBatches forgets batches older than minAge whose request the
// thumbnailer dropped without a Finished notification. Their files are
// picked up again by the next scan.
func (d *Daemon) sweepBatches(minAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	swept := 0
	for request, b := range d.batches {
		if time.Since(b.queuedAt) < minAge || d.thumbnailer.IsPending(request) {
			continue
		}
		delete(d.batches, request)
		for uri := range b.files {
			if d.byURI[uri] == request {
				delete(d.byURI, uri)
			}
		}
		swept++
		d.logger.Warn().Uint32("request", request).Str("dir", b.dir).Msg("Dropped batch without a result")
	}
	return swept
}

// GetStatus returns current daemon status information.
func (d *Daemon) GetStatus() *Status {
	d.mu.RLock()
	s := &Status{
		Running:      d.running,
		StartedAt:    d.startedAt,
		Directories:  d.cfg.Directories,
		PendingFiles: len(d.pending),
		Batches:      len(d.batches),
		Queued:       d.queued,
		Thumbnailed:  d.thumbnailed,
		Failed:       d.failed,
	}
	d.mu.RUnlock()

	s.TotalThumbnailed = d.state.GetThumbnailedCount()
	s.TotalFailed = d.state.GetFailedCount()
	s.LastScan = d.state.GetLastScan()
	s.Requests = d.thumbnailer.Stats()
	return s
}

// Status contains daemon status information.
type Status struct {
	Running      bool
	PID          int
	StartedAt    time.Time
	Directories  []string
	PendingFiles int
	Batches      int

	// This session
	Queued      int
	Thumbnailed int
	Failed      int

	// From the state file
	TotalThumbnailed int
	TotalFailed      int
	LastScan         time.Time

	Requests thumbnailer.Stats
}

// StatusFromState describes a daemon that may be running in another process.
func StatusFromState(state *State, cfg *Config, pid int) *Status {
	return &Status{
		Running:          pid != 0,
		PID:              pid,
		Directories:      cfg.Directories,
		TotalThumbnailed: state.GetThumbnailedCount(),
		TotalFailed:      state.GetFailedCount(),
		LastScan:         state.GetLastScan(),
	}
}

// WriteStatus writes status to a writer.
func (s *Status) WriteStatus(w io.Writer) {
	fmt.Fprintf(w, "Watch Daemon Status:\n")
	switch {
	case s.Running && s.PID != 0:
		fmt.Fprintf(w, "  Running: Yes (PID %d)\n", s.PID)
	case s.Running:
		fmt.Fprintf(w, "  Running: Yes\n")
	default:
		fmt.Fprintf(w, "  Running: No\n")
	}
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(w, "  Started: %s\n", s.StartedAt.Format(time.RFC3339))
	}
	if !s.LastScan.IsZero() {
		fmt.Fprintf(w, "  Last Scan: %s\n", s.LastScan.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "  Last Scan: Never\n")
	}
	if len(s.Directories) > 0 {
		fmt.Fprintf(w, "  Directories: %s\n", strings.Join(s.Directories, ", "))
	}
	if s.Batches > 0 || s.PendingFiles > 0 {
		fmt.Fprintf(w, "  In Flight: %d batch(es), %d file(s) pending\n", s.Batches, s.PendingFiles)
	}
	if s.Queued > 0 {
		fmt.Fprintf(w, "  This Session: %d queued, %d thumbnailed, %d failed\n", s.Queued, s.Thumbnailed, s.Failed)
	}
	fmt.Fprintf(w, "  Thumbnailed: %d\n", s.TotalThumbnailed)
	fmt.Fprintf(w, "  Failed: %d\n", s.TotalFailed)
}
