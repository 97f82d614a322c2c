// Package thumbnailer requests thumbnails from an out-of-process thumbnail
// service and applies its asynchronous results back onto file objects.
//
// Every QueueFiles call creates a job identified by a local request id. The
// service answers the Queue call with its own handle some time later; all of
// its notifications (Ready, Error, Finished) refer to that handle. The job
// table correlates both ids and resolves the races between call completion,
// notifications and cancellation:
//
//   - Dequeue before the Queue reply: the job is only marked cancelled. The
//     reply handler then drops it without contacting the service.
//   - Dequeue after the reply: the service handle is dequeued remotely and the
//     job dropped at once.
//   - Dequeue after Finished, or of an unknown id: no-op.
//
// Notifications for handles that are not in the table are ignored; handles
// are shared by every client of the service.
//
// Ready and Error results are not applied from the notification path. They
// are turned into Update messages and executed later by the Dispatcher, so
// code reacting to a file state change may call back into the Thumbnailer.
package thumbnailer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/events"
	"github.com/rescale/thumblink/internal/files"
	"github.com/rescale/thumblink/internal/logging"
)

// Option configures a Thumbnailer.
type Option func(*Thumbnailer)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Thumbnailer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithEventBus publishes request lifecycle events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(t *Thumbnailer) { t.eventBus = bus }
}

// WithFlavor sets the thumbnail flavor passed to Queue (default "normal").
func WithFlavor(flavor string) Option {
	return func(t *Thumbnailer) {
		if flavor != "" {
			t.flavor = flavor
		}
	}
}

// WithScheduler sets the scheduler passed to Queue (default "foreground").
func WithScheduler(scheduler string) Option {
	return func(t *Thumbnailer) {
		if scheduler != "" {
			t.scheduler = scheduler
		}
	}
}

// Stats is a snapshot of the job table.
type Stats struct {
	Jobs           int // Live jobs
	AwaitingHandle int // Queue call still in flight
	Cancelled      int // Cancelled, waiting for their Queue reply
	PendingUpdates int // Deferred updates not yet applied
	LastRequest    uint32
}

// Thumbnailer is the request/reply correlation engine.
type Thumbnailer struct {
	service   Service // nil when no service connection exists
	lookup    Lookup
	logger    *logging.Logger
	eventBus  *events.EventBus
	flavor    string
	scheduler string

	// mu guards jobs. It is never held while a deferred update runs or while
	// finished listeners are called.
	mu   sync.Mutex
	jobs *jobTable

	caps    capabilities
	updates *Dispatcher

	listenersMu    sync.RWMutex
	listeners      []func(request uint32)
	errorListeners []func(RequestError)

	closeOnce sync.Once
}

// New creates a Thumbnailer. svc may be nil, in which case every operation
// degrades to a no-op. lookup resolves result URIs back to file objects.
func New(svc Service, lookup Lookup, opts ...Option) *Thumbnailer {
	t := &Thumbnailer{
		service:   svc,
		lookup:    lookup,
		logger:    logging.NewNopLogger(),
		flavor:    constants.FlavorNormal,
		scheduler: constants.SchedulerForeground,
		jobs:      newJobTable(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.updates = NewDispatcher(t.applyUpdate)
	return t
}

// HasService reports whether a service connection exists.
func (t *Thumbnailer) HasService() bool {
	return t.service != nil
}

// OnRequestFinished registers fn to be called once for every request the
// service reports as finished. fn runs on the signal routing goroutine with no
// Thumbnailer lock held and may call QueueFiles or Dequeue.
func (t *Thumbnailer) OnRequestFinished(fn func(request uint32)) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.listenersMu.Unlock()
}

// RequestError is an Error notification resolved to the request it belongs to.
type RequestError struct {
	Request uint32
	Handle  uint32
	URIs    []string
	Code    int32
	Message string
}

// OnRequestError registers fn to be called for every Error notification of a
// tracked request. It runs on the signal routing goroutine before the
// request's Finished listeners, with no Thumbnailer lock held. fn owns
// e.URIs.
func (t *Thumbnailer) OnRequestError(fn func(e RequestError)) {
	t.listenersMu.Lock()
	t.errorListeners = append(t.errorListeners, fn)
	t.listenersMu.Unlock()
}

// IsSupported reports whether the service can thumbnail f. The first call
// fetches the supported types from the service and blocks until it answers.
func (t *Thumbnailer) IsSupported(f File) bool {
	if t.service == nil {
		return false
	}
	t.caps.load(t.service, t.logger)
	return t.caps.supports(f)
}

// Supported returns the (scheme, type) pairs the service reported.
func (t *Thumbnailer) Supported() (schemes, types []string) {
	if t.service == nil {
		return nil, nil
	}
	t.caps.load(t.service, t.logger)
	return t.caps.pairs()
}

// QueueFile queues a single file. See QueueFiles.
func (t *Thumbnailer) QueueFile(f File) (uint32, error) {
	return t.QueueFiles([]File{f})
}

// QueueFiles requests thumbnails for the supported subset of fs as one batch
// and returns its request id. If no file is supported, nothing is queued and
// the id is 0. Accepted files are marked ThumbLoading.
func (t *Thumbnailer) QueueFiles(fs []File) (uint32, error) {
	if t.service == nil {
		return 0, ErrNoService
	}

	supported := make([]File, 0, len(fs))
	for _, f := range fs {
		if f != nil && t.IsSupported(f) {
			supported = append(supported, f)
		}
	}
	if len(supported) == 0 {
		return 0, nil
	}

	uris := make([]string, len(supported))
	mimeHints := make([]string, len(supported))
	for i, f := range supported {
		f.SetThumbState(files.ThumbLoading)
		uris[i] = f.URI()
		mimeHints[i] = f.ContentType()
	}

	t.mu.Lock()
	request := t.queueJob(uris, mimeHints)
	t.mu.Unlock()

	t.logger.Debug().
		Uint32("request", request).
		Int("uris", len(uris)).
		Msg("Queued thumbnail request")
	t.publish(events.EventRequestQueued, request, 0, len(uris))

	return request, nil
}

// queueJob creates the job and issues the Queue call.
// The caller must hold t.mu.
func (t *Thumbnailer) queueJob(uris, mimeHints []string) uint32 {
	j := t.jobs.create()
	j.call = t.service.Queue(uris, mimeHints, t.flavor, t.scheduler, constants.NoUnqueueHandle,
		func(handle uint32, err error) {
			t.queueReply(j, handle, err)
		})
	return j.request
}

// queueReply handles the completion of the Queue call for j.
func (t *Thumbnailer) queueReply(j *job, handle uint32, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j.call = nil
	defer close(j.resolved)

	if !t.jobs.contains(j) {
		// dropped by Close
		j.err = errStopped
		return
	}

	switch {
	case j.cancelled:
		// The service was never told about a handle we own; nothing to dequeue.
		j.err = errDequeued
		t.jobs.remove(j)
		t.logger.Debug().Uint32("request", j.request).Msg("Dropped request cancelled before its handle arrived")
	case err == nil:
		if displaced := t.jobs.assignHandle(j, handle); displaced != nil {
			t.logger.Warn().
				Uint32("handle", handle).
				Uint32("request", j.request).
				Uint32("previous_request", displaced.request).
				Msg("Service reused a handle still tracked by another request")
		}
	default:
		// No handle was assigned, so the service has nothing to clean up.
		// The request id is orphaned: no Finished will ever arrive for it.
		j.err = err
		t.jobs.remove(j)
		t.logger.Debug().Err(err).Uint32("request", j.request).Msg("Queue call failed, request dropped")
	}
}

// WaitHandle blocks until the Queue call of request resolved and returns the
// service handle. It returns ErrNotPending if request is no longer tracked,
// an error wrapping ErrQueueRejected if the call failed or request was
// dequeued before its handle arrived, or ctx.Err().
func (t *Thumbnailer) WaitHandle(ctx context.Context, request uint32) (uint32, error) {
	t.mu.Lock()
	j := t.jobs.byRequestID(request)
	t.mu.Unlock()
	if j == nil {
		return 0, ErrNotPending
	}

	select {
	case <-j.resolved:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if j.err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQueueRejected, j.err)
	}
	return j.handle, nil
}

// IsPending reports whether request is still tracked: queued and neither
// finished, dequeued after its handle arrived, nor dropped by a failed call.
func (t *Thumbnailer) IsPending(request uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs.byRequestID(request) != nil
}

// Dequeue cancels a request. Unknown or already finished ids are ignored.
func (t *Thumbnailer) Dequeue(request uint32) {
	if t.service == nil {
		return
	}

	t.mu.Lock()
	j := t.jobs.byRequestID(request)
	if j == nil {
		t.mu.Unlock()
		return
	}
	j.cancelled = true

	var handle uint32
	dequeueRemote := j.hasHandle
	if dequeueRemote {
		handle = j.handle
		t.jobs.remove(j)
	}
	t.mu.Unlock()

	if dequeueRemote {
		t.service.Dequeue(handle)
	}

	t.logger.Debug().
		Uint32("request", request).
		Bool("remote", dequeueRemote).
		Msg("Dequeued thumbnail request")
	t.publish(events.EventRequestDequeued, request, handle, 0)
}

// Route handles one service notification.
func (t *Thumbnailer) Route(sig Signal) {
	switch sig.Kind {
	case SignalReady:
		t.routeResult(sig, UpdateReady)
	case SignalError:
		t.routeResult(sig, UpdateError)
	case SignalFinished:
		t.routeFinished(sig.Handle)
	case SignalStarted:
		t.logger.Debug().Uint32("handle", sig.Handle).Msg("Thumbnail request started")
	default:
		t.logger.Debug().Int("kind", int(sig.Kind)).Msg("Ignoring unknown signal")
	}
}

func (t *Thumbnailer) routeResult(sig Signal, kind UpdateKind) {
	if len(sig.URIs) == 0 {
		return
	}

	t.mu.Lock()
	j := t.jobs.lookupHandle(sig.Handle)
	if j == nil {
		// Foreign or stale handle.
		t.mu.Unlock()
		return
	}
	request := j.request
	t.updates.Schedule(Update{Kind: kind, URIs: sig.URIs})
	t.mu.Unlock()

	if kind != UpdateError {
		return
	}

	t.logger.Debug().
		Uint32("request", request).
		Int32("code", sig.Code).
		Str("message", sig.Message).
		Int("uris", len(sig.URIs)).
		Msg("Thumbnail service reported an error")
	if t.eventBus != nil {
		t.eventBus.PublishThumbnailError(request, sig.Handle, sig.URIs, sig.Code, sig.Message)
	}

	t.listenersMu.RLock()
	listeners := slices.Clone(t.errorListeners)
	t.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(RequestError{
			Request: request,
			Handle:  sig.Handle,
			URIs:    slices.Clone(sig.URIs),
			Code:    sig.Code,
			Message: sig.Message,
		})
	}
}

func (t *Thumbnailer) routeFinished(handle uint32) {
	t.mu.Lock()
	j := t.jobs.lookupHandle(handle)
	if j == nil {
		t.mu.Unlock()
		return
	}
	t.jobs.remove(j)
	request := j.request
	t.mu.Unlock()

	t.logger.Debug().Uint32("request", request).Uint32("handle", handle).Msg("Thumbnail request finished")
	t.publish(events.EventRequestFinished, request, handle, 0)

	t.listenersMu.RLock()
	listeners := slices.Clone(t.listeners)
	t.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(request)
	}
}

// applyUpdate runs on the dispatcher goroutine.
func (t *Thumbnailer) applyUpdate(u Update) {
	if t.lookup == nil {
		return
	}
	for _, uri := range u.URIs {
		f, ok := t.lookup(uri)
		if !ok || f == nil {
			continue
		}
		switch u.Kind {
		case UpdateError:
			// A Ready for the same file may already have been applied.
			if f.ThumbState() != files.ThumbReady {
				f.SetThumbState(files.ThumbNone)
			}
		case UpdateReady:
			f.SetThumbState(files.ThumbReady)
		}
	}
}

// Run routes signals and executes deferred updates until ctx is done, signals
// is closed, or Close is called. signals may be nil.
func (t *Thumbnailer) Run(ctx context.Context, signals <-chan Signal) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := t.updates.Run(gctx)
		switch {
		case err == nil, errors.Is(err, ErrDispatcherClosed):
			// Close was called
			return errStopped
		case errors.Is(err, context.Canceled) && ctx.Err() == nil:
			// the signal loop ended
			return nil
		}
		return err
	})

	g.Go(func() error {
		if signals == nil {
			<-gctx.Done()
			return nil
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig, ok := <-signals:
				if !ok {
					return errStopped
				}
				t.Route(sig)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// Flush waits until all deferred updates scheduled so far have been applied.
// Run must be active.
func (t *Thumbnailer) Flush(ctx context.Context) error {
	return t.updates.Flush(ctx)
}

// Stats returns a snapshot of the job table.
func (t *Thumbnailer) Stats() Stats {
	t.mu.Lock()
	s := Stats{Jobs: t.jobs.len(), LastRequest: t.jobs.lastRequest}
	for _, j := range t.jobs.byRequest {
		if j.call != nil {
			s.AwaitingHandle++
		}
		if j.cancelled {
			s.Cancelled++
		}
	}
	t.mu.Unlock()

	s.PendingUpdates = t.updates.Pending()
	return s
}

// Close abandons in-flight Queue calls, dequeues every request the service
// knows about, and drops pending deferred updates.
func (t *Thumbnailer) Close() {
	t.closeOnce.Do(func() {
		var calls []PendingCall
		var handles []uint32

		t.mu.Lock()
		jobs := t.jobs.drain()
		for _, j := range jobs {
			if j.call != nil {
				calls = append(calls, j.call)
			}
			if j.hasHandle {
				handles = append(handles, j.handle)
			}
		}
		t.mu.Unlock()

		for _, call := range calls {
			call.Cancel()
		}
		if t.service != nil {
			for _, h := range handles {
				t.service.Dequeue(h)
			}
		}

		t.updates.Close()
		t.logger.Debug().Int("jobs", len(jobs)).Msg("Thumbnailer closed")
	})
}

func (t *Thumbnailer) publish(eventType events.EventType, request, handle uint32, uris int) {
	if t.eventBus == nil {
		return
	}
	t.eventBus.PublishRequest(eventType, request, handle, uris)
}
