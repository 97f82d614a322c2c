package thumbnailer

import "errors"

var (
	// ErrNoService is returned by QueueFiles when no service connection exists.
	ErrNoService = errors.New("thumbnailer: no thumbnail service available")

	// ErrDispatcherClosed is returned when flushing or running a closed dispatcher.
	ErrDispatcherClosed = errors.New("thumbnailer: dispatcher closed")

	// ErrDispatcherRunning is returned by a second concurrent Run.
	ErrDispatcherRunning = errors.New("thumbnailer: dispatcher already running")

	// ErrNotPending is returned by WaitHandle for a request that is not tracked:
	// unknown, finished, or already dropped.
	ErrNotPending = errors.New("thumbnailer: request not pending")

	// ErrQueueRejected is returned by WaitHandle when no handle was kept for a
	// request.
	ErrQueueRejected = errors.New("thumbnailer: request not accepted")

	errStopped  = errors.New("thumbnailer: stopped")
	errDequeued = errors.New("thumbnailer: dequeued before the handle arrived")
)
