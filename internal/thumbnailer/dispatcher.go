package thumbnailer

import (
	"context"
	"runtime"
	"sync"
)

// UpdateKind is the result type carried by a deferred update.
type UpdateKind int

const (
	UpdateReady UpdateKind = iota
	UpdateError
)

func (k UpdateKind) String() string {
	if k == UpdateReady {
		return "ready"
	}
	return "error"
}

// Update is an immutable "apply this result to these URIs" message.
type Update struct {
	Kind UpdateKind
	URIs []string
}

type task struct {
	update  Update
	barrier chan struct{} // Non-nil for Flush markers
}

// Dispatcher runs deferred updates one at a time on a single consumer
// goroutine, outside of any notification handler.
//
// Schedule may be called from any goroutine, including with other locks held;
// the apply function is only ever called from Run, with no dispatcher lock held.
type Dispatcher struct {
	apply func(Update)

	mu      sync.Mutex
	queue   []*task
	pending int // Updates in queue, barriers excluded
	running bool
	closed  bool
	wake    chan struct{}
}

// NewDispatcher creates a dispatcher executing updates with apply.
func NewDispatcher(apply func(Update)) *Dispatcher {
	return &Dispatcher{
		apply: apply,
		wake:  make(chan struct{}, 1),
	}
}

// Schedule queues u for later execution. The URI slice is copied. Returns
// false if the dispatcher is closed and u was dropped.
func (d *Dispatcher) Schedule(u Update) bool {
	u.URIs = append([]string(nil), u.URIs...)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, &task{update: u})
	d.pending++
	d.mu.Unlock()

	d.signal()
	return true
}

// Pending returns the number of scheduled updates not yet executed.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush waits until every update scheduled before the call has been executed.
// It needs Run to be active to make progress.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	barrier := &task{barrier: make(chan struct{})}
	d.queue = append(d.queue, barrier)
	d.mu.Unlock()

	d.signal()

	select {
	case <-barrier.barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes scheduled updates until ctx is done or Close is called.
// Only one Run may be active at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if d.running {
		d.mu.Unlock()
		return ErrDispatcherRunning
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	for {
		t, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}
		if t == nil {
			// closed
			return nil
		}

		if t.barrier != nil {
			close(t.barrier)
			continue
		}

		d.apply(t.update)

		d.mu.Lock()
		if !d.closed {
			// Close already zeroed the count.
			d.pending--
		}
		d.mu.Unlock()

		// Low priority: let signal routing and callers run between updates.
		runtime.Gosched()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// next pops the next runnable task. ok is false when the queue is empty;
// a nil task with ok true means the dispatcher was closed.
func (d *Dispatcher) next() (*task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, true
	}
	if len(d.queue) == 0 {
		return nil, false
	}
	t := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return t, true
}

// Close drops every pending update and stops Run. Barriers waiting in Flush are released.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, t := range d.queue {
		if t.barrier != nil {
			close(t.barrier)
		}
	}
	d.queue = nil
	d.pending = 0
	d.mu.Unlock()

	d.signal()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
