// Package tumbler is the D-Bus transport to a freedesktop Thumbnailer1 service
// (tumblerd or any other implementation of the interface).
package tumbler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/rescale/thumblink/internal/config"
	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/logging"
	"github.com/rescale/thumblink/internal/thumbnailer"
)

// ErrClosed is delivered to Queue completions once the client is closed.
var ErrClosed = errors.New("tumbler: client closed")

// Client implements thumbnailer.Service over D-Bus.
//
// Call completions and signals are delivered by a single loop goroutine. A
// Queue reply always reaches the bus before the first signal for the handle it
// returns, and the loop preserves that order: before forwarding a signal, it
// completes every Queue call whose reply has already arrived.
type Client struct {
	conn   *dbus.Conn // nil in tests
	obj    dbus.BusObject
	cfg    config.ServiceConfig
	logger *logging.Logger

	calls   chan *dbus.Call
	raw     chan *dbus.Signal
	signals chan thumbnailer.Signal

	mu      sync.Mutex
	pending map[*dbus.Call]*pendingCall
	closed  bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// pendingCall is the thumbnailer.PendingCall of one Queue call.
type pendingCall struct {
	cancel context.CancelFunc
	done   func(handle uint32, err error)
}

func (p *pendingCall) Cancel() {
	p.cancel()
}

// Connect opens the configured message bus and subscribes to the thumbnailer
// signals. The service itself is started lazily by bus activation on the first call.
func Connect(cfg config.ServiceConfig, logger *logging.Logger) (*Client, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch cfg.Bus {
	case constants.BusSystem:
		conn, err = dbus.ConnectSystemBus()
	case constants.BusSession, "":
		conn, err = dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s bus: %w", cfg.Bus, err)
	}

	if err := conn.AddMatchSignal(matchOptions(cfg)...); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to thumbnailer signals: %w", err)
	}

	c := newClient(conn.Object(cfg.Name, dbus.ObjectPath(cfg.Path)), cfg, logger)
	c.conn = conn
	conn.Signal(c.raw)
	c.start()

	c.logger.Debug().
		Str("bus", cfg.Bus).
		Str("name", cfg.Name).
		Str("path", cfg.Path).
		Msg("Connected to thumbnail service")

	return c, nil
}

func newClient(obj dbus.BusObject, cfg config.ServiceConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		obj:     obj,
		cfg:     cfg,
		logger:  logger.Named("tumbler"),
		calls:   make(chan *dbus.Call, constants.CallBufferSize),
		raw:     make(chan *dbus.Signal, constants.SignalBufferSize),
		signals: make(chan thumbnailer.Signal, constants.SignalBufferSize),
		pending: make(map[*dbus.Call]*pendingCall),
		done:    make(chan struct{}),
	}
}

func matchOptions(cfg config.ServiceConfig) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(dbus.ObjectPath(cfg.Path)),
		dbus.WithMatchInterface(cfg.Interface),
	}
}

func (c *Client) start() {
	c.wg.Add(1)
	go c.loop()
}

func (c *Client) method(name string) string {
	return c.cfg.Interface + "." + name
}

// Signals returns the decoded thumbnailer signals. The channel is closed when
// the client is closed or the bus connection is lost.
func (c *Client) Signals() <-chan thumbnailer.Signal {
	return c.signals
}

// Queue issues an asynchronous Queue call. done is called exactly once from
// the client loop, or with ErrClosed if the client is closed first.
func (c *Client) Queue(uris, mimeHints []string, flavor, scheduler string, unqueue uint32, done func(handle uint32, err error)) thumbnailer.PendingCall {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pendingCall{cancel: cancel, done: done}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		cancel()
		go done(0, ErrClosed)
		return p
	}

	// Registered under the lock so the loop cannot see the completion first.
	// When the write fails, godbus sends the failed call on c.calls before
	// GoWithContext returns. If c.calls is full at that moment, this blocks
	// with c.mu held while the loop waits for c.mu to drain it: a deadlock.
	// It needs CallBufferSize unconsumed completions plus a failing write.
	call := c.obj.GoWithContext(ctx, c.method("Queue"), 0, c.calls,
		uris, mimeHints, flavor, scheduler, unqueue)
	c.pending[call] = p

	return p
}

// Dequeue asks the service to drop a request. No reply is awaited.
func (c *Client) Dequeue(handle uint32) {
	call := c.obj.Call(c.method("Dequeue"), dbus.FlagNoReplyExpected, handle)
	if call != nil && call.Err != nil {
		c.logger.Debug().Err(call.Err).Uint32("handle", handle).Msg("Dequeue failed")
	}
}

// GetSupported returns the URI schemes and MIME types the service supports,
// paired by index.
func (c *Client) GetSupported() (schemes, types []string, err error) {
	call := c.obj.Call(c.method("GetSupported"), 0)
	if err := call.Store(&schemes, &types); err != nil {
		return nil, nil, fmt.Errorf("GetSupported failed: %w", err)
	}
	return schemes, types, nil
}

func (c *Client) loop() {
	defer c.wg.Done()
	defer close(c.signals)

	for {
		select {
		case <-c.done:
			return

		case call := <-c.calls:
			c.complete(call)

		case raw, ok := <-c.raw:
			if !ok {
				c.logger.Warn().Msg("Bus connection closed")
				c.drainCalls()
				return
			}
			c.drainCalls()

			if raw.Path != dbus.ObjectPath(c.cfg.Path) {
				continue
			}
			sig, err := decodeSignal(c.cfg.Interface, raw)
			if err != nil {
				c.logger.Debug().Err(err).Msg("Ignoring signal")
				continue
			}

			select {
			case c.signals <- sig:
			case <-c.done:
				return
			}
		}
	}
}

// drainCalls completes every call whose reply has already arrived.
func (c *Client) drainCalls() {
	for {
		select {
		case call := <-c.calls:
			c.complete(call)
		default:
			return
		}
	}
}

func (c *Client) complete(call *dbus.Call) {
	c.mu.Lock()
	p, ok := c.pending[call]
	delete(c.pending, call)
	c.mu.Unlock()

	if !ok {
		// abandoned by Close
		return
	}
	p.cancel()

	var handle uint32
	err := call.Store(&handle)
	p.done(handle, err)
}

// Close abandons in-flight Queue calls, unsubscribes from the signals and
// closes the bus connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[*dbus.Call]*pendingCall)
		c.mu.Unlock()

		close(c.done)

		if c.conn != nil {
			c.conn.RemoveSignal(c.raw)
			if rerr := c.conn.RemoveMatchSignal(matchOptions(c.cfg)...); rerr != nil {
				c.logger.Debug().Err(rerr).Msg("Failed to remove signal match")
			}
			err = c.conn.Close()
		}
		c.wg.Wait()

		for _, p := range pending {
			p.cancel()
			p.done(0, ErrClosed)
		}
		c.logger.Debug().Int("abandoned", len(pending)).Msg("Thumbnail service connection closed")
	})
	return err
}
