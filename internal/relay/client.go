// Package relay keeps a single outbound websocket connection to a hub and
// pushes results through it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livesub/internal/domain"
	"livesub/internal/logging"
)

const (
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// ErrDisconnected is returned when a payload could not be delivered because
// the hub is unreachable.
var ErrDisconnected = errors.New("relay disconnected")

// MessageHandler receives inbound frames from the hub.
type MessageHandler func(ctx context.Context, binary bool, data []byte)

// Options configures a Client.
type Options struct {
	URL          string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	WriteTimeout time.Duration
	OnMessage    MessageHandler
}

type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (conn, error)

// Client owns exactly one hub connection. Run keeps it alive; Send and
// Broadcast write through it.
type Client struct {
	url          string
	baseDelay    time.Duration
	maxDelay     time.Duration
	writeTimeout time.Duration
	onMessage    MessageHandler

	dial  dialFunc
	sleep func(ctx context.Context, d time.Duration) bool

	// writeMu serializes dials and writes.
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    conn
	pending []byte
	closed  bool
}

func New(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = max(defaultMaxDelay, opts.BaseDelay)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Client{
		url:          opts.URL,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		writeTimeout: opts.WriteTimeout,
		onMessage:    opts.OnMessage,
		dial:         dialWebsocket,
		sleep:        sleepContext,
	}
}

func dialWebsocket(ctx context.Context, url string) (conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Connected reports whether a hub connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects, reads until the connection drops and reconnects with
// exponential backoff. It returns when ctx ends.
func (c *Client) Run(ctx context.Context) {
	defer c.Close()

	attempt := 0
	for ctx.Err() == nil && !c.isClosed() {
		current := c.current()
		if current == nil {
			c.writeMu.Lock()
			err := c.connect(ctx)
			c.writeMu.Unlock()
			if err != nil {
				attempt++
				delay := c.backoff(attempt)
				logging.Warnw("relay connect failed",
					"relay.url", c.url, "attempt", attempt, "retry_in", delay.String(), "error", err)
				if !c.sleep(ctx, delay) {
					return
				}
				continue
			}
			attempt = 0
			continue
		}
		c.read(ctx, current)
	}
}

func (c *Client) read(ctx context.Context, current conn) {
	stop := context.AfterFunc(ctx, func() { _ = current.Close() })
	defer stop()

	for {
		kind, data, err := current.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logging.Warnw("relay connection lost", "relay.url", c.url, "error", err)
			}
			c.drop(current)
			return
		}
		if c.onMessage != nil {
			c.onMessage(ctx, kind == websocket.BinaryMessage, data)
		}
	}
}

// backoff returns the wait before reconnect attempt n (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt && delay < c.maxDelay; i++ {
		delay *= 2
	}
	return min(delay, c.maxDelay)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) current() conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// connect dials once unless another caller already reconnected. A payload
// left in the retry slot is delivered before connect returns. Callers hold
// writeMu.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	current, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	if current != nil {
		return nil
	}
	next, err := c.dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = next
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	logging.Infow("relay connected", "relay.url", c.url)

	if pending != nil {
		if err := c.write(next, pending); err != nil {
			logging.Warnw("dropping message after failed retry", "relay.url", c.url, "bytes", len(pending), "error", err)
			c.drop(next)
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}
	return nil
}

// drop clears current if it is still the active connection.
func (c *Client) drop(current conn) {
	c.mu.Lock()
	if c.conn == current {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = current.Close()
}

func (c *Client) write(current conn, payload []byte) error {
	_ = current.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return current.WriteMessage(websocket.TextMessage, payload)
}

// Send delivers payload. When disconnected it performs one reconnect
// attempt first; if that fails the payload is dropped. A failed write keeps
// the payload as the single retry slot for the next reconnect.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	current := c.current()
	if current == nil {
		if err := c.connect(ctx); err != nil {
			logging.Warnw("relay unavailable, dropping message", "relay.url", c.url, "bytes", len(payload), "error", err)
			if errors.Is(err, ErrDisconnected) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		current = c.current()
		if current == nil {
			return ErrDisconnected
		}
	}

	if err := c.write(current, payload); err != nil {
		c.mu.Lock()
		c.pending = append([]byte(nil), payload...)
		c.mu.Unlock()
		c.drop(current)
		logging.Warnw("relay write failed, keeping message for retry", "relay.url", c.url, "error", err)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Broadcast encodes result and sends it to the hub.
func (c *Client) Broadcast(ctx context.Context, result domain.TranscriptResult) error {
	payload, err := domain.EncodeResult(result)
	if err != nil {
		return err
	}
	return c.Send(ctx, payload)
}

// Close drops the connection for good. Later sends fail with
// ErrDisconnected and Run returns.
func (c *Client) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	current := c.conn
	c.conn = nil
	c.closed = true
	c.pending = nil
	c.mu.Unlock()
	if current != nil {
		_ = current.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = current.Close()
	}
}
