// Package ami implements a thin Asterisk Manager Interface client: TCP
// connect, Login, and a serial stream of parsed events. It issues no actions
// beyond Login/Logoff; the tracker consumes events only.
package ami

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Config holds the AMI connection settings.
type Config struct {
	Addr              string // host:port, Asterisk default port 5038
	Username          string
	Secret            string
	ReconnectInterval time.Duration
}

// Client maintains one AMI connection and delivers events in wire order.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	events chan Event
}

// NewClient creates a client. Call Run to connect and start delivery.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 2048),
	}
}

// Events returns the stream of parsed AMI events. The channel is closed when
// Run returns. Events are delivered in the order Asterisk emitted them.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run connects, authenticates and reads events until ctx is cancelled,
// reconnecting after read failures. It blocks for the lifetime of the client.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Error("ami connect failed", "addr", c.cfg.Addr, "error", err)
		} else {
			err := c.readLoop(ctx)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("ami connection lost", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// connect dials the AMI port, consumes the banner and performs Login.
func (c *Client) connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dialing ami: %w", err)
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	// Banner, e.g. "Asterisk Call Manager/1.3".
	if _, err := reader.ReadString('\n'); err != nil {
		conn.Close()
		return fmt.Errorf("reading ami banner: %w", err)
	}

	if err := login(reader, writer, c.cfg.Username, c.cfg.Secret); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.writer = writer
	c.mu.Unlock()

	c.logger.Info("ami connected", "addr", c.cfg.Addr, "username", c.cfg.Username)
	return nil
}

// login sends the Login action and waits for the first Response frame.
// Event frames that arrive before the response (Asterisk may interleave)
// are dropped; the tracker resynchronizes on FullyBooted.
func login(reader *bufio.Reader, writer *bufio.Writer, username, secret string) error {
	action := fmt.Sprintf("Action: Login\r\nUsername: %s\r\nSecret: %s\r\n\r\n", username, secret)
	if _, err := writer.WriteString(action); err != nil {
		return fmt.Errorf("writing login: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flushing login: %w", err)
	}

	for {
		frame, err := readFrame(reader)
		if err != nil {
			return err
		}
		resp, ok := frame["Response"]
		if !ok {
			continue
		}
		if resp != "Success" {
			return fmt.Errorf("ami login failed: %s", frame["Message"])
		}
		return nil
	}
}

// readLoop parses frames and delivers events until the connection breaks.
func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	reader := c.reader
	conn := c.conn
	c.mu.Unlock()

	// Unblock the blocking read when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		frame, err := readFrame(reader)
		if err != nil {
			return err
		}
		if frame.Name() == "" {
			continue // action response or keepalive, not an event
		}
		select {
		case c.events <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears down the connection. Run returns after its context is
// cancelled; Close only forces the socket shut.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
