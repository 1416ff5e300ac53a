// Package client talks to a kvs server over TCP.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/paulhenri/PKVS/internal/protocol"
)

// ErrUnexpectedResponse is returned when the server answers with something
// other than a Response.
var ErrUnexpectedResponse = errors.New("unexpected message from server")

// ErrConnBroken is returned by every request after an earlier one failed
// mid-exchange. The stream may hold a late reply, so the client must be
// closed and a new one dialed.
var ErrConnBroken = errors.New("connection unusable after a failed request")

// ServerError carries the message of a StatusError response.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// Client is a single connection to a server. It is not safe for concurrent
// use; open one client per goroutine.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
	broken  error
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request when the context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Do sends one request and waits for its response.
func (c *Client) Do(ctx context.Context, req protocol.Message) (protocol.Response, error) {
	if c.broken != nil {
		return protocol.Response{}, fmt.Errorf("%w: %w", ErrConnBroken, c.broken)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		c.broken = err
		c.conn.Close()
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, req protocol.Message) (protocol.Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, err
	}

	if err := protocol.WriteMessage(c.w, req); err != nil {
		return protocol.Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return protocol.Response{}, fmt.Errorf("failed to send request: %w", err)
	}

	msg, err := protocol.ReadMessage(c.r)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	resp, ok := msg.(protocol.Response)
	if !ok {
		return protocol.Response{}, fmt.Errorf("%w: %T", ErrUnexpectedResponse, msg)
	}
	return resp, nil
}

// Set stores value under key.
func (c *Client) Set(ctx context.Context, key, value string) error {
	resp, err := c.Do(ctx, protocol.Set{Key: key, Value: value})
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// Get returns the value for key. found is false when the server reports the
// key missing.
func (c *Client) Get(ctx context.Context, key string) (value string, found bool, err error) {
	resp, err := c.Do(ctx, protocol.Get{Key: key})
	if err != nil {
		return "", false, err
	}
	switch resp.Status {
	case protocol.StatusOK:
		return resp.Payload, true, nil
	case protocol.StatusNotFound:
		return "", false, nil
	default:
		return "", false, statusErr(resp)
	}
}

// Remove deletes key.
func (c *Client) Remove(ctx context.Context, key string) error {
	resp, err := c.Do(ctx, protocol.Remove{Key: key})
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.broken != nil {
		return nil
	}
	return c.conn.Close()
}

func statusErr(resp protocol.Response) error {
	if resp.Status == protocol.StatusError {
		return &ServerError{Message: resp.Payload}
	}
	return nil
}
