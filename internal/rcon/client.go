package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrAuthFailed reports a rejected console credential.
var ErrAuthFailed = errors.New("rcon: authentication failed")

// TransportError wraps any failure of the console channel: refused
// connection, broken pipe, or a deadline exceeded while waiting for the
// response. The channel is not retried internally.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("rcon %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout() || errors.Is(e.Err, context.DeadlineExceeded)
}

// Client is a console connection to one engine subprocess. Exec serializes
// callers: exactly one command is in flight at a time.
type Client struct {
	addr     string
	password string

	mu     sync.Mutex
	conn   net.Conn
	nextID int32
}

// Dial connects and authenticates. The context bounds the whole handshake.
func Dial(ctx context.Context, addr, password string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	c := &Client{addr: addr, password: password, conn: conn}
	if err := c.auth(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// auth performs the login exchange. A successful login answers with an auth
// response carrying the request id; failure answers with id -1. The engine
// additionally sends an empty response-value packet with the matching id
// before the auth response, which is skipped.
func (c *Client) auth(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.takeID()
	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	if err := writePacket(c.conn, packet{id: id, typ: typeAuth, body: c.password}); err != nil {
		return &TransportError{Op: "auth write", Err: err}
	}
	for {
		pkt, err := readPacket(c.conn)
		if err != nil {
			return &TransportError{Op: "auth read", Err: err}
		}
		if pkt.typ != typeAuthResponse {
			continue
		}
		if pkt.id == authFailedID {
			return &TransportError{Op: "auth", Err: ErrAuthFailed}
		}
		if pkt.id != id {
			return &TransportError{Op: "auth", Err: fmt.Errorf("auth response for unknown id %d", pkt.id)}
		}
		return nil
	}
}

// Exec sends one command and returns its printed output. Implements the
// bridge transport contract: callers are serialized, and the context bounds
// the full round trip.
func (c *Client) Exec(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", &TransportError{Op: "exec", Err: net.ErrClosed}
	}
	id := c.takeID()
	if err := c.applyDeadline(ctx); err != nil {
		return "", err
	}
	if err := writePacket(c.conn, packet{id: id, typ: typeExecCommand, body: command}); err != nil {
		return "", &TransportError{Op: "write", Err: err}
	}
	for {
		pkt, err := readPacket(c.conn)
		if err != nil {
			return "", &TransportError{Op: "read", Err: err}
		}
		if pkt.typ != typeResponseValue {
			continue
		}
		if pkt.id != id {
			// Response for a command we no longer track; with one command
			// outstanding this indicates a lost deadline on a previous
			// round trip. Skip it.
			continue
		}
		return pkt.body, nil
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Addr returns the console address this client is bound to.
func (c *Client) Addr() string { return c.addr }

func (c *Client) takeID() int32 {
	id := c.nextID
	if c.nextID == 1<<31-1 {
		c.nextID = 0
	} else {
		c.nextID++
	}
	return id
}

// applyDeadline projects the context deadline onto the connection. Without
// a deadline the connection blocks indefinitely, which is what a caller
// passing context.Background asked for.
func (c *Client) applyDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "deadline", Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		return c.conn.SetDeadline(deadline)
	}
	return c.conn.SetDeadline(time.Time{})
}
