package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
)

// NetworkClient is the client end of the network transport. It allows one
// request in flight; any failure, including a timeout, closes the
// connection for good. Retrying is left to the caller.
type NetworkClient struct {
	conn    net.Conn
	timeout time.Duration

	inflight sync.Mutex

	mu     sync.Mutex
	closed bool
}

// Dial connects to a network transport server. timeout bounds each round
// trip (0 = no limit).
func Dial(ctx context.Context, addr string, timeout time.Duration) (*NetworkClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewNetworkClient(conn, timeout), nil
}

// NewNetworkClient wraps an established connection.
func NewNetworkClient(conn net.Conn, timeout time.Duration) *NetworkClient {
	return &NetworkClient{conn: conn, timeout: timeout}
}

// RoundTrip sends req and waits for its reply. A set_array request is two
// exchanges: the command, then the array payload once the server accepts.
func (c *NetworkClient) RoundTrip(ctx context.Context, req models.Request) (models.Response, error) {
	if !c.inflight.TryLock() {
		return models.Response{}, ErrRequestInFlight
	}
	defer c.inflight.Unlock()

	if c.isClosed() {
		return models.Response{}, ErrClosed
	}

	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return models.Response{}, c.fail(err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	var arrayMsg protocol.Message
	if req.Command == protocol.CommandSetArray {
		if err := req.Array.Validate(); err != nil {
			return models.Failure("set_array %s: invalid payload: %v", req.Target, err), nil
		}
		msg, err := protocol.ArrayMessage(req.Array)
		if err != nil {
			return models.Response{}, err
		}
		arrayMsg = msg
	}

	cmd, err := json.Marshal(req)
	if err != nil {
		return models.Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	reply, err := c.exchange(ctx, protocol.Message{cmd})
	if err != nil {
		return models.Response{}, err
	}
	if arrayMsg == nil {
		return c.decode(req.Command, reply)
	}

	accepted, err := c.decode(req.Command, reply)
	if err != nil || accepted.Failed() {
		return accepted, err
	}
	reply, err = c.exchange(ctx, arrayMsg)
	if err != nil {
		return models.Response{}, err
	}
	return c.decode(req.Command, reply)
}

func (c *NetworkClient) exchange(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		return nil, c.failCtx(ctx, err)
	}
	reply, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return nil, c.failCtx(ctx, err)
	}
	return reply, nil
}

func (c *NetworkClient) decode(cmd protocol.Command, msg protocol.Message) (models.Response, error) {
	resp, err := decodeResponse(cmd, msg)
	if err != nil {
		return models.Response{}, c.fail(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	return resp, nil
}

// failCtx closes the connection and reports why the exchange broke off.
func (c *NetworkClient) failCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.fail(err)
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.fail(err)
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return c.fail(err)
}

func (c *NetworkClient) fail(err error) error {
	c.Close()
	return err
}

func (c *NetworkClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection. The server releases any attachments the
// connection still held.
func (c *NetworkClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
