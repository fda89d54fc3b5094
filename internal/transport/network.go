package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
	"github.com/super-hydro/superhydro/internal/service"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// connState tracks where a connection is in its request/reply cycle.
type connState int

const (
	stateIdle connState = iota
	stateAwaitingReply
	stateAwaitingArray
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingReply:
		return "awaiting_reply"
	case stateAwaitingArray:
		return "awaiting_array"
	}
	return "unknown"
}

// Server accepts TCP connections and serves the framed command protocol,
// one goroutine pair per connection.
type Server struct {
	router *router
	logger *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*serverConn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a network server bound to registry.
func NewServer(registry *service.Registry, log *logger.Logger) *Server {
	return &Server{
		router: &router{registry: registry, logger: log},
		logger: log,
		conns:  make(map[*serverConn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Close. It returns nil after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("Network transport listening", logger.F("address", l.Addr().String()))

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.track(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	c := &serverConn{
		id:     uuid.New().String(),
		conn:   conn,
		router: s.router,
		att:    newAttachments(),
		work:   make(chan protocol.Message, 1),
	}
	c.logger = s.logger.With(logger.F("conn", c.id), logger.F("remote", conn.RemoteAddr().String()))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		c.serve()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// Addr returns the listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every connection and waits for their
// attachments to be released.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Network transport stopped")
	return err
}

// serverConn is one client connection. The reader goroutine owns the
// socket's read side; the worker handles one request at a time and
// writes its reply.
type serverConn struct {
	id     string
	conn   net.Conn
	router *router
	att    *attachments
	logger *logger.Logger
	work   chan protocol.Message

	mu      sync.Mutex // guards state, pending and writes
	state   connState
	pending models.Request
}

func (c *serverConn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range c.work {
			c.handle(ctx, msg)
		}
	}()

	c.logger.Debug("Connection opened")
	err := c.readLoop()
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("Connection closed")
	case errors.Is(err, ErrProtocolViolation):
		c.logger.Warn("Closing connection", logger.Err(err))
	default:
		c.logger.Warn("Connection aborted", logger.Err(err))
	}

	c.conn.Close()
	cancel()
	close(c.work)
	<-done
	c.router.releaseAll(context.Background(), c.att, c.logger)
}

// readLoop reads messages until the connection fails or the client
// breaks the request/reply discipline.
func (c *serverConn) readLoop() error {
	for {
		msg, err := protocol.ReadMessage(c.conn)
		if err != nil {
			return err
		}

		c.mu.Lock()
		state := c.state
		if state == stateAwaitingReply {
			c.mu.Unlock()
			return fmt.Errorf("%w: message received while %s", ErrProtocolViolation, state)
		}
		c.state = stateAwaitingReply
		c.mu.Unlock()

		c.work <- msg
	}
}

// handle runs one message and writes the reply. The state leaves
// AwaitingReply under the same lock as the write, so a request sent in
// response to this reply can never be mistaken for a violation.
func (c *serverConn) handle(ctx context.Context, msg protocol.Message) {
	c.mu.Lock()
	awaitingArray := c.pending.Command == protocol.CommandSetArray
	c.mu.Unlock()

	var reply models.Response
	next := stateIdle

	if awaitingArray {
		req := c.pending
		a, err := protocol.ParseArrayMessage(msg)
		if err != nil {
			reply = models.Failure("set_array %s: %v", req.Target, err)
		} else {
			req.Array = a
			reply = c.router.handle(ctx, c.att, req)
		}
		c.mu.Lock()
		c.pending = models.Request{}
		c.mu.Unlock()
	} else {
		req, err := decodeRequest(msg)
		switch {
		case err != nil:
			reply = models.Failure("%v", err)
		case req.Command == protocol.CommandSetArray:
			reply = c.acceptSetArray(req)
			if !reply.Failed() {
				next = stateAwaitingArray
			}
		default:
			reply = c.router.handle(ctx, c.att, req)
		}
	}

	out, err := encodeResponse(reply)
	if err != nil {
		out = protocol.Message{protocol.Failure(err.Error())}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = next
	if err := protocol.WriteMessage(c.conn, out); err != nil {
		c.logger.Debug("Reply write failed", logger.Err(err))
		c.conn.Close()
	}
}

// acceptSetArray checks a set_array command before the payload is sent.
func (c *serverConn) acceptSetArray(req models.Request) models.Response {
	if req.Session == "" {
		return models.Failure("%s: missing session name", req.Command)
	}
	if _, err := c.router.registry.Lookup(req.Session); err != nil {
		return models.Failure("%s %s: session %q: %v", req.Command, req.Target, req.Session, err)
	}
	if req.Target == "" {
		return models.Failure("%s: missing target", req.Command)
	}
	c.mu.Lock()
	c.pending = req
	c.mu.Unlock()
	return models.Ack()
}

func decodeRequest(msg protocol.Message) (models.Request, error) {
	var req models.Request
	if len(msg) != 1 {
		return req, &TransportError{Message: "command message must be a single frame"}
	}
	if err := json.Unmarshal(msg[0], &req); err != nil {
		return req, &TransportError{Message: "invalid command: " + err.Error()}
	}
	return req, nil
}

// encodeResponse renders a reply as one frame, or two for arrays.
func encodeResponse(resp models.Response) (protocol.Message, error) {
	switch {
	case resp.Failed():
		return protocol.Message{protocol.Failure(resp.Err)}, nil
	case resp.Array != nil:
		return protocol.ArrayMessage(resp.Array)
	case resp.Value != nil:
		return protocol.Message{resp.Value}, nil
	}
	return protocol.Message{protocol.Ack}, nil
}

// decodeResponse parses the reply to a command of kind cmd.
func decodeResponse(cmd protocol.Command, msg protocol.Message) (models.Response, error) {
	if len(msg) == 1 {
		if text, ok := protocol.ParseFailure(msg[0]); ok {
			return models.Response{Err: text}, nil
		}
	}
	switch cmd {
	case protocol.CommandGetArray:
		a, err := protocol.ParseArrayMessage(msg)
		if err != nil {
			return models.Response{}, err
		}
		return models.ArrayResponse(a), nil
	case protocol.CommandGet:
		if len(msg) != 1 || !json.Valid(msg[0]) {
			return models.Response{}, &TransportError{Message: "invalid get reply"}
		}
		return models.Response{Value: msg[0]}, nil
	}
	if len(msg) != 1 || !protocol.IsAck(msg[0]) {
		return models.Response{}, &TransportError{Message: "expected acknowledgment"}
	}
	return models.Ack(), nil
}
