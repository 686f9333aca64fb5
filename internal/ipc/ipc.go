// Package ipc implements the Local IPC Surface: a command-per-capability
// request/response channel, plus a server-pushed event stream, exposed to
// the UI process over a Unix domain socket (a loopback TCP listener on
// Windows, where no abstract/filesystem socket namespace exists). Every
// frame on the wire -- request, response, and pushed event -- is a single
// self-delimiting msgpack value, so unlike the Admission Gateway's SSE
// endpoint no length prefix or line framing is needed.
package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/events"
)

// request is one inbound command frame.
type request struct {
	ID      string          `msgpack:"id"`
	Command string          `msgpack:"command"`
	Params  msgpack.RawMessage `msgpack:"params"`
}

// frameKind discriminates the two outbound frame shapes multiplexed on
// the same connection: a reply to a specific request, or an
// out-of-band event push.
type frameKind string

const (
	kindResponse frameKind = "response"
	kindEvent    frameKind = "event"
)

type wireError struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// outboundFrame is the single wire shape for everything the server
// writes back to a connected client.
type outboundFrame struct {
	Kind      frameKind        `msgpack:"kind"`
	RequestID string           `msgpack:"request_id,omitempty"`
	Result    interface{}      `msgpack:"result,omitempty"`
	Error     *wireError       `msgpack:"error,omitempty"`
	Event     *events.Envelope `msgpack:"event,omitempty"`
}

// Handler answers one command. ctx is cancelled when the connection
// closes; params is the still-encoded msgpack payload of the request,
// decoded with msgpack.Unmarshal into whatever shape the handler expects.
type Handler func(ctx context.Context, params msgpack.RawMessage) (interface{}, error)

// Server accepts connections on a single listener and dispatches each
// decoded request to the command named in the frame's Command field.
// Every event published on bus is broadcast to every connected client.
type Server struct {
	listener net.Listener
	bus      *events.Bus
	log      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	connsMu sync.Mutex
	conns   map[*conn]struct{}
}

type conn struct {
	netConn net.Conn
	writeMu sync.Mutex
}

func (c *conn) writeFrame(f outboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	enc := msgpack.NewEncoder(c.netConn)
	return enc.Encode(&f)
}

// New builds a Server with no handlers registered; call Handle for every
// command the surface exposes before calling Serve.
func New(bus *events.Bus, log zerolog.Logger) *Server {
	return &Server{
		bus:      bus,
		log:      log.With().Str("component", "ipc").Logger(),
		handlers: make(map[string]Handler),
		conns:    make(map[*conn]struct{}),
	}
}

// Handle registers fn as the handler for the named command. Calling
// Handle twice for the same command replaces the prior handler.
func (s *Server) Handle(command string, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = fn
}

// Listen opens the socket the surface will accept connections on.
// network is "unix" (the filesystem path in address) on POSIX hosts or
// "tcp" (a loopback address) on Windows, per the platform's local-IPC
// convention.
func (s *Server) Listen(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "open ipc listener", err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is served on its own goroutine and also
// receives every event published on the bus for the connection's
// lifetime.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperr.Wrap(apperr.Internal, "accept ipc connection", err)
		}
		c := &conn{netConn: netConn}
		s.trackConn(c)
		go s.serveConn(ctx, c)
	}
}

func (s *Server) trackConn(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrackConn(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

func (s *Server) serveConn(ctx context.Context, c *conn) {
	defer s.untrackConn(c)
	defer c.netConn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case env, open := <-sub.Ch:
				if !open {
					return
				}
				if err := c.writeFrame(outboundFrame{Kind: kindEvent, Event: &env}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	dec := msgpack.NewDecoder(c.netConn)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("ipc connection decode error")
			}
			return
		}
		s.dispatch(connCtx, c, req)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, req request) {
	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		s.reply(c, req.ID, nil, apperr.New(apperr.PayloadInvalid, "unknown command: "+req.Command))
		return
	}

	result, err := handler(ctx, req.Params)
	s.reply(c, req.ID, result, err)
}

func (s *Server) reply(c *conn, requestID string, result interface{}, err error) {
	frame := outboundFrame{Kind: kindResponse, RequestID: requestID}
	if err != nil {
		frame.Error = &wireError{Code: string(apperr.KindOf(err)), Message: err.Error()}
	} else {
		frame.Result = result
	}
	if writeErr := c.writeFrame(frame); writeErr != nil {
		s.log.Debug().Err(writeErr).Str("request_id", requestID).Msg("failed to write ipc response")
	}
}

// Close closes the listener. In-flight connections are left to drain on
// their own context cancellation via Serve's ctx.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
