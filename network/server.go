package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyResponded indicates the decision for a request was already sent.
var ErrAlreadyResponded = errors.New("network: already responded")

// ackWriteTimeout bounds writing the decision frame back to the sender. A
// sender with a stalled connection must not hold up the responder's caller.
const ackWriteTimeout = 10 * time.Second

// Responder sends the accept/reject decision back on the connection the
// share request arrived on, then closes it. It may be called once.
type Responder func(accepted bool) error

// Handler receives one validated inbound share request together with its
// responder. The handler must not block: it stages the request and returns;
// the responder is invoked later, when the user decides.
type Handler func(request ShareRequest, remoteAddr string, respond Responder)

// ServerOptions configures the inbound transfer listener.
type ServerOptions struct {
	Handler     Handler
	ReadTimeout time.Duration
	Logger      zerolog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultRequestReadTimeout
	}
	return out
}

// Server accepts inbound share requests. Each connection carries exactly one
// request and stays open until the decision is sent or the peer gives up.
type Server struct {
	listener net.Listener
	options  ServerOptions

	errs chan error

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.Handler == nil {
		return nil, errors.New("network: handler is required")
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		errs:     make(chan error, 16),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes connections still awaiting a decision.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.connMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.conns = make(map[net.Conn]struct{})
		s.connMu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn reads and validates one share request, then hands it off. A
// malformed request gets an error frame and the connection is closed without
// any notification being created.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	// Tracked before the read so Close can interrupt a connection still
	// mid-frame instead of waiting out the read timeout.
	s.trackConn(conn)

	payload, err := ReadFrameWithTimeout(conn, s.options.ReadTimeout)
	if err != nil {
		s.rejectConn(conn, "bad_frame", "Could not read request frame.")
		s.reportError(fmt.Errorf("read share request: %w", err))
		return
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		s.rejectConn(conn, "bad_envelope", "Request is missing a type tag.")
		s.reportError(err)
		return
	}
	if msgType != TypeShareRequest {
		s.rejectConn(conn, "unknown_type", fmt.Sprintf("Expected %q, got %q.", TypeShareRequest, msgType))
		s.reportError(fmt.Errorf("%w: unexpected message type %q", ErrMalformedMessage, msgType))
		return
	}

	var request ShareRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		s.rejectConn(conn, "bad_request", "Request body could not be decoded.")
		s.reportError(fmt.Errorf("%w: decode share request: %v", ErrMalformedMessage, err))
		return
	}
	if err := request.Validate(); err != nil {
		s.rejectConn(conn, "invalid_request", err.Error())
		s.reportError(err)
		return
	}

	requestID := request.RequestID
	var respondOnce sync.Once
	respond := func(accepted bool) error {
		err := ErrAlreadyResponded
		respondOnce.Do(func() {
			defer s.releaseConn(conn)
			_ = conn.SetWriteDeadline(time.Now().Add(ackWriteTimeout))
			err = writeMessage(conn, ShareAck{
				Type:      TypeShareAck,
				RequestID: requestID,
				Accepted:  accepted,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				err = fmt.Errorf("send share ack: %w", err)
			}
		})
		return err
	}

	s.options.Logger.Debug().
		Str("request_id", requestID).
		Str("from_device_id", request.FromDeviceID).
		Str("remote_addr", conn.RemoteAddr().String()).
		Msg("inbound share request")

	s.options.Handler(request, conn.RemoteAddr().String(), respond)
}

func (s *Server) rejectConn(conn net.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(ackWriteTimeout))
	_ = writeMessage(conn, ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	s.releaseConn(conn)
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	// A connection accepted in the same instant as Close would otherwise miss
	// the shutdown sweep.
	select {
	case <-s.closed:
		_ = conn.Close()
	default:
	}
	s.conns[conn] = struct{}{}
}

func (s *Server) releaseConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Listener shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
