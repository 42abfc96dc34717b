package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultDialTimeout bounds each TCP connect attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultAckTimeout bounds the wait for the receiver's decision. The
	// receiver holds the connection open until a user acts, so this is
	// deliberately generous and unrelated to discovery liveness.
	DefaultAckTimeout = 5 * time.Minute
	// DefaultWriteTimeout bounds writing the request frame. Frames can carry
	// up to MaxFrameSize of attachment data, so this is sized for a slow LAN
	// rather than a round trip.
	DefaultWriteTimeout = time.Minute
)

// defaultDialBackoff is the connect retry schedule. Retrying is safe only in
// the dial phase: once the request frame is written, a duplicate transmission
// could create a second pending notification on the receiver.
var defaultDialBackoff = []time.Duration{0, 2 * time.Second, 5 * time.Second}

// Client sends share requests to remote peers.
type Client struct {
	DialTimeout  time.Duration
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	DialBackoff  []time.Duration
	Logger       zerolog.Logger
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultDialTimeout
}

func (c *Client) ackTimeout() time.Duration {
	if c.AckTimeout > 0 {
		return c.AckTimeout
	}
	return DefaultAckTimeout
}

func (c *Client) writeTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return DefaultWriteTimeout
}

func (c *Client) dialBackoff() []time.Duration {
	if len(c.DialBackoff) > 0 {
		return c.DialBackoff
	}
	return defaultDialBackoff
}

// SendShare delivers one share request and waits for the peer's decision.
// The wait is cancellable through ctx; cancellation leaves no sender-side
// state behind (the receiver's notification, if created, stays pending).
func (c *Client) SendShare(ctx context.Context, address string, request ShareRequest) (ShareAck, error) {
	if err := request.Validate(); err != nil {
		return ShareAck{}, err
	}

	conn, err := c.dialWithRetry(ctx, address)
	if err != nil {
		return ShareAck{}, err
	}
	defer conn.Close()

	// Unblock the write and the read if the caller gives up, whether mid-frame
	// or while the peer deliberates.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	// Setting a deadline can race a watcher that already fired; re-checking
	// ctx right after closes that window.
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout())); err != nil {
		return ShareAck{}, fmt.Errorf("send share request: %w", err)
	}
	if ctx.Err() != nil {
		return ShareAck{}, ctx.Err()
	}
	if err := writeMessage(conn, request); err != nil {
		if ctx.Err() != nil {
			return ShareAck{}, ctx.Err()
		}
		return ShareAck{}, fmt.Errorf("send share request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.ackTimeout())); err != nil {
		return ShareAck{}, fmt.Errorf("read share ack: %w", err)
	}
	if ctx.Err() != nil {
		return ShareAck{}, ctx.Err()
	}
	payload, err := ReadFrame(conn)
	if err != nil {
		if ctx.Err() != nil {
			return ShareAck{}, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ShareAck{}, fmt.Errorf("%w: no decision within %v", ErrShareTimedOut, c.ackTimeout())
		}
		return ShareAck{}, fmt.Errorf("read share ack: %w", err)
	}

	return decodeAck(payload, request.RequestID)
}

func (c *Client) dialWithRetry(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout()}

	var lastErr error
	for _, delay := range c.dialBackoff() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.Logger.Debug().Err(err).Str("address", address).Msg("dial attempt failed")
	}

	return nil, fmt.Errorf("%w: dial %q: %v", ErrPeerUnreachable, address, lastErr)
}

func decodeAck(payload []byte, requestID string) (ShareAck, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return ShareAck{}, err
	}

	switch msgType {
	case TypeShareAck:
		var ack ShareAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			return ShareAck{}, fmt.Errorf("%w: decode share ack: %v", ErrMalformedMessage, err)
		}
		if ack.RequestID != requestID {
			return ShareAck{}, fmt.Errorf("%w: ack for request %q, want %q", ErrMalformedMessage, ack.RequestID, requestID)
		}
		return ack, nil
	case TypeError:
		var remote ErrorMessage
		if err := json.Unmarshal(payload, &remote); err != nil {
			return ShareAck{}, fmt.Errorf("%w: decode error message: %v", ErrMalformedMessage, err)
		}
		return ShareAck{}, fmt.Errorf("%w: peer rejected request: %s (%s)", ErrMalformedMessage, remote.Message, remote.Code)
	default:
		return ShareAck{}, fmt.Errorf("%w: unexpected message type %q", ErrMalformedMessage, msgType)
	}
}
