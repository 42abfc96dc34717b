// Package network implements the point-to-point transfer protocol that
// carries a share request from sender to receiver and the accept/reject
// decision back. Frames are a 4-byte big-endian length prefix followed by a
// JSON body carrying a "type" tag.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (50 MB), which
	// bounds a note plus all of its attachment blobs.
	MaxFrameSize = 50 * 1024 * 1024
	// DefaultRequestReadTimeout bounds reading the inbound share request.
	DefaultRequestReadTimeout = 30 * time.Second
)

const (
	TypeShareRequest = "share_request"
	TypeShareAck     = "share_ack"
	TypeError        = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMalformedMessage indicates an inbound message could not be parsed
	// or failed validation.
	ErrMalformedMessage = errors.New("network: malformed message")
	// ErrPeerUnreachable indicates the peer's advertised address could not
	// be reached.
	ErrPeerUnreachable = errors.New("network: peer unreachable")
	// ErrShareTimedOut indicates the wait for the peer's decision expired.
	ErrShareTimedOut = errors.New("network: share timed out")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// WireNote is the note snapshot as transferred between peers.
type WireNote struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Datetime    int64    `json:"datetime"`
	Attachments []string `json:"attachments,omitempty"`
}

// ShareRequest carries one note and all of its attachment payloads. Byte
// slices travel as base64 strings in JSON, so attachments arrive in the same
// frame as the note and the receiver stages them atomically.
type ShareRequest struct {
	Type            string            `json:"type"`
	RequestID       string            `json:"request_id"`
	FromDeviceID    string            `json:"from_device_id"`
	FromDeviceName  string            `json:"from_device_name"`
	ProtocolVersion int               `json:"protocol_version"`
	Note            WireNote          `json:"note"`
	AttachmentsData map[string][]byte `json:"attachments_data,omitempty"`
	Timestamp       int64             `json:"timestamp"`
}

// ShareAck carries the receiver's decision back to the sender.
type ShareAck struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors before the connection is closed.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewShareRequest fills in the protocol scaffolding around a note payload.
func NewShareRequest(requestID, fromDeviceID, fromDeviceName string, note WireNote, attachments map[string][]byte) ShareRequest {
	return ShareRequest{
		Type:            TypeShareRequest,
		RequestID:       requestID,
		FromDeviceID:    fromDeviceID,
		FromDeviceName:  fromDeviceName,
		ProtocolVersion: ProtocolVersion,
		Note:            note,
		AttachmentsData: attachments,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// Validate checks the fields the receiver depends on.
func (r ShareRequest) Validate() error {
	if r.Type != TypeShareRequest {
		return fmt.Errorf("%w: unexpected type %q", ErrMalformedMessage, r.Type)
	}
	if r.RequestID == "" {
		return fmt.Errorf("%w: missing request_id", ErrMalformedMessage)
	}
	if r.FromDeviceID == "" {
		return fmt.Errorf("%w: missing from_device_id", ErrMalformedMessage)
	}
	if r.Note.ID == "" {
		return fmt.Errorf("%w: missing note id", ErrMalformedMessage)
	}
	return nil
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: decode envelope: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("%w: missing type tag", ErrMalformedMessage)
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeMessage(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
