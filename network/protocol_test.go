package network

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"share_ack","request_id":"r1","accepted":true}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	// Length header claims a payload beyond the limit.
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadFrame(bytes.NewReader(header)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"share_request"}`))
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeShareRequest {
		t.Fatalf("unexpected type %q", msgType)
	}

	if _, err := DecodeMessageType([]byte(`{"other":"field"}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for missing type, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for bad JSON, got %v", err)
	}
}

func TestShareRequestValidate(t *testing.T) {
	valid := NewShareRequest("r1", "device-1", "Alice", WireNote{ID: "n1", Title: "Groceries"}, nil)
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*ShareRequest)
		message string
	}{
		{"wrong type", func(r *ShareRequest) { r.Type = TypeShareAck }, "type"},
		{"missing request id", func(r *ShareRequest) { r.RequestID = "" }, "request_id"},
		{"missing device id", func(r *ShareRequest) { r.FromDeviceID = "" }, "from_device_id"},
		{"missing note id", func(r *ShareRequest) { r.Note.ID = "" }, "note id"},
	}

	for _, tc := range cases {
		request := valid
		tc.mutate(&request)
		if err := request.Validate(); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("%s: expected ErrMalformedMessage, got %v", tc.name, err)
		}
	}
}
