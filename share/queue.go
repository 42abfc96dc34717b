// Package share implements both ends of the note-sharing handshake: the
// sender-side coordinator and the receiver-side notification queue.
package share

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notesync/discovery"
	"notesync/events"
	"notesync/network"
	"notesync/notes"
	"notesync/storage"
)

var (
	// ErrNotificationNotFound indicates no notification with the given id.
	ErrNotificationNotFound = errors.New("share: notification not found")
	// ErrAlreadyResolved indicates a notification was resolved before; the
	// pending-to-terminal transition happens exactly once.
	ErrAlreadyResolved = errors.New("share: notification already resolved")
	// ErrPayloadUnavailable indicates the staged transfer payload is gone,
	// typically after a restart while the notification stayed pending.
	ErrPayloadUnavailable = errors.New("share: transfer payload unavailable")
)

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending  Status = storage.StatusPending
	StatusAccepted Status = storage.StatusAccepted
	StatusRejected Status = storage.StatusRejected
)

// Notification is a receiver-side record of one incoming share.
type Notification struct {
	ID         string
	FromPeer   discovery.Peer
	NoteTitle  string
	Status     Status
	ReceivedAt time.Time
}

// stagedTransfer holds the inbound payload until the user decides. It lives
// in memory only; the notification row itself is durable.
type stagedTransfer struct {
	note        notes.Note
	attachments map[string][]byte
	respond     network.Responder
}

// QueueOptions configures a notification queue.
type QueueOptions struct {
	Notes    notes.Store
	History  *storage.Store
	Registry *discovery.Registry
	Bus      *events.Bus
	Logger   zerolog.Logger

	now func() time.Time
}

// Queue stores inbound share notifications and drives the accept/reject
// decision path.
type Queue struct {
	opts QueueOptions

	mu     sync.Mutex
	staged map[string]*stagedTransfer
}

// NewQueue creates a notification queue.
func NewQueue(opts QueueOptions) (*Queue, error) {
	if opts.Notes == nil {
		return nil, errors.New("share: notes store is required")
	}
	if opts.History == nil {
		return nil, errors.New("share: history store is required")
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	return &Queue{
		opts:   opts,
		staged: make(map[string]*stagedTransfer),
	}, nil
}

// HandleRequest ingests one validated inbound share request. It creates a
// pending notification, stages the payload, and publishes sync-notification.
// The responder is kept until Resolve sends the decision back.
func (q *Queue) HandleRequest(request network.ShareRequest, remoteAddr string, respond network.Responder) error {
	receivedAt := q.opts.now()
	notification := Notification{
		ID:         uuid.NewString(),
		FromPeer:   q.peerSnapshot(request, remoteAddr),
		NoteTitle:  request.Note.Title,
		Status:     StatusPending,
		ReceivedAt: receivedAt,
	}

	record := storage.NotificationRecord{
		ID:             notification.ID,
		FromDeviceID:   notification.FromPeer.ID,
		FromDeviceName: notification.FromPeer.Name,
		FromIP:         notification.FromPeer.IP,
		FromPort:       notification.FromPeer.Port,
		NoteID:         request.Note.ID,
		NoteTitle:      request.Note.Title,
		Status:         storage.StatusPending,
		ReceivedAt:     receivedAt.UnixMilli(),
	}
	if err := q.opts.History.InsertNotification(record); err != nil {
		return fmt.Errorf("record notification: %w", err)
	}

	q.mu.Lock()
	q.staged[notification.ID] = &stagedTransfer{
		note:        noteFromWire(request.Note),
		attachments: request.AttachmentsData,
		respond:     respond,
	}
	q.mu.Unlock()

	q.opts.Logger.Info().
		Str("notification_id", notification.ID).
		Str("from_device_id", notification.FromPeer.ID).
		Str("note_title", notification.NoteTitle).
		Msg("share request pending user decision")

	q.publish(events.TopicSyncNotification, notification)
	return nil
}

// List returns all notifications in arrival order. Resolved notifications
// are retained as history.
func (q *Queue) List() ([]Notification, error) {
	records, err := q.opts.History.ListNotifications()
	if err != nil {
		return nil, err
	}

	out := make([]Notification, 0, len(records))
	for _, record := range records {
		out = append(out, notificationFromRecord(record))
	}
	return out, nil
}

// Resolve applies the user's decision to one pending notification. On accept
// the transferred note and attachments are written to the note store before
// the status transition; a store failure leaves the notification pending so
// the user can retry. The decision is sent back to the waiting sender either
// way, best-effort.
func (q *Queue) Resolve(notificationID string, accept bool) error {
	staged, record, err := q.applyDecision(notificationID, accept)
	if err != nil {
		return err
	}

	// The ack write can stall on a dead sender connection; it runs outside the
	// queue lock so other notifications keep resolving.
	if staged != nil && staged.respond != nil {
		if err := staged.respond(accept); err != nil {
			// The local decision stands; the sender will time out.
			q.opts.Logger.Warn().Err(err).
				Str("notification_id", notificationID).
				Msg("could not deliver share decision to sender")
		}
	}

	q.opts.Logger.Info().
		Str("notification_id", notificationID).
		Bool("accepted", accept).
		Msg("share notification resolved")

	if accept {
		q.publish(events.TopicNotesUpdated, nil)
	}
	q.publish(events.TopicSyncNotification, notificationFromRecord(record))

	return nil
}

// applyDecision performs the locked part of Resolve: the pending check, the
// note store write on accept, and the single-shot status transition. It
// returns the staged transfer so the caller can deliver the ack unlocked.
func (q *Queue) applyDecision(notificationID string, accept bool) (*stagedTransfer, storage.NotificationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, err := q.opts.History.GetNotification(notificationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, record, fmt.Errorf("%w: %q", ErrNotificationNotFound, notificationID)
		}
		return nil, record, err
	}
	if record.Status != storage.StatusPending {
		return nil, record, fmt.Errorf("%w: %q is %s", ErrAlreadyResolved, notificationID, record.Status)
	}

	staged := q.staged[notificationID]

	if accept {
		if staged == nil {
			return nil, record, fmt.Errorf("%w: %q", ErrPayloadUnavailable, notificationID)
		}
		if err := q.writePayload(staged); err != nil {
			return nil, record, err
		}
	}

	status := storage.StatusRejected
	if accept {
		status = storage.StatusAccepted
	}
	if err := q.opts.History.ResolveNotification(notificationID, status, q.opts.now().UnixMilli()); err != nil {
		if errors.Is(err, storage.ErrAlreadyResolved) {
			return nil, record, fmt.Errorf("%w: %q", ErrAlreadyResolved, notificationID)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, record, fmt.Errorf("%w: %q", ErrNotificationNotFound, notificationID)
		}
		return nil, record, err
	}

	delete(q.staged, notificationID)
	record.Status = status
	return staged, record, nil
}

func (q *Queue) writePayload(staged *stagedTransfer) error {
	if err := q.opts.Notes.SaveNote(staged.note); err != nil {
		return fmt.Errorf("write transferred note: %w", err)
	}
	for name, data := range staged.attachments {
		if _, err := q.opts.Notes.SaveAttachmentBytes(staged.note.ID, name, data); err != nil {
			return fmt.Errorf("write transferred attachment %q: %w", name, err)
		}
	}
	return nil
}

// peerSnapshot captures the sender's identity at receipt time. The registry
// entry is preferred; an unknown sender falls back to the request fields and
// the connection's remote address.
func (q *Queue) peerSnapshot(request network.ShareRequest, remoteAddr string) discovery.Peer {
	if q.opts.Registry != nil {
		if peer, ok := q.opts.Registry.Get(request.FromDeviceID); ok {
			return peer
		}
	}

	peer := discovery.Peer{
		ID:   request.FromDeviceID,
		Name: request.FromDeviceName,
	}
	if host, portText, err := net.SplitHostPort(remoteAddr); err == nil {
		peer.IP = host
		if port, err := strconv.Atoi(portText); err == nil {
			peer.Port = port
		}
	}
	return peer
}

func (q *Queue) publish(topic events.Topic, payload any) {
	if q.opts.Bus != nil {
		q.opts.Bus.Publish(topic, payload)
	}
}

func noteFromWire(wire network.WireNote) notes.Note {
	return notes.Note{
		ID:          wire.ID,
		Title:       wire.Title,
		Content:     wire.Content,
		Datetime:    time.UnixMilli(wire.Datetime),
		Attachments: wire.Attachments,
	}
}

func notificationFromRecord(record storage.NotificationRecord) Notification {
	return Notification{
		ID: record.ID,
		FromPeer: discovery.Peer{
			ID:   record.FromDeviceID,
			Name: record.FromDeviceName,
			IP:   record.FromIP,
			Port: record.FromPort,
		},
		NoteTitle:  record.NoteTitle,
		Status:     Status(record.Status),
		ReceivedAt: time.UnixMilli(record.ReceivedAt),
	}
}
