package share

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notesync/config"
	"notesync/discovery"
	"notesync/events"
	"notesync/network"
	"notesync/notes"
	"notesync/storage"
)

var (
	// ErrUnknownPeer indicates the target peer is not in the registry.
	ErrUnknownPeer = errors.New("share: unknown peer")
	// ErrShareAlreadyInFlight indicates the same note is already being
	// offered to the same peer.
	ErrShareAlreadyInFlight = errors.New("share: already in flight")
)

// Outcome is the result of offering one note to one peer.
type Outcome struct {
	NoteID    string
	NoteTitle string
	PeerID    string
	RequestID string
	Accepted  bool
	Err       error
}

// SendFunc delivers one share request and waits for the peer's decision.
type SendFunc func(ctx context.Context, address string, request network.ShareRequest) (network.ShareAck, error)

// CoordinatorOptions configures a share coordinator.
type CoordinatorOptions struct {
	Device   config.DeviceConfig
	Notes    notes.Store
	History  *storage.Store
	Registry *discovery.Registry
	Bus      *events.Bus
	Logger   zerolog.Logger

	// Send overrides the transport. Defaults to a network.Client.
	Send SendFunc
}

// Coordinator drives outbound shares: it packages notes with their
// attachments, delivers them to peers, and records the outcomes.
type Coordinator struct {
	opts CoordinatorOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewCoordinator creates a share coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Notes == nil {
		return nil, errors.New("share: notes store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("share: peer registry is required")
	}
	if opts.Send == nil {
		client := &network.Client{Logger: opts.Logger}
		opts.Send = client.SendShare
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
	}, nil
}

// Close aborts any in-flight shares.
func (c *Coordinator) Close() {
	c.cancel()
}

// ShareNote offers a single note to a peer and waits for the decision.
func (c *Coordinator) ShareNote(ctx context.Context, noteID, peerID string) (Outcome, error) {
	outcomes, err := c.ShareNotes(ctx, []string{noteID}, peerID)
	if err != nil {
		return Outcome{}, err
	}
	return outcomes[0], nil
}

// ShareNotes offers a batch of notes to one peer, each as its own transfer,
// and waits for every decision. Per-note failures are reported in the
// returned outcomes; the error return covers whole-call failures only.
func (c *Coordinator) ShareNotes(ctx context.Context, noteIDs []string, peerID string) ([]Outcome, error) {
	if len(noteIDs) == 0 {
		return nil, errors.New("share: no notes selected")
	}

	peer, ok := c.opts.Registry.Get(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}

	// A coordinator shutdown aborts the wait alongside the caller's ctx.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	outcomes := make([]Outcome, len(noteIDs))
	var wg sync.WaitGroup
	for i, noteID := range noteIDs {
		wg.Add(1)
		go func(i int, noteID string) {
			defer wg.Done()
			outcomes[i] = c.shareOne(ctx, noteID, peer)
		}(i, noteID)
	}
	wg.Wait()

	return outcomes, nil
}

func (c *Coordinator) shareOne(ctx context.Context, noteID string, peer discovery.Peer) Outcome {
	outcome := Outcome{NoteID: noteID, PeerID: peer.ID}

	key := noteID + "|" + peer.ID
	c.mu.Lock()
	if _, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		outcome.Err = fmt.Errorf("%w: note %q to peer %q", ErrShareAlreadyInFlight, noteID, peer.ID)
		return outcome
	}
	c.inFlight[key] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}()

	note, err := c.opts.Notes.GetNote(noteID)
	if err != nil {
		outcome.Err = fmt.Errorf("load note %q: %w", noteID, err)
		c.finish(outcome)
		return outcome
	}
	outcome.NoteTitle = note.Title

	attachments := make(map[string][]byte, len(note.Attachments))
	for _, name := range note.Attachments {
		data, err := c.opts.Notes.ServeAttachment(note.ID, name)
		if err != nil {
			outcome.Err = fmt.Errorf("load attachment %q: %w", name, err)
			c.finish(outcome)
			return outcome
		}
		attachments[name] = data
	}

	request := network.NewShareRequest(uuid.NewString(), c.opts.Device.DeviceID, c.opts.Device.DeviceName, wireNote(note), attachments)
	outcome.RequestID = request.RequestID

	c.opts.Logger.Info().
		Str("request_id", request.RequestID).
		Str("note_id", noteID).
		Str("peer_id", peer.ID).
		Str("address", peer.Addr()).
		Msg("offering note to peer")

	ack, err := c.opts.Send(ctx, peer.Addr(), request)
	if err != nil {
		outcome.Err = err
		c.finish(outcome)
		return outcome
	}

	outcome.Accepted = ack.Accepted
	c.finish(outcome)
	return outcome
}

// finish records the outcome in the share log and publishes sync-response.
func (c *Coordinator) finish(outcome Outcome) {
	logOutcome := storage.OutcomeRejected
	detail := ""
	switch {
	case outcome.Err != nil:
		logOutcome = storage.OutcomeFailed
		detail = outcome.Err.Error()
	case outcome.Accepted:
		logOutcome = storage.OutcomeAccepted
	}

	if c.opts.History != nil {
		entry := storage.ShareLogEntry{
			RequestID:    outcome.RequestID,
			NoteID:       outcome.NoteID,
			NoteTitle:    outcome.NoteTitle,
			PeerDeviceID: outcome.PeerID,
			Outcome:      logOutcome,
			Detail:       detail,
			CreatedAt:    time.Now().UnixMilli(),
		}
		if err := c.opts.History.AppendShareLog(entry); err != nil {
			c.opts.Logger.Warn().Err(err).
				Str("note_id", outcome.NoteID).
				Msg("could not append share log entry")
		}
	}

	if c.opts.Bus != nil {
		c.opts.Bus.Publish(events.TopicSyncResponse, outcome)
	}
}

func wireNote(note notes.Note) network.WireNote {
	return network.WireNote{
		ID:          note.ID,
		Title:       note.Title,
		Content:     note.Content,
		Datetime:    note.Datetime.UnixMilli(),
		Attachments: note.Attachments,
	}
}
