// Package app wires the subsystems together and exposes the command surface
// a frontend calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"notesync/config"
	"notesync/discovery"
	"notesync/events"
	"notesync/network"
	"notesync/notes"
	"notesync/share"
	"notesync/storage"
)

// Options configures an App.
type Options struct {
	Device  *config.DeviceConfig
	DataDir string
	Logger  zerolog.Logger

	// DisableDiscovery skips mDNS registration and browsing. Tests seed the
	// registry directly instead.
	DisableDiscovery bool
}

// App owns the running subsystems: storage, notes, discovery, the inbound
// transfer listener, and the share queue and coordinator.
type App struct {
	opts Options

	bus         *events.Bus
	registry    *discovery.Registry
	history     *storage.Store
	notes       notes.Store
	queue       *share.Queue
	coordinator *share.Coordinator
	server      *network.Server
	discovery   *discovery.Service

	stopOnce sync.Once
}

// New builds an App from the device configuration. The returned App is not
// serving yet; call Run.
func New(opts Options) (*App, error) {
	if opts.Device == nil {
		return nil, errors.New("app: device configuration is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("app: data directory is required")
	}

	bus := events.NewBus()
	registry := discovery.NewRegistry(discovery.RegistryOptions{
		Bus:    bus,
		Logger: opts.Logger,
	})

	history, _, err := storage.Open(opts.DataDir)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open history store: %w", err)
	}

	noteStore, err := notes.NewFileStore(config.NotesDir(opts.DataDir))
	if err != nil {
		history.Close()
		bus.Close()
		return nil, err
	}

	queue, err := share.NewQueue(share.QueueOptions{
		Notes:    noteStore,
		History:  history,
		Registry: registry,
		Bus:      bus,
		Logger:   opts.Logger,
	})
	if err != nil {
		history.Close()
		bus.Close()
		return nil, err
	}

	coordinator, err := share.NewCoordinator(share.CoordinatorOptions{
		Device:   *opts.Device,
		Notes:    noteStore,
		History:  history,
		Registry: registry,
		Bus:      bus,
		Logger:   opts.Logger,
	})
	if err != nil {
		history.Close()
		bus.Close()
		return nil, err
	}

	return &App{
		opts:        opts,
		bus:         bus,
		registry:    registry,
		history:     history,
		notes:       noteStore,
		queue:       queue,
		coordinator: coordinator,
	}, nil
}

// Run starts the listener, the registry sweeper, and (unless disabled) mDNS
// discovery, then blocks until ctx is cancelled. Subsystems are torn down in
// reverse start order; the event bus closes last.
func (a *App) Run(ctx context.Context) error {
	server, err := network.Listen(fmt.Sprintf(":%d", a.opts.Device.ListeningPort), network.ServerOptions{
		Handler: a.handleInbound,
		Logger:  a.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("start transfer listener: %w", err)
	}
	a.server = server
	a.opts.Logger.Info().Int("port", server.Port()).Msg("transfer listener ready")

	a.registry.Start()

	if !a.opts.DisableDiscovery {
		service, err := discovery.Start(discovery.Config{
			SelfDeviceID: a.opts.Device.DeviceID,
			DeviceName:   a.opts.Device.DeviceName,
			Port:         server.Port(),
			Logger:       a.opts.Logger,
		}, a.registry)
		if err != nil {
			a.stop()
			return fmt.Errorf("start discovery: %w", err)
		}
		a.discovery = service
	}

	<-ctx.Done()
	a.stop()
	return nil
}

// handleInbound stages an inbound share request for the user's decision. If
// the notification cannot be recorded the sender is told no rather than left
// waiting out its timeout.
func (a *App) handleInbound(request network.ShareRequest, remoteAddr string, respond network.Responder) {
	if err := a.queue.HandleRequest(request, remoteAddr, respond); err != nil {
		a.opts.Logger.Error().Err(err).
			Str("from_device_id", request.FromDeviceID).
			Msg("could not stage inbound share")
		_ = respond(false)
	}
}

func (a *App) stop() {
	a.stopOnce.Do(func() {
		if a.discovery != nil {
			a.discovery.Stop()
		}
		a.registry.Stop()
		if a.server != nil {
			_ = a.server.Close()
		}
		a.coordinator.Close()
		if err := a.history.Close(); err != nil {
			a.opts.Logger.Warn().Err(err).Msg("closing history store")
		}
		a.bus.Close()
	})
}

// Events returns the application event bus.
func (a *App) Events() *events.Bus {
	return a.bus
}

// Registry returns the peer registry. Tests seed it directly when discovery
// is disabled.
func (a *App) Registry() *discovery.Registry {
	return a.registry
}

// Port returns the transfer listener port, or 0 before Run.
func (a *App) Port() int {
	if a.server == nil {
		return 0
	}
	return a.server.Port()
}

// GetNotes returns all local notes, newest first.
func (a *App) GetNotes() ([]notes.Note, error) {
	return a.notes.GetNotes()
}

// GetNote returns one local note.
func (a *App) GetNote(noteID string) (notes.Note, error) {
	return a.notes.GetNote(noteID)
}

// SaveNote upserts a note and announces the change.
func (a *App) SaveNote(note notes.Note) error {
	if err := a.notes.SaveNote(note); err != nil {
		return err
	}
	a.bus.Publish(events.TopicNotesUpdated, nil)
	return nil
}

// DeleteNote removes a note with its attachments and announces the change.
func (a *App) DeleteNote(noteID string) error {
	if err := a.notes.DeleteNote(noteID); err != nil {
		return err
	}
	a.bus.Publish(events.TopicNotesUpdated, nil)
	return nil
}

// SaveAttachment copies a local file into the note's attachment area.
func (a *App) SaveAttachment(noteID, sourcePath string) (string, error) {
	name, err := a.notes.SaveAttachment(noteID, sourcePath)
	if err != nil {
		return "", err
	}
	a.bus.Publish(events.TopicNotesUpdated, nil)
	return name, nil
}

// ServeAttachment returns the raw bytes of a stored attachment.
func (a *App) ServeAttachment(noteID, fileName string) ([]byte, error) {
	return a.notes.ServeAttachment(noteID, fileName)
}

// GetPeers returns the currently known peers.
func (a *App) GetPeers() []discovery.Peer {
	return a.registry.List()
}

// RefreshPeers triggers an immediate discovery scan.
func (a *App) RefreshPeers(ctx context.Context) error {
	if a.discovery == nil {
		return nil
	}
	return a.discovery.Refresh(ctx)
}

// ShareNote offers one note to a peer and waits for the decision.
func (a *App) ShareNote(ctx context.Context, noteID, peerID string) (share.Outcome, error) {
	return a.coordinator.ShareNote(ctx, noteID, peerID)
}

// ShareNotes offers a batch of notes to a peer.
func (a *App) ShareNotes(ctx context.Context, noteIDs []string, peerID string) ([]share.Outcome, error) {
	return a.coordinator.ShareNotes(ctx, noteIDs, peerID)
}

// GetSyncNotifications returns all inbound share notifications in arrival
// order.
func (a *App) GetSyncNotifications() ([]share.Notification, error) {
	return a.queue.List()
}

// RespondToSync applies the user's accept or reject decision for one
// pending notification.
func (a *App) RespondToSync(notificationID string, accept bool) error {
	return a.queue.Resolve(notificationID, accept)
}

// GetShareLog returns the most recent outbound share outcomes.
func (a *App) GetShareLog(limit int) ([]storage.ShareLogEntry, error) {
	return a.history.ListShareLog(limit)
}
