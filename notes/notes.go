// Package notes defines the note model and the local note/attachment store
// the sync core reads from and writes into.
package notes

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested note or attachment does not exist.
	ErrNotFound = errors.New("notes: not found")
	// ErrInvalidName indicates a note ID or attachment filename is unusable.
	ErrInvalidName = errors.New("notes: invalid name")
)

// Note is a locally stored note. As transferred between peers it is a
// detached snapshot; the sender's store keeps the canonical copy.
type Note struct {
	ID          string
	Title       string
	Content     string
	Datetime    time.Time
	Attachments []string
}

// Store is the local persistence surface consumed by the sync core.
type Store interface {
	// GetNotes returns all persisted notes, newest first.
	GetNotes() ([]Note, error)
	// GetNote returns one note by ID.
	GetNote(noteID string) (Note, error)
	// SaveNote upserts a note by ID.
	SaveNote(note Note) error
	// DeleteNote removes a note and its attachments.
	DeleteNote(noteID string) error
	// SaveAttachment copies a file into the note's attachment area and
	// returns the stored filename.
	SaveAttachment(noteID, sourcePath string) (string, error)
	// SaveAttachmentBytes writes raw attachment bytes and returns the
	// stored filename.
	SaveAttachmentBytes(noteID, fileName string, data []byte) (string, error)
	// ServeAttachment reads attachment bytes for display or transfer.
	ServeAttachment(noteID, fileName string) ([]byte, error)
}
