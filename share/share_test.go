package share

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notesync/events"
	"notesync/notes"
	"notesync/storage"
)

// fakeNoteStore is an in-memory notes.Store for tests.
type fakeNoteStore struct {
	mu          sync.Mutex
	notes       map[string]notes.Note
	attachments map[string]map[string][]byte

	saveNoteErr       error
	saveAttachmentErr error
}

func newFakeNoteStore() *fakeNoteStore {
	return &fakeNoteStore{
		notes:       make(map[string]notes.Note),
		attachments: make(map[string]map[string][]byte),
	}
}

func (s *fakeNoteStore) GetNotes() ([]notes.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notes.Note, 0, len(s.notes))
	for _, note := range s.notes {
		out = append(out, note)
	}
	return out, nil
}

func (s *fakeNoteStore) GetNote(noteID string) (notes.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[noteID]
	if !ok {
		return notes.Note{}, notes.ErrNotFound
	}
	return note, nil
}

func (s *fakeNoteStore) SaveNote(note notes.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveNoteErr != nil {
		return s.saveNoteErr
	}
	s.notes[note.ID] = note
	return nil
}

func (s *fakeNoteStore) DeleteNote(noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, noteID)
	delete(s.attachments, noteID)
	return nil
}

func (s *fakeNoteStore) SaveAttachment(noteID, sourcePath string) (string, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", err
	}
	return s.SaveAttachmentBytes(noteID, filepath.Base(sourcePath), data)
}

func (s *fakeNoteStore) SaveAttachmentBytes(noteID, fileName string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveAttachmentErr != nil {
		return "", s.saveAttachmentErr
	}
	if s.attachments[noteID] == nil {
		s.attachments[noteID] = make(map[string][]byte)
	}
	s.attachments[noteID][fileName] = append([]byte(nil), data...)
	return fileName, nil
}

func (s *fakeNoteStore) ServeAttachment(noteID, fileName string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.attachments[noteID][fileName]
	if !ok {
		return nil, fmt.Errorf("attachment %q: %w", fileName, notes.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeNoteStore) attachment(noteID, fileName string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.attachments[noteID][fileName]
	return data, ok
}

func newTestHistory(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func expectEvent(t *testing.T, sub *events.Subscription, topic events.Topic) events.Event {
	t.Helper()

	select {
	case event, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed while waiting for %q", topic)
		}
		if event.Topic != topic {
			t.Fatalf("got event on topic %q, want %q", event.Topic, topic)
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q event", topic)
	}
	return events.Event{}
}
