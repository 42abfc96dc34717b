package notes

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	noteExtension        = ".md"
	attachmentsDirectory = "attachments"
)

// FileStore persists notes as Markdown files under one directory, with one
// attachment directory per note. Layout:
//
//	<dir>/<id>.md
//	<dir>/attachments/<id>/<filename>
//
// The first line of a note file is "# <title>".
type FileStore struct {
	dir string
}

// NewFileStore creates the store directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create notes directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// GetNotes returns all persisted notes, newest first.
func (s *FileStore) GetNotes() ([]Note, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read notes directory: %w", err)
	}

	var notes []Note
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), noteExtension) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), noteExtension)
		note, err := s.GetNote(id)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}

	sort.Slice(notes, func(i, j int) bool {
		if notes[i].Datetime.Equal(notes[j].Datetime) {
			return notes[i].ID < notes[j].ID
		}
		return notes[i].Datetime.After(notes[j].Datetime)
	})
	return notes, nil
}

// GetNote returns one note by ID.
func (s *FileStore) GetNote(noteID string) (Note, error) {
	if err := validateName(noteID); err != nil {
		return Note{}, err
	}

	path := s.notePath(noteID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Note{}, fmt.Errorf("%w: note %q", ErrNotFound, noteID)
		}
		return Note{}, fmt.Errorf("read note %q: %w", noteID, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Note{}, fmt.Errorf("stat note %q: %w", noteID, err)
	}

	title, content := splitTitle(string(raw))
	attachments, err := s.listAttachments(noteID)
	if err != nil {
		return Note{}, err
	}

	return Note{
		ID:          noteID,
		Title:       title,
		Content:     content,
		Datetime:    info.ModTime(),
		Attachments: attachments,
	}, nil
}

// SaveNote upserts a note by ID.
func (s *FileStore) SaveNote(note Note) error {
	if err := validateName(note.ID); err != nil {
		return err
	}

	body := fmt.Sprintf("# %s\n\n%s", note.Title, note.Content)
	if err := os.WriteFile(s.notePath(note.ID), []byte(body), 0o600); err != nil {
		return fmt.Errorf("write note %q: %w", note.ID, err)
	}
	return nil
}

// DeleteNote removes a note file and its attachment directory.
func (s *FileStore) DeleteNote(noteID string) error {
	if err := validateName(noteID); err != nil {
		return err
	}

	if err := os.Remove(s.notePath(noteID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete note %q: %w", noteID, err)
	}
	if err := os.RemoveAll(s.attachmentsDir(noteID)); err != nil {
		return fmt.Errorf("delete attachments for %q: %w", noteID, err)
	}
	return nil
}

// SaveAttachment copies a file into the note's attachment area. A name clash
// gets a timestamp prefix instead of overwriting the existing attachment.
func (s *FileStore) SaveAttachment(noteID, sourcePath string) (string, error) {
	if err := validateName(noteID); err != nil {
		return "", err
	}

	source, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open attachment source: %w", err)
	}
	defer source.Close()

	data, err := io.ReadAll(source)
	if err != nil {
		return "", fmt.Errorf("read attachment source: %w", err)
	}

	return s.SaveAttachmentBytes(noteID, filepath.Base(sourcePath), data)
}

// SaveAttachmentBytes writes raw attachment bytes and returns the stored
// filename.
func (s *FileStore) SaveAttachmentBytes(noteID, fileName string, data []byte) (string, error) {
	if err := validateName(noteID); err != nil {
		return "", err
	}
	if err := validateName(fileName); err != nil {
		return "", err
	}

	dir := s.attachmentsDir(noteID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create attachments directory: %w", err)
	}

	stored := fileName
	if _, err := os.Stat(filepath.Join(dir, stored)); err == nil {
		stored = fmt.Sprintf("%d_%s", time.Now().UnixMilli(), fileName)
	}

	if err := os.WriteFile(filepath.Join(dir, stored), data, 0o600); err != nil {
		return "", fmt.Errorf("write attachment %q: %w", stored, err)
	}
	return stored, nil
}

// ServeAttachment reads attachment bytes.
func (s *FileStore) ServeAttachment(noteID, fileName string) ([]byte, error) {
	if err := validateName(noteID); err != nil {
		return nil, err
	}
	if err := validateName(fileName); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.attachmentsDir(noteID), fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: attachment %q for note %q", ErrNotFound, fileName, noteID)
		}
		return nil, fmt.Errorf("read attachment %q: %w", fileName, err)
	}
	return data, nil
}

func (s *FileStore) notePath(noteID string) string {
	return filepath.Join(s.dir, noteID+noteExtension)
}

func (s *FileStore) attachmentsDir(noteID string) string {
	return filepath.Join(s.dir, attachmentsDirectory, noteID)
}

func (s *FileStore) listAttachments(noteID string) ([]string, error) {
	entries, err := os.ReadDir(s.attachmentsDir(noteID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read attachments for %q: %w", noteID, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func splitTitle(raw string) (title, content string) {
	lines := strings.SplitN(raw, "\n", 3)
	if len(lines) > 0 && strings.HasPrefix(lines[0], "# ") {
		title = strings.TrimPrefix(lines[0], "# ")
		rest := strings.TrimPrefix(raw, lines[0])
		content = strings.TrimPrefix(strings.TrimPrefix(rest, "\n"), "\n")
		return title, content
	}
	return "Untitled", raw
}

// validateName rejects IDs and filenames that could escape the store
// directory. Shared note IDs and attachment names arrive off the network.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}
