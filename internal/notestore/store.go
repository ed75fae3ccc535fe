// Package notestore persists notes on the local filesystem, one JSON file
// per note.
package notestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

const (
	noteExt   = ".json"
	backupDir = ".backups"
)

// ErrNotFound is returned by ReadNote for an unknown id.
var ErrNotFound = fmt.Errorf("note %w", adapter.ErrNotFound)

// NoteStore is the local note collection the sync engine reads and writes.
type NoteStore interface {
	ReadNote(ctx context.Context, id string) (*model.Note, error)

	// WriteNote replaces the note atomically: readers see the old or the
	// new content, never a mix.
	WriteNote(ctx context.Context, note *model.Note) error

	// GetAllNotes skips unreadable files instead of failing the scan.
	GetAllNotes(ctx context.Context) ([]model.Note, error)

	CreateBackup(ctx context.Context, id string) (string, error)
	RestoreFromBackup(ctx context.Context, id, backupPath string) error
	DeleteBackup(ctx context.Context, backupPath string) error

	// ValidateNoteFormat reports whether the file at path decodes as a note.
	ValidateNoteFormat(path string) bool
}

// Encode is the canonical serialization of a note, used both on disk and
// as the remote object body.
func Encode(note *model.Note) ([]byte, error) {
	data, err := json.MarshalIndent(note, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode note %s: %w", note.ID, err)
	}
	return data, nil
}

// Decode parses and validates a serialized note.
func Decode(data []byte) (*model.Note, error) {
	var note model.Note
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, adapter.NewError(adapter.ErrValidation, "decode note", err)
	}
	if err := Validate(&note); err != nil {
		return nil, err
	}
	return &note, nil
}

// Validate checks the structural fields every note must carry.
func Validate(note *model.Note) error {
	if err := ValidateID(note.ID); err != nil {
		return err
	}
	seen := make(map[string]bool, len(note.Pages))
	for i, p := range note.Pages {
		if p.ID == "" {
			return adapter.NewError(adapter.ErrValidation, "validate note", fmt.Errorf("page %d of %s has no id", i, note.ID))
		}
		if seen[p.ID] {
			return adapter.NewError(adapter.ErrValidation, "validate note", fmt.Errorf("duplicate page id %s in %s", p.ID, note.ID))
		}
		seen[p.ID] = true
	}
	return nil
}

// ValidateID rejects ids that are empty or would escape the store directory.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return adapter.NewError(adapter.ErrValidation, "validate note", fmt.Errorf("invalid note id %q", id))
	}
	return nil
}

// FileStore keeps <dir>/<id>.json and backups under <dir>/.backups.
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

var _ NoteStore = (*FileStore)(nil)

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, backupDir), 0o755); err != nil {
		return nil, fmt.Errorf("create note dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the notes directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file of note id.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+noteExt)
}

// IDFromPath returns the note id of a store file, or "" for other files.
func IDFromPath(p string) string {
	base := filepath.Base(p)
	if !strings.HasSuffix(base, noteExt) || strings.HasPrefix(base, ".") {
		return ""
	}
	return strings.TrimSuffix(base, noteExt)
}

func (s *FileStore) ReadNote(ctx context.Context, id string) (*model.Note, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read note %s: %w", id, err)
	}
	return Decode(data)
}

func (s *FileStore) WriteNote(ctx context.Context, note *model.Note) error {
	if err := Validate(note); err != nil {
		return err
	}
	data, err := Encode(note)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeVerified(s.Path(note.ID), data)
}

// writeVerified writes data to a temp file, checks it decodes, then
// renames it over path.
func (s *FileStore) writeVerified(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".write-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if !s.ValidateNoteFormat(tmp.Name()) {
		return adapter.NewError(adapter.ErrValidation, "write note", errors.New("written file does not decode"))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) GetAllNotes(ctx context.Context) ([]model.Note, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read note dir: %w", err)
	}
	notes := []model.Note{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := IDFromPath(e.Name())
		if id == "" {
			continue
		}
		note, err := s.ReadNote(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable note", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if note.ID != id {
			s.logger.Warn("skipping note with mismatched id", zap.String("file", e.Name()), zap.String("id", note.ID))
			continue
		}
		notes = append(notes, *note)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].ID < notes[j].ID })
	return notes, nil
}

func (s *FileStore) CreateBackup(ctx context.Context, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read note %s: %w", id, err)
	}
	backup := filepath.Join(s.dir, backupDir, fmt.Sprintf("%s-%d%s", id, time.Now().UnixNano(), noteExt))
	if err := adapter.WriteFileAtomic(backup, data); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backup, nil
}

func (s *FileStore) RestoreFromBackup(ctx context.Context, id, backupPath string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := adapter.WriteFileAtomic(s.Path(id), data); err != nil {
		return fmt.Errorf("restore note %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) DeleteBackup(ctx context.Context, backupPath string) error {
	err := os.Remove(backupPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete backup: %w", err)
	}
	return nil
}

func (s *FileStore) ValidateNoteFormat(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	_, err = Decode(data)
	return err == nil
}
