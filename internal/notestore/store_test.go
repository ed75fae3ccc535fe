package notestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sampleNote(id string) *model.Note {
	return &model.Note{
		ID:        id,
		Title:     "Title " + id,
		Pages:     []model.Page{{ID: "p1", Title: "Page", Content: "hello", UpdatedAt: 10}},
		CreatedAt: 1,
		UpdatedAt: 10,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	n := sampleNote("n1")

	if err := s.WriteNote(ctx, n); err != nil {
		t.Fatalf("WriteNote: %v", err)
	}
	got, err := s.ReadNote(ctx, "n1")
	if err != nil {
		t.Fatalf("ReadNote: %v", err)
	}
	if got.Title != n.Title || len(got.Pages) != 1 || got.Pages[0].Content != "hello" {
		t.Errorf("unexpected note %+v", got)
	}

	leftovers, _ := filepath.Glob(filepath.Join(s.Dir(), ".write-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestReadMissingNote(t *testing.T) {
	_, err := newStore(t).ReadNote(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestWriteRejectsInvalidNotes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tests := []struct {
		name string
		note *model.Note
	}{
		{"empty id", &model.Note{}},
		{"path traversal", &model.Note{ID: "../evil"}},
		{"hidden id", &model.Note{ID: ".backups"}},
		{"page without id", &model.Note{ID: "n", Pages: []model.Page{{Title: "x"}}}},
		{"duplicate page ids", &model.Note{ID: "n", Pages: []model.Page{{ID: "a"}, {ID: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.WriteNote(ctx, tt.note); !errors.Is(err, adapter.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGetAllNotesSkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, id := range []string{"b", "a"} {
		if err := s.WriteNote(ctx, sampleNote(id)); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{not json"), 0o644)
	os.WriteFile(filepath.Join(s.Dir(), "readme.txt"), []byte("x"), 0o644)
	renamed, _ := Encode(sampleNote("other"))
	os.WriteFile(filepath.Join(s.Dir(), "c.json"), renamed, 0o644)

	notes, err := s.GetAllNotes(ctx)
	if err != nil {
		t.Fatalf("GetAllNotes: %v", err)
	}
	if len(notes) != 2 || notes[0].ID != "a" || notes[1].ID != "b" {
		t.Errorf("unexpected notes %+v", notes)
	}
}

func TestBackupRestoreDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	orig := sampleNote("n1")
	if err := s.WriteNote(ctx, orig); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.Path("n1"))

	backup, err := s.CreateBackup(ctx, "n1")
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if !s.ValidateNoteFormat(backup) {
		t.Error("backup should be a valid note")
	}

	changed := sampleNote("n1")
	changed.Title = "changed"
	if err := s.WriteNote(ctx, changed); err != nil {
		t.Fatal(err)
	}
	if err := s.RestoreFromBackup(ctx, "n1", backup); err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	after, _ := os.ReadFile(s.Path("n1"))
	if string(after) != string(before) {
		t.Error("restore should bring back the exact bytes")
	}

	if err := s.DeleteBackup(ctx, backup); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Error("backup should be gone")
	}
	if err := s.DeleteBackup(ctx, backup); err != nil {
		t.Errorf("deleting twice should succeed: %v", err)
	}
}

func TestCreateBackupOfMissingNote(t *testing.T) {
	_, err := newStore(t).CreateBackup(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestValidateNoteFormat(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t)
	good := filepath.Join(dir, "good.json")
	data, _ := Encode(sampleNote("g"))
	os.WriteFile(good, data, 0o644)
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"title":"no id"}`), 0o644)

	if !s.ValidateNoteFormat(good) {
		t.Error("good file rejected")
	}
	if s.ValidateNoteFormat(bad) {
		t.Error("note without id accepted")
	}
	if s.ValidateNoteFormat(filepath.Join(dir, "missing.json")) {
		t.Error("missing file accepted")
	}
}

func TestIDFromPath(t *testing.T) {
	tests := map[string]string{
		"/notes/n1.json":      "n1",
		"n-2.json":            "n-2",
		"/notes/.write-1.tmp": "",
		"/notes/.hidden.json": "",
		"/notes/readme.txt":   "",
	}
	for in, want := range tests {
		if got := IDFromPath(in); got != want {
			t.Errorf("IDFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}
