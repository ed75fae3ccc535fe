package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestError_IsKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("upload note: %w", &Error{Kind: ErrTransport, Op: "PUT /content", Status: 503, Err: cause})

	if !errors.Is(err, ErrTransport) {
		t.Error("kind not matched")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not matched")
	}
	if errors.Is(err, ErrQuotaExceeded) {
		t.Error("matched unrelated kind")
	}
	if got := StatusOf(err); got != 503 {
		t.Errorf("StatusOf = %d", got)
	}
	want := "upload note: PUT /content: transport error (status 503): connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsTerminalAuth(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewError(ErrAuthorization, "op", nil), true},
		{NewError(ErrTokenRefresh, "op", errors.New("invalid_grant")), true},
		{NewError(ErrTransport, "op", nil), false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsTerminalAuth(tt.err); got != tt.want {
			t.Errorf("IsTerminalAuth(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestError_Code(t *testing.T) {
	err := &Error{Kind: ErrQuotaExceeded, Code: "quotaLimitReached"}
	if err.Error() != "storage quota exceeded [quotaLimitReached]" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"Notes", "a.json"}, "/Notes/a.json"},
		{[]string{"/Notes/", "n1", "p1.json"}, "/Notes/n1/p1.json"},
		{[]string{""}, "/"},
	}
	for _, tt := range tests {
		if got := JoinPath(tt.in...); got != tt.want {
			t.Errorf("JoinPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "note.json")

	if err := WriteFileAtomic(path, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "v2" {
		t.Errorf("content = %q", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %v", entries)
	}
}
