package stage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/dhcgn/notesorter/model"
)

func TestWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	payload := []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff, 0x10}
	path, err := s.Write(model.Attachment{Filename: "lab1.pdf", Data: payload})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if want := filepath.Join(dir, "lab1.pdf"); path != want {
		t.Errorf("Write() path = %q, want %q", path, want)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("staged content = %v, want %v", got, payload)
	}
}

func TestWrite_CollidingNames(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	wantNames := []string{"scan.pdf", "scan(1).pdf", "scan(2).pdf"}
	for i, want := range wantNames {
		path, err := s.Write(model.Attachment{Filename: "scan.pdf", Data: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("Write() #%d error = %v", i, err)
		}
		if got := filepath.Base(path); got != want {
			t.Errorf("Write() #%d name = %q, want %q", i, got, want)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != len(wantNames) {
		t.Errorf("staging holds %d entries, want %d", len(entries), len(wantNames))
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "notes.pdf", want: "notes.pdf"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\me\scan.pdf`, want: "scan.pdf"},
		{in: "what?.pdf", want: "what_.pdf"},
		{in: "ETSC 160 Notes.pdf", want: "ETSC 160 Notes.pdf"},
		{in: "", want: "attachment"},
		{in: "..", want: "attachment"},
		{in: ".notesorter.lock", want: "notesorter.lock"},
		{in: "/", want: "attachment"},
	}
	for _, tt := range tests {
		if got := SafeName(tt.in); got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
