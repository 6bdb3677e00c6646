package uniquify

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestPath_NoCollision(t *testing.T) {
	dir := t.TempDir()
	desired := filepath.Join(dir, "note.txt")

	got, err := Path(desired)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if got != desired {
		t.Errorf("Path() = %q, want %q", got, desired)
	}
}

func TestPath_Counter(t *testing.T) {
	dir := t.TempDir()
	desired := filepath.Join(dir, "note.txt")
	touch(t, desired)

	got, err := Path(desired)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if want := filepath.Join(dir, "note(1).txt"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}

	touch(t, filepath.Join(dir, "note(1).txt"))
	got, err = Path(desired)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if want := filepath.Join(dir, "note(2).txt"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestPath_NameShapes(t *testing.T) {
	tests := []struct {
		name string
		file string
		want string
	}{
		{name: "no extension", file: "README", want: "README(1)"},
		{name: "last dot wins", file: "archive.tar.gz", want: "archive.tar(1).gz"},
		{name: "spaces stripped from stem", file: "ETSC 160 Notes.pdf", want: "ETSC160Notes(1).pdf"},
		{name: "spaces kept in extension", file: "odd.e x", want: "odd(1).e x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			desired := filepath.Join(dir, tt.file)
			touch(t, desired)

			got, err := Path(desired)
			if err != nil {
				t.Fatalf("Path() error = %v", err)
			}
			if want := filepath.Join(dir, tt.want); got != want {
				t.Errorf("Path() = %q, want %q", got, want)
			}
		})
	}
}

func TestPath_NeverReturnsExisting(t *testing.T) {
	for collisions := 0; collisions <= 6; collisions++ {
		t.Run(strconv.Itoa(collisions), func(t *testing.T) {
			dir := t.TempDir()
			desired := filepath.Join(dir, "scan.pdf")
			if collisions > 0 {
				touch(t, desired)
			}
			for i := 1; i < collisions; i++ {
				touch(t, filepath.Join(dir, "scan("+strconv.Itoa(i)+").pdf"))
			}

			got, err := Path(desired)
			if err != nil {
				t.Fatalf("Path() error = %v", err)
			}
			if _, err := os.Lstat(got); !os.IsNotExist(err) {
				t.Fatalf("Path() returned existing path %q", got)
			}
		})
	}
}

func TestPath_DoesNotCreate(t *testing.T) {
	dir := t.TempDir()
	desired := filepath.Join(dir, "note.txt")
	touch(t, desired)

	first, err := Path(desired)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	second, err := Path(desired)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	// Without a write in between the check is repeatable; this is the
	// window Create exists to close.
	if first != second {
		t.Errorf("Path() not deterministic: %q then %q", first, second)
	}
	if _, err := os.Lstat(first); !os.IsNotExist(err) {
		t.Errorf("Path() created %q", first)
	}
}

func TestCreate_ClaimsDistinctPaths(t *testing.T) {
	dir := t.TempDir()
	desired := filepath.Join(dir, "note.txt")

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		file, path, err := Create(desired, 0o644)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		_ = file.Close()
		if seen[path] {
			t.Fatalf("Create() returned %q twice", path)
		}
		seen[path] = true
	}

	for _, name := range []string{"note.txt", "note(1).txt", "note(2).txt", "note(3).txt"} {
		if !seen[filepath.Join(dir, name)] {
			t.Errorf("expected %s to be claimed", name)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		in       string
		wantStem string
		wantExt  string
	}{
		{in: "note.txt", wantStem: "note", wantExt: ".txt"},
		{in: "note", wantStem: "note", wantExt: ""},
		{in: "a.b.c", wantStem: "a.b", wantExt: ".c"},
		{in: ".env", wantStem: "", wantExt: ".env"},
	}
	for _, tt := range tests {
		stem, ext := Split(tt.in)
		if stem != tt.wantStem || ext != tt.wantExt {
			t.Errorf("Split(%q) = (%q, %q), want (%q, %q)", tt.in, stem, ext, tt.wantStem, tt.wantExt)
		}
	}
}
