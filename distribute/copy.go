package distribute

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/creachadair/atomicfile"

	"github.com/dhcgn/notesorter/uniquify"
)

// copyInto copies src into dir under a uniquified name, carrying over the
// permission bits and modification time. The destination name is claimed
// with an exclusive create and filled through a temp file + rename.
func copyInto(src string, info fs.FileInfo, dir string) (string, error) {
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, src)
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}

	mode := info.Mode().Perm()
	placeholder, dst, err := uniquify.Create(filepath.Join(dir, filepath.Base(src)), mode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}
	if err := placeholder.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}

	out, err := atomicfile.New(dst, mode)
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("%w: %v", ErrDestinationUnwritable, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Cancel()
		_ = os.Remove(dst)
		return "", fmt.Errorf("%w: copy to %s: %v", ErrDestinationUnwritable, dst, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("%w: commit %s: %v", ErrDestinationUnwritable, dst, err)
	}

	mtime := info.ModTime()
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		return dst, fmt.Errorf("%w: set times on %s: %v", ErrDestinationUnwritable, dst, err)
	}
	return dst, nil
}
