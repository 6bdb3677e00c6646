// Package uniquify rewrites a desired file path into one that does not
// collide with an existing file by inserting a "(n)" counter before the
// extension.
package uniquify

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxClaimAttempts bounds Create when other writers keep winning the race.
const maxClaimAttempts = 1000

// Path returns desired unchanged when nothing exists there. Otherwise the
// basename is split at its last dot, spaces are removed from the stem and the
// first free "stem(n)ext" in the same directory is returned, counting from 1.
//
// Path has no side effects. The result is only free at the moment of the
// check; callers racing on the same directory must use Create instead.
func Path(desired string) (string, error) {
	free, err := absent(desired)
	if err != nil {
		return "", err
	}
	if free {
		return desired, nil
	}

	dir := filepath.Dir(desired)
	stem, ext := Split(filepath.Base(desired))
	stem = strings.ReplaceAll(stem, " ", "")

	for counter := 1; ; counter++ {
		candidate := filepath.Join(dir, stem+"("+strconv.Itoa(counter)+")"+ext)
		free, err := absent(candidate)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
	}
}

// Split cuts name at its last dot. A name without a dot has an empty ext.
func Split(name string) (stem, ext string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}

// Create claims a unique path derived from desired by creating it with
// O_EXCL, so two writers can never be handed the same name. The returned
// file is empty and open for writing; the caller owns closing it and
// removing it if the claim is abandoned.
func Create(desired string, perm fs.FileMode) (*os.File, string, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		path, err := Path(desired)
		if err != nil {
			return nil, "", err
		}
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("claim %s: %w", path, err)
		}
		return file, path, nil
	}
	return nil, "", fmt.Errorf("claim %s: gave up after %d attempts", desired, maxClaimAttempts)
}

func absent(path string) (bool, error) {
	_, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return false, nil
}
