// Package stage writes harvested attachments into the staging directory
// where they wait for distribution.
package stage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/atomicfile"
	humanize "github.com/dustin/go-humanize"

	"github.com/dhcgn/notesorter/model"
	"github.com/dhcgn/notesorter/uniquify"
)

const fallbackName = "attachment"

// Stager owns the writes into one staging directory.
type Stager struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) (*Stager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("staging directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Stager{dir: dir, logger: logger}, nil
}

func (s *Stager) Dir() string {
	return s.dir
}

// Write stores the attachment under a collision-free name and returns the
// staged path. The name is claimed before the content lands, and the content
// is renamed into place so a crash never leaves a truncated staged file.
func (s *Stager) Write(att model.Attachment) (string, error) {
	name := SafeName(att.Filename)

	placeholder, path, err := uniquify.Create(filepath.Join(s.dir, name), 0o644)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	if err := placeholder.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("stage %s: %w", name, err)
	}

	if err := atomicfile.WriteData(path, att.Data, 0o644); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("stage %s: %w", name, err)
	}

	if s.logger != nil {
		s.logger.Info("staged attachment", "file", path, "size", humanize.Bytes(uint64(len(att.Data))), "messageID", att.MessageID)
	}
	return path, nil
}

// SafeName reduces an attachment filename to a single path element.
func SafeName(filename string) string {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))

	invalid := strings.NewReplacer(":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "_")
	name = invalid.Replace(name)
	// dot files are never picked up by a sweep
	name = strings.TrimLeft(name, ".")

	if name == "" || name == "/" {
		return fallbackName
	}
	return name
}
