package distribute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/notesorter/stats"
)

// SweepSummary counts what one pass over a directory did.
type SweepSummary struct {
	Dir         string
	Files       int
	Distributed int
	Retained    int
	Missing     int
	Unrouted    int
}

// Sweep distributes every regular file found in a snapshot of dir, one after
// the other. Per-file failures are logged and counted; only a directory that
// cannot be listed, or a cancelled context, is returned as an error.
func (e *Engine) Sweep(ctx context.Context, dir string) (SweepSummary, error) {
	summary := SweepSummary{Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return summary, fmt.Errorf("read source directory %s: %w", dir, err)
	}

	if len(entries) == 0 {
		if e.logger != nil {
			e.logger.Info("identified no files to sort", "dir", dir)
		}
		return summary, nil
	}
	if e.logger != nil {
		e.logger.Info("identified files to be sorted", "dir", dir, "entries", len(entries))
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !entry.Type().IsRegular() || isHidden(entry.Name()) {
			continue
		}
		summary.Files++

		path := filepath.Join(dir, entry.Name())
		e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeScanned, Item: entry.Name()})

		outcome, err := e.Distribute(ctx, path)
		switch {
		case err == nil && outcome.Removed:
			summary.Distributed++
		case err == nil:
			// dry run
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return summary, err
		case errors.Is(err, ErrSourceMissing):
			summary.Missing++
			if e.logger != nil {
				e.logger.Warn("file vanished before distribution", "file", path)
			}
		case errors.Is(err, ErrNoDestination):
			summary.Unrouted++
			if e.logger != nil {
				e.logger.Warn("no destination configured for file, leaving it in place", "file", path)
			}
		default:
			summary.Retained++
		}
	}

	return summary, nil
}

// isHidden skips dot files such as the staging lock.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
