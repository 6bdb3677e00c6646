package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/notesorter/config"
	"github.com/dhcgn/notesorter/distribute"
	"github.com/dhcgn/notesorter/filter"
	"github.com/dhcgn/notesorter/harvest"
	"github.com/dhcgn/notesorter/imap"
	"github.com/dhcgn/notesorter/lockfile"
	"github.com/dhcgn/notesorter/mbox"
	"github.com/dhcgn/notesorter/progress"
	"github.com/dhcgn/notesorter/runner"
	"github.com/dhcgn/notesorter/stage"
	"github.com/dhcgn/notesorter/state"
	"github.com/dhcgn/notesorter/stats"
)

// Steps selects the stages of one batch.
type Steps struct {
	// Harvest fetches unseen IMAP messages when a host is configured.
	Harvest bool
	// MboxPath imports an mbox archive instead of, or next to, the mailbox.
	MboxPath string
	// Sort distributes the staging directory and every source directory.
	Sort bool
}

// Run is the RunE body shared by the batch commands.
func Run(c *cobra.Command, steps Steps) error {
	app, err := Setup(c)
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()

	app.Logger.Info("starting notesorter",
		"policy", app.Config.PolicyPath,
		"staging", app.Config.StagingDir,
		"imap", app.Config.IMAPEnabled() && steps.Harvest,
		"mbox", steps.MboxPath,
		"sort", steps.Sort,
		"dryRun", app.Config.DryRun,
	)

	return RunBatch(c.Context(), app, steps)
}

// RunBatch holds the staging lock for the whole batch, then harvests and
// sorts in that order. Files that could not be delivered stay staged for the
// next run.
func RunBatch(ctx context.Context, app *App, steps Steps) error {
	cfg, logger := app.Config, app.Logger

	lock, err := lockfile.Acquire(cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("staging directory %s: %w", cfg.StagingDir, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release staging lock", "path", lock.Path(), "err", err)
		}
	}()

	r := runner.New(ctx, logger)
	defer r.Close()
	bar := progress.New(cfg.LogLevel)

	if steps.Harvest || steps.MboxPath != "" {
		tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
		if err != nil {
			return fmt.Errorf("state.NewFileTracker: %w", err)
		}
		defer func() {
			if err := tracker.Close(); err != nil {
				logger.Error("failed to close state file", "path", tracker.Path(), "err", err)
			}
		}()

		if err := addHarvestStages(cfg, steps, tracker, r, logger); err != nil {
			return err
		}
	}

	if steps.Sort {
		engine, err := distribute.New(distribute.Options{
			Policy: cfg.Policy.Destinations,
			DryRun: cfg.DryRun,
		}, logger, r)
		if err != nil {
			return fmt.Errorf("distribute.New: %w", err)
		}
		dirs := sortDirs(cfg)
		r.AddStage("sort", func(ctx context.Context) error {
			return sortAll(ctx, engine, bar, dirs, logger)
		})
	}

	// subscribe only once every stage is in place
	if bar.Enabled() {
		progress.NewReporter(r, bar, logger)
	} else {
		stats.NewReporter(r, logger)
	}

	return r.Start()
}

func addHarvestStages(cfg config.Config, steps Steps, tracker state.Tracker, r *runner.Runner, logger *slog.Logger) error {
	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	stager, err := stage.New(cfg.StagingDir, logger)
	if err != nil {
		return fmt.Errorf("stage.New: %w", err)
	}

	if steps.MboxPath != "" {
		h := harvest.New(harvest.Options{
			Source: "mbox:" + filepath.Base(steps.MboxPath),
			DryRun: cfg.DryRun,
		}, stager, tracker, r, logger)

		reader, err := mbox.NewReader(mbox.Options{Path: steps.MboxPath, Filter: f}, r, logger)
		if err != nil {
			return fmt.Errorf("mbox.NewReader: %w", err)
		}
		mbox.NewImporter(reader, h, r, logger)
	}

	if steps.Harvest {
		if !cfg.IMAPEnabled() {
			logger.Info("no imap host configured, skipping mail harvest")
			return nil
		}

		h := harvest.New(harvest.Options{
			Source: "imap:" + cfg.Mailbox,
			DryRun: cfg.DryRun,
		}, stager, tracker, r, logger)

		opts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
			MarkSeen:           cfg.MarkSeen,
			DryRun:             cfg.DryRun,
		}
		if _, err := imap.NewHarvester(opts, f, h, r, logger); err != nil {
			return fmt.Errorf("imap.NewHarvester: %w", err)
		}
	}

	return nil
}

// sortDirs lists the staging directory first, then the configured source
// directories, each once.
func sortDirs(cfg config.Config) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, dir := range append([]string{cfg.StagingDir}, cfg.Policy.SourceDirectories...) {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		clean := filepath.Clean(dir)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		dirs = append(dirs, clean)
	}
	return dirs
}

func sortAll(ctx context.Context, engine *distribute.Engine, bar *progress.Bar, dirs []string, logger *slog.Logger) error {
	for _, dir := range dirs {
		n, err := countFiles(dir)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("source directory does not exist, skipping", "dir", dir)
			continue
		}
		if err != nil {
			return err
		}

		bar.Start("Sorting", n)
		summary, err := engine.Sweep(ctx, dir)
		if err != nil {
			return err
		}
		logger.Info("directory sorted",
			"dir", summary.Dir,
			"files", summary.Files,
			"distributed", summary.Distributed,
			"retained", summary.Retained,
			"unrouted", summary.Unrouted,
			"missing", summary.Missing,
		)
	}
	return nil
}

// countFiles counts the files a sweep of dir will look at.
func countFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
			n++
		}
	}
	return n, nil
}
