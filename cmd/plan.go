package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/notesorter/config"
	"github.com/dhcgn/notesorter/distribute"
	"github.com/dhcgn/notesorter/stats"
)

// PlanEntry is where one file would be copied.
type PlanEntry struct {
	Path     string
	Size     int64
	Keywords []string
	Targets  []string
}

// Plan is the read-only preview of a sort.
type Plan struct {
	Entries []PlanEntry
	// Keywords counts the files each keyword matched.
	Keywords map[string]int
	Unrouted int
	// MissingDirs are configured directories that do not exist.
	MissingDirs []string
}

// NewPlanCommand lists the destinations of every staged and source file
// without touching anything.
func NewPlanCommand() *cobra.Command {
	var (
		topN    int
		csvPath string
	)

	command := &cobra.Command{
		Use:   "plan",
		Short: "Show where each staged or source file would be copied",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			app, err := Setup(c)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			plan, err := BuildPlan(app.Config)
			if err != nil {
				return err
			}
			for _, dir := range plan.MissingDirs {
				app.Logger.Warn("source directory does not exist, skipping", "dir", dir)
			}

			printPlan(c.OutOrStdout(), plan, topN)

			if csvPath != "" {
				if err := savePlanCSV(plan, csvPath); err != nil {
					return fmt.Errorf("error saving CSV report: %w", err)
				}
				fmt.Fprintf(c.OutOrStdout(), "\nReport saved to: %s\n", csvPath)
			}
			return nil
		},
	}

	command.Flags().IntVarP(&topN, "top", "t", 10, "Number of keywords to list by hit count")
	command.Flags().StringVarP(&csvPath, "output", "o", "", "Also write the plan as CSV to this file")
	return command
}

// BuildPlan walks the staging directory and the source directories of cfg
// the way a sort would and resolves the destinations of each file.
func BuildPlan(cfg config.Config) (Plan, error) {
	engine, err := distribute.New(distribute.Options{Policy: cfg.Policy.Destinations, DryRun: true}, nil, nil)
	if err != nil {
		return Plan{}, fmt.Errorf("distribute.New: %w", err)
	}
	plan := Plan{Keywords: make(map[string]int)}

	for _, dir := range sortDirs(cfg) {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			plan.MissingDirs = append(plan.MissingDirs, dir)
			continue
		}
		if err != nil {
			return plan, fmt.Errorf("read source directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}

			planned := PlanEntry{
				Path:    filepath.Join(dir, entry.Name()),
				Size:    info.Size(),
				Targets: engine.Plan(entry.Name()),
			}
			for _, rule := range engine.Policy().Match(entry.Name()) {
				planned.Keywords = append(planned.Keywords, rule.Keyword)
				plan.Keywords[rule.Keyword]++
			}
			if len(planned.Targets) == 0 {
				plan.Unrouted++
			}
			plan.Entries = append(plan.Entries, planned)
		}
	}

	return plan, nil
}

func printPlan(w io.Writer, plan Plan, topN int) {
	if len(plan.Entries) == 0 {
		fmt.Fprintln(w, "No files to sort.")
		return
	}

	for _, entry := range plan.Entries {
		fmt.Fprintf(w, "%s (%s)\n", entry.Path, humanize.Bytes(uint64(entry.Size)))
		if len(entry.Targets) == 0 {
			fmt.Fprintln(w, "  -> no destination, stays in place")
			continue
		}
		for _, target := range entry.Targets {
			fmt.Fprintf(w, "  -> %s\n", target)
		}
	}

	fmt.Fprintf(w, "\n%d files, %d without destination\n", len(plan.Entries), plan.Unrouted)
	if len(plan.Keywords) > 0 {
		fmt.Fprintf(w, "\nTop %d keywords:\n", topN)
		stats.PrettyPrintTop(plan.Keywords, topN)
	}
}

// savePlanCSV writes one row per file and destination.
func savePlanCSV(plan Plan, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"File", "Size", "Keywords", "Destination"}); err != nil {
		return err
	}
	for _, entry := range plan.Entries {
		size := fmt.Sprintf("%d", entry.Size)
		keywords := strings.Join(entry.Keywords, " ")
		if len(entry.Targets) == 0 {
			if err := writer.Write([]string{entry.Path, size, keywords, ""}); err != nil {
				return err
			}
			continue
		}
		for _, target := range entry.Targets {
			if err := writer.Write([]string{entry.Path, size, keywords, target}); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
