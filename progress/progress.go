// Package progress renders a terminal progress bar for the sort stage and a
// summary once the batch is done.
package progress

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/notesorter/stats"
)

// Bar tracks distributed files. It only renders at log level info; at other
// levels the log lines are the progress report.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
	done    int
}

func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Start shows the bar for total files. Calling Start again grows the total,
// one call per swept directory.
func (b *Bar) Start(title string, total int) {
	if !b.enabled || total <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		b.pb.Total += total
		return
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		Start()
	if err != nil {
		return
	}
	b.pb = pb
}

// Update advances the bar for every file a sweep looked at.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case evt.Stage == stats.StageDistribute && evt.Type == stats.EventTypeScanned:
		b.done++
		if b.pb == nil {
			return
		}
		b.pb.Increment()
		name := filepath.Base(evt.Item)
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		b.pb.UpdateTitle("Sorting: " + name)
	case evt.Type == stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Done returns how many files the bar has counted.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	b.pb.Stop()
	b.pb = nil
}

func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter prints the batch summary with pterm instead of a log line.
type Reporter struct {
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes the bar and a summary collector to stream. With the
// bar disabled nothing is subscribed and the caller keeps the log reporter.
func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}

func (r *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)

	summary := r.collector.Snapshot()
	duration := time.Since(r.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Messages scanned: %d (already harvested: %d)\n", summary.Scanned, summary.Duplicates)
	pterm.Info.Printf("Attachments staged: %d\n", summary.Staged)
	pterm.Info.Printf("Files distributed: %d (%d copies)\n", summary.Distributed, summary.Copied)
	pterm.Info.Printf("Files kept for retry: %d\n", summary.Retained)
	if len(summary.Keywords) > 0 {
		pterm.Info.Println("Keyword hits:")
		stats.PrettyPrintTop(summary.Keywords, 10)
	}
	if summary.Errors > 0 {
		pterm.Warning.Printf("Errors: %d\n", summary.Errors)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if r.logger != nil {
		r.logger.Debug("stats summary", summary.LogAttrs()...)
	}
	return nil
}
