// Package distribute copies staged files into their default destinations and
// into every destination whose keyword matches the filename, then removes the
// staged original once all copies succeeded.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	humanize "github.com/dustin/go-humanize"

	"github.com/dhcgn/notesorter/stats"
	"github.com/dhcgn/notesorter/uniquify"
)

var (
	ErrSourceMissing         = errors.New("staged file is missing")
	ErrDestinationUnwritable = errors.New("destination unwritable")
	ErrNoDestination         = errors.New("no destination applies")
)

// CopyError describes one copy that did not complete.
type CopyError struct {
	Destination string
	Keyword     string
	Err         error
}

func (c CopyError) Error() string {
	if c.Keyword != "" {
		return fmt.Sprintf("%s (keyword %q): %v", c.Destination, c.Keyword, c.Err)
	}
	return fmt.Sprintf("%s: %v", c.Destination, c.Err)
}

func (c CopyError) Unwrap() error {
	return c.Err
}

// Outcome records what one distribution pass did to a staged file.
type Outcome struct {
	Source  string
	Copies  []string
	Matched []string
	Failed  []CopyError
	Removed bool
	DryRun  bool
}

// Partial reports copies that landed while others failed.
func (o Outcome) Partial() bool {
	return len(o.Copies) > 0 && len(o.Failed) > 0
}

type Options struct {
	Policy Policy
	DryRun bool
}

// Engine distributes files one at a time. It is not safe for concurrent use
// on the same staging directory; hold a lockfile while sweeping.
type Engine struct {
	policy  Policy
	dryRun  bool
	logger  *slog.Logger
	emitter stats.Emitter
}

func New(opts Options, logger *slog.Logger, emitter stats.Emitter) (*Engine, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("destination policy: %w", err)
	}
	return &Engine{policy: opts.Policy, dryRun: opts.DryRun, logger: logger, emitter: emitter}, nil
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Plan returns the destination directories name would be copied to.
func (e *Engine) Plan(name string) []string {
	return e.policy.Targets(filepath.Base(name))
}

// Distribute runs the default copies, then the keyword copies, and removes
// staged only when every attempted copy succeeded. A failed default copy
// stops the pass; failed keyword copies are collected and the remaining
// keyword copies still run.
func (e *Engine) Distribute(ctx context.Context, staged string) (Outcome, error) {
	outcome := Outcome{Source: staged, DryRun: e.dryRun}
	name := filepath.Base(staged)

	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	info, err := os.Stat(staged)
	if errors.Is(err, fs.ErrNotExist) {
		e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeSkipped, Item: name, Detail: "source missing"})
		return outcome, fmt.Errorf("%w: %s", ErrSourceMissing, staged)
	}
	if err != nil {
		return outcome, fmt.Errorf("stat %s: %w", staged, err)
	}
	if !info.Mode().IsRegular() {
		return outcome, fmt.Errorf("%s is not a regular file", staged)
	}

	matched := e.policy.Match(name)
	if len(e.policy.DefaultDestinations) == 0 && len(matched) == 0 {
		e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeSkipped, Item: name, Detail: "no destination"})
		return outcome, fmt.Errorf("%w: %s", ErrNoDestination, staged)
	}

	if e.dryRun {
		return e.plan(outcome, name, matched)
	}

	for _, dir := range e.policy.DefaultDestinations {
		dst, err := copyInto(staged, info, dir)
		if dst != "" {
			outcome.Copies = append(outcome.Copies, dst)
			e.copied(staged, dst, info, "")
		}
		if errors.Is(err, ErrSourceMissing) {
			e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeSkipped, Item: name, Detail: "source missing"})
			return outcome, err
		}
		if err != nil {
			outcome.Failed = append(outcome.Failed, CopyError{Destination: dir, Err: err})
			e.retained(outcome, err)
			return outcome, fmt.Errorf("default destination %s: %w", dir, err)
		}
	}

	for _, rule := range matched {
		outcome.Matched = append(outcome.Matched, rule.Keyword)
		e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeMatched, Item: name, Detail: rule.Keyword})
		if e.logger != nil {
			e.logger.Info("keyword matched", "file", name, "keyword", rule.Keyword, "destinations", rule.Destinations)
		}

		for _, dir := range rule.Destinations {
			dst, err := copyInto(staged, info, dir)
			if dst != "" {
				outcome.Copies = append(outcome.Copies, dst)
				e.copied(staged, dst, info, rule.Keyword)
			}
			if errors.Is(err, ErrSourceMissing) {
				e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeSkipped, Item: name, Detail: "source missing"})
				return outcome, err
			}
			if err != nil {
				outcome.Failed = append(outcome.Failed, CopyError{Destination: dir, Keyword: rule.Keyword, Err: err})
				if e.logger != nil {
					e.logger.Warn("keyword copy failed", "file", name, "keyword", rule.Keyword, "destination", dir, "err", err)
				}
			}
		}
	}

	if len(outcome.Failed) > 0 {
		errs := make([]error, 0, len(outcome.Failed))
		for _, f := range outcome.Failed {
			errs = append(errs, f)
		}
		err := errors.Join(errs...)
		e.retained(outcome, err)
		return outcome, fmt.Errorf("partial distribution of %s: %w", staged, err)
	}

	if err := os.Remove(staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeError, Item: name, Err: err})
		return outcome, fmt.Errorf("remove staged %s: %w", staged, err)
	}
	outcome.Removed = true
	e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeDistributed, Item: name})
	if e.logger != nil {
		e.logger.Debug("file distributed", "file", staged, "copies", len(outcome.Copies))
	}
	return outcome, nil
}

func (e *Engine) plan(outcome Outcome, name string, matched []KeywordRule) (Outcome, error) {
	dirs := append([]string(nil), e.policy.DefaultDestinations...)
	for _, rule := range matched {
		outcome.Matched = append(outcome.Matched, rule.Keyword)
		e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeMatched, Item: name, Detail: rule.Keyword})
		dirs = append(dirs, rule.Destinations...)
	}
	for _, dir := range dirs {
		dst, err := uniquify.Path(filepath.Join(dir, name))
		if err != nil {
			dst = filepath.Join(dir, name)
		}
		outcome.Copies = append(outcome.Copies, dst)
		if e.logger != nil {
			e.logger.Info("dry-run copy", "file", name, "destination", dst)
		}
	}
	e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeSkipped, Item: name, Detail: "dry run"})
	return outcome, nil
}

func (e *Engine) copied(src, dst string, info fs.FileInfo, keyword string) {
	e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeCopied, Item: filepath.Base(src), Detail: dst})
	if e.logger != nil {
		e.logger.Info("file copied", "src", src, "dst", dst, "size", humanize.Bytes(uint64(info.Size())), "keyword", keyword)
	}
}

func (e *Engine) retained(outcome Outcome, err error) {
	name := filepath.Base(outcome.Source)
	e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeError, Item: name, Err: err})
	e.emit(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeRetained, Item: name})
	if e.logger != nil {
		e.logger.Error("distribution incomplete, staged file kept", "file", outcome.Source, "copies", len(outcome.Copies), "failed", len(outcome.Failed), "err", err)
	}
}

func (e *Engine) emit(evt stats.Event) {
	if e.emitter != nil {
		e.emitter.EmitEvent(evt)
	}
}
