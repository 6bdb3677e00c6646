// Package harvest turns retrieved messages into staged files: it extracts
// the attachments of one message, stages them and records the message as
// done.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/notesorter/extract"
	"github.com/dhcgn/notesorter/model"
	"github.com/dhcgn/notesorter/stage"
	"github.com/dhcgn/notesorter/state"
	"github.com/dhcgn/notesorter/stats"
)

var ErrStageFailed = errors.New("staging attachment failed")

type Options struct {
	// Source labels tracker records, e.g. "imap:INBOX".
	Source   string
	DryRun   bool
	MaxDepth int
}

// Result describes one harvested message.
type Result struct {
	Staged    []string
	Problems  []extract.Problem
	Duplicate bool
	// Complete is set when every attachment was fetched and staged, so the
	// message may be acknowledged at its source.
	Complete bool
}

type Harvester struct {
	stager  *stage.Stager
	tracker state.Tracker
	emitter stats.Emitter
	logger  *slog.Logger
	opts    Options
}

func New(opts Options, stager *stage.Stager, tracker state.Tracker, emitter stats.Emitter, logger *slog.Logger) *Harvester {
	if tracker == nil {
		tracker = state.NewMemoryTracker()
	}
	return &Harvester{stager: stager, tracker: tracker, emitter: emitter, logger: logger, opts: opts}
}

// Harvest stages every attachment of msg. Parts that cannot be extracted are
// reported in the result; a failed staging write is returned as an error
// wrapping ErrStageFailed.
func (h *Harvester) Harvest(ctx context.Context, msg model.Message, fetcher extract.Fetcher) (Result, error) {
	var result Result
	item := msg.ID
	if item == "" {
		item = msg.Key
	}

	h.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeScanned, Item: item})

	if h.tracker.AlreadyHarvested(msg.Key) {
		h.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeDuplicate, Item: item})
		if h.logger != nil {
			h.logger.Debug("message already harvested", "messageID", msg.ID, "key", msg.Key)
		}
		result.Duplicate = true
		result.Complete = true
		return result, nil
	}

	extractor := extract.New(extract.Options{Fetcher: fetcher, MaxDepth: h.opts.MaxDepth}, h.logger)
	extracted, err := extractor.Extract(ctx, msg.Payload)
	if err != nil {
		return result, err
	}

	result.Problems = extracted.Problems
	for _, p := range extracted.Problems {
		h.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Item: item, Err: p})
	}

	for _, att := range extracted.Attachments {
		att.MessageID = msg.ID
		if h.opts.DryRun {
			h.emit(stats.Event{Stage: stats.StageStage, Type: stats.EventTypeSkipped, Item: att.Filename, Detail: "dry run"})
			if h.logger != nil {
				h.logger.Info("dry-run stage", "messageID", msg.ID, "filename", att.Filename, "size", len(att.Data))
			}
			continue
		}

		path, err := h.stager.Write(att)
		if err != nil {
			h.emit(stats.Event{Stage: stats.StageStage, Type: stats.EventTypeError, Item: att.Filename, Err: err})
			return result, fmt.Errorf("%w: message %s: %w", ErrStageFailed, item, err)
		}
		result.Staged = append(result.Staged, path)
		h.emit(stats.Event{Stage: stats.StageStage, Type: stats.EventTypeStaged, Item: att.Filename, Detail: path})
	}

	result.Complete = !extracted.FetchFailed()
	if !result.Complete {
		if h.logger != nil {
			h.logger.Warn("message only partially harvested, leaving it unacknowledged", "messageID", msg.ID)
		}
		return result, nil
	}

	rec := state.Record{Key: msg.Key, MessageID: msg.ID, Source: h.opts.Source, Attachments: len(extracted.Attachments)}
	if err := h.tracker.MarkHarvested(rec); err != nil {
		return result, fmt.Errorf("record harvested message %s: %w", item, err)
	}
	return result, nil
}

func (h *Harvester) emit(evt stats.Event) {
	if h.emitter != nil {
		h.emitter.EmitEvent(evt)
	}
}
