package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/notesorter/filter"
	"github.com/dhcgn/notesorter/harvest"
	"github.com/dhcgn/notesorter/model"
	"github.com/dhcgn/notesorter/runner"
	"github.com/dhcgn/notesorter/stats"
)

var ErrNoBodyStructure = errors.New("server returned no body structure")

// Harvester stages the attachments of every unseen message in the mailbox
// and marks a message seen once all of its attachments are staged.
type Harvester struct {
	opts      Options
	filter    *filter.Filter
	harvester *harvest.Harvester
	emitter   stats.Emitter
	logger    *slog.Logger
}

// NewHarvester validates opts and registers the harvest as a stage of r.
func NewHarvester(opts Options, f *filter.Filter, h *harvest.Harvester, r *runner.Runner, logger *slog.Logger) (*Harvester, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if h == nil {
		return nil, fmt.Errorf("harvester must not be nil")
	}
	ih := &Harvester{opts: opts, filter: f, harvester: h, emitter: r, logger: logger}
	r.AddStage("imap", ih.Run)
	return ih, nil
}

func (h *Harvester) Run(ctx context.Context) error {
	sess, err := dial(ctx, h.opts, h.logger)
	if err != nil {
		h.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Err: err})
		return err
	}
	defer sess.close()

	search, err := sess.client.UIDSearch(&imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return fmt.Errorf("search unseen in %s: %w", sess.mailbox, err)
	}
	uids := search.AllUIDs()
	if h.logger != nil {
		h.logger.Info("identified unseen messages", "mailbox", sess.mailbox, "count", len(uids))
	}

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.harvestOne(ctx, sess, uid); err != nil {
			return err
		}
	}
	return nil
}

// harvestOne returns an error only for failures that should stop the batch.
func (h *Harvester) harvestOne(ctx context.Context, sess *session, uid imapv2.UID) error {
	headerItem := &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierHeader, Peek: true}
	textItem := &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierText, Peek: true}

	options := &imapv2.FetchOptions{
		UID:           true,
		Envelope:      true,
		InternalDate:  true,
		RFC822Size:    true,
		BodyStructure: &imapv2.FetchItemBodyStructure{Extended: true},
	}
	if h.filter != nil && h.filter.NeedsHeader() {
		options.BodySection = append(options.BodySection, headerItem)
	}
	if h.filter != nil && h.filter.NeedsBody() {
		options.BodySection = append(options.BodySection, textItem)
	}

	msgs, err := sess.client.Fetch(imapv2.UIDSetNum(uid), options).Collect()
	if err != nil {
		return fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		if h.logger != nil {
			h.logger.Debug("message vanished before fetch", "uid", uid)
		}
		return nil
	}
	buf := msgs[0]

	if buf.BodyStructure == nil {
		err := fmt.Errorf("uid %d: %w", uid, ErrNoBodyStructure)
		h.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Err: err})
		if h.logger != nil {
			h.logger.Warn("skipping message", "uid", uid, "err", err)
		}
		return nil
	}

	var messageID string
	if buf.Envelope != nil {
		messageID = buf.Envelope.MessageID
	}

	if h.filter != nil && h.filter.Mode() != filter.ModeNone {
		verdict := h.filter.Check(buf.FindBodySection(headerItem), buf.FindBodySection(textItem))
		if !verdict.Allowed {
			h.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeSkipped, Item: messageID, Detail: "filtered"})
			if h.logger != nil {
				h.logger.Debug("message filtered", "uid", uid, "messageID", messageID, "pattern", verdict.Pattern)
			}
			return nil
		}
	}

	tree := buildTree(buf.BodyStructure)
	msg := model.Message{
		ID:         messageID,
		Key:        messageKey(sess.mailbox, sess.uidValidity, uid),
		ReceivedAt: buf.InternalDate,
		Size:       buf.RFC822Size,
		Payload:    tree.root,
	}

	fetcher := &sectionFetcher{client: sess.client, uid: uid, encodings: tree.encodings}
	result, err := h.harvester.Harvest(ctx, msg, fetcher)
	if err != nil {
		return err
	}

	if !result.Complete || !h.opts.MarkSeen || h.opts.DryRun {
		return nil
	}
	if err := markSeen(sess, uid); err != nil {
		h.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Item: messageID, Err: err})
		if h.logger != nil {
			h.logger.Warn("could not mark message as seen", "uid", uid, "messageID", messageID, "err", err)
		}
		return nil
	}
	if h.logger != nil {
		h.logger.Debug("message marked as seen", "uid", uid, "messageID", messageID, "staged", len(result.Staged))
	}
	return nil
}

func markSeen(sess *session, uid imapv2.UID) error {
	cmd := sess.client.Store(imapv2.UIDSetNum(uid), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("store \\Seen on uid %d: %w", uid, err)
	}
	return nil
}

func (h *Harvester) emit(evt stats.Event) {
	if h.emitter != nil {
		h.emitter.EmitEvent(evt)
	}
}
