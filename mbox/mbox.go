// Package mbox harvests attachments from mbox archives, the offline
// counterpart of the IMAP source.
package mbox

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/notesorter/extract"
	"github.com/dhcgn/notesorter/filter"
	"github.com/dhcgn/notesorter/harvest"
	"github.com/dhcgn/notesorter/model"
	"github.com/dhcgn/notesorter/runner"
	"github.com/dhcgn/notesorter/stats"
)

type Options struct {
	Path   string
	Filter *filter.Filter
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// NewReader streams the archive at opts.Path.
func NewReader(opts Options, emitter stats.Emitter, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	open := func() (io.ReadCloser, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open mbox: %w", err)
		}
		return file, nil
	}
	return &fileReader{name: path, open: open, filter: opts.Filter, emitter: emitter, logger: logger}, nil
}

// NewStreamReader reads an archive from r; name only labels log lines.
func NewStreamReader(name string, r io.Reader, f *filter.Filter, emitter stats.Emitter, logger *slog.Logger) Reader {
	open := func() (io.ReadCloser, error) { return io.NopCloser(r), nil }
	return &fileReader{name: name, open: open, filter: f, emitter: emitter, logger: logger}
}

type fileReader struct {
	name    string
	open    func() (io.ReadCloser, error)
	filter  *filter.Filter
	emitter stats.Emitter
	logger  *slog.Logger
}

// Stream sends every message that passes the filter. A message that cannot
// be parsed is sent as an envelope error and the stream continues; a broken
// archive framing ends the stream.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	src, err := f.open()
	if err != nil {
		return err
	}
	defer src.Close()
	reader := mboxlib.NewReader(src)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return f.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err))
		}

		if f.filter != nil {
			header, body := filter.SplitRawMessage(raw)
			if verdict := f.filter.Check(header, body); !verdict.Allowed {
				if f.emitter != nil {
					f.emitter.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeSkipped, Item: fmt.Sprintf("message %d", idx), Detail: "filtered"})
				}
				if f.logger != nil {
					f.logger.Debug("message filtered", "index", idx, "pattern", verdict.Pattern)
				}
				continue
			}
		}

		msg, err := parseMessage(raw)
		if err != nil {
			if err := f.emitEnvelope(ctx, out, model.Envelope{Err: fmt.Errorf("message %d parse: %w", idx, err)}); err != nil {
				return err
			}
			continue
		}

		if err := f.emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.name, "err", err)
	}
	return f.emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// parseMessage builds the part tree of raw. The key is the content hash, so
// the same message imported twice is recognised.
func parseMessage(raw []byte) (model.Message, error) {
	entity, err := extract.ReadEntity(raw)
	if err != nil {
		return model.Message{}, err
	}

	header := mail.Header{Header: entity.Header}
	id, _ := header.MessageID()

	var receivedAt time.Time
	if date, err := header.Date(); err == nil {
		receivedAt = date
	}

	payload, err := extract.FromEntity(entity)
	if err != nil {
		return model.Message{}, err
	}

	sum := sha256.Sum256(raw)
	return model.Message{
		ID:         id,
		Key:        "sha256:" + base64.StdEncoding.EncodeToString(sum[:]),
		ReceivedAt: receivedAt,
		Size:       int64(len(raw)),
		Payload:    payload,
	}, nil
}

// Importer is the batch stage that feeds an archive through a harvester.
type Importer struct {
	reader    Reader
	harvester *harvest.Harvester
	emitter   stats.Emitter
	logger    *slog.Logger
}

// NewImporter registers the import as a stage of r.
func NewImporter(reader Reader, harvester *harvest.Harvester, r *runner.Runner, logger *slog.Logger) *Importer {
	imp := &Importer{reader: reader, harvester: harvester, emitter: r, logger: logger}
	r.AddStage("mbox", imp.Run)
	return imp
}

// Run harvests every streamed message. Unparseable messages are counted and
// skipped; a staging failure stops the import.
func (i *Importer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan model.Envelope, 8)
	done := make(chan error, 1)
	go func() {
		done <- i.reader.Stream(ctx, out)
		close(out)
	}()

	for env := range out {
		if env.Err != nil {
			if i.emitter != nil {
				i.emitter.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Err: env.Err})
			}
			if i.logger != nil {
				i.logger.Warn("skipping unreadable message", "err", env.Err)
			}
			continue
		}

		if _, err := i.harvester.Harvest(ctx, env.Message, nil); err != nil {
			cancel()
			for range out {
			}
			<-done
			return err
		}
	}

	return <-done
}

// CountMessages counts the messages in an mbox file without parsing them.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, err
		}
		count++
	}
}
