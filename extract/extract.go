// Package extract walks a message part tree and returns the decoded payloads
// of every part flagged as an attachment.
package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"github.com/dhcgn/notesorter/model"
)

// DefaultMaxDepth bounds how deep the walker descends into nested parts.
const DefaultMaxDepth = 64

var (
	ErrMalformedPart = errors.New("malformed message part")
	ErrDecodeFailure = errors.New("payload is not valid base64url")
	ErrFetchFailed   = errors.New("attachment fetch failed")
)

// Fetcher resolves an attachment id to its base64url encoded payload.
type Fetcher interface {
	FetchAttachment(ctx context.Context, attachmentID string) (string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, attachmentID string) (string, error)

func (f FetcherFunc) FetchAttachment(ctx context.Context, attachmentID string) (string, error) {
	return f(ctx, attachmentID)
}

// Problem records a part that was skipped during the walk.
type Problem struct {
	PartID   string
	Filename string
	Err      error
}

func (p Problem) Error() string {
	if p.Filename != "" {
		return fmt.Sprintf("part %q (%s): %v", p.PartID, p.Filename, p.Err)
	}
	return fmt.Sprintf("part %q: %v", p.PartID, p.Err)
}

func (p Problem) Unwrap() error {
	return p.Err
}

// Result holds the attachments found in document order and every part that
// had to be skipped.
type Result struct {
	Attachments []model.Attachment
	Problems    []Problem
}

// FetchFailed reports whether any attachment could not be retrieved. Callers
// use it to avoid acknowledging a message whose payload was not harvested.
func (r Result) FetchFailed() bool {
	for _, p := range r.Problems {
		if errors.Is(p.Err, ErrFetchFailed) {
			return true
		}
	}
	return false
}

// Options configures an Extractor.
type Options struct {
	Fetcher  Fetcher
	MaxDepth int
}

// Extractor finds attachments in message part trees.
type Extractor struct {
	fetcher  Fetcher
	maxDepth int
	logger   *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Extractor {
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return &Extractor{fetcher: opts.Fetcher, maxDepth: depth, logger: logger}
}

// Extract is a convenience wrapper around New(...).Extract without logging.
func Extract(ctx context.Context, root model.MessagePart, fetcher Fetcher) (Result, error) {
	return New(Options{Fetcher: fetcher}, nil).Extract(ctx, root)
}

type frame struct {
	part  *model.MessagePart
	depth int
}

// Extract walks root depth-first. Malformed parts are reported in the result
// and never stop the walk; only context cancellation returns an error.
func (e *Extractor) Extract(ctx context.Context, root model.MessagePart) (Result, error) {
	var result Result

	stack := []frame{{part: &root}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		part := top.part

		if len(part.Parts) > 0 {
			if top.depth >= e.maxDepth {
				e.skip(&result, part, fmt.Errorf("%w: nesting deeper than %d", ErrMalformedPart, e.maxDepth))
				continue
			}
			// reverse push keeps document order on pop
			for i := len(part.Parts) - 1; i >= 0; i-- {
				stack = append(stack, frame{part: &part.Parts[i], depth: top.depth + 1})
			}
			continue
		}

		if isBodyText(part.MimeType) {
			continue
		}

		if part.Headers == nil {
			e.skip(&result, part, fmt.Errorf("%w: no headers", ErrMalformedPart))
			continue
		}

		disposition, ok := part.Header("Content-Disposition")
		if !ok || !strings.Contains(strings.ToLower(disposition), "attachment") {
			continue
		}

		if strings.TrimSpace(part.Filename) == "" {
			e.skip(&result, part, fmt.Errorf("%w: attachment without filename", ErrMalformedPart))
			continue
		}

		data, err := e.payload(ctx, part)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			e.skip(&result, part, err)
			continue
		}

		result.Attachments = append(result.Attachments, model.Attachment{
			PartID:   part.PartID,
			Filename: part.Filename,
			MimeType: part.MimeType,
			Data:     data,
		})
	}

	return result, nil
}

func (e *Extractor) payload(ctx context.Context, part *model.MessagePart) ([]byte, error) {
	if part.Body == nil {
		return nil, fmt.Errorf("%w: attachment without body", ErrMalformedPart)
	}

	// a body without attachment id is inline, and empty data is an empty file
	encoded := part.Body.Data
	if encoded == "" && part.Body.AttachmentID != "" {
		if e.fetcher == nil {
			return nil, fmt.Errorf("%w: no fetcher for attachment id %q", ErrFetchFailed, part.Body.AttachmentID)
		}
		fetched, err := e.fetcher.FetchAttachment(ctx, part.Body.AttachmentID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		encoded = fetched
	}

	data, err := DecodeBase64URL(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrMalformedPart, ErrDecodeFailure, err)
	}
	return data, nil
}

func (e *Extractor) skip(result *Result, part *model.MessagePart, err error) {
	problem := Problem{PartID: part.PartID, Filename: part.Filename, Err: err}
	result.Problems = append(result.Problems, problem)
	if e.logger != nil {
		e.logger.Warn("skipping message part", "part", part.PartID, "filename", part.Filename, "mimeType", part.MimeType, "err", err)
	}
}

// DecodeBase64URL accepts padded and unpadded base64url. Line breaks are
// ignored.
func DecodeBase64URL(encoded string) ([]byte, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "", "\t", "").Replace(encoded)
	data, err := base64.URLEncoding.DecodeString(cleaned)
	if err == nil {
		return data, nil
	}
	data, rawErr := base64.RawURLEncoding.DecodeString(cleaned)
	if rawErr == nil {
		return data, nil
	}
	return nil, err
}

// EncodeBase64URL is the inverse of DecodeBase64URL.
func EncodeBase64URL(data []byte) string {
	return base64.URLEncoding.EncodeToString(data)
}

func isBodyText(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType == "text/plain" || mediaType == "text/html"
}
