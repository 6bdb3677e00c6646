package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"

	retry "github.com/StirlingMarketingGroup/go-retry"
	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"

	"github.com/dhcgn/notesorter/extract"
)

// sectionFetcher downloads single body sections of one message on demand.
// Sections are fetched with PEEK so reading them never sets \Seen.
type sectionFetcher struct {
	client    *imapclient.Client
	uid       imapv2.UID
	encodings map[string]string
}

func (f *sectionFetcher) FetchAttachment(ctx context.Context, section string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := parseSection(section)
	if err != nil {
		return "", err
	}

	item := &imapv2.FetchItemBodySection{Part: path, Peek: true}
	var msgs []*imapclient.FetchMessageBuffer
	err = retry.Retry(func() error {
		var err error
		msgs, err = f.client.Fetch(imapv2.UIDSetNum(f.uid), &imapv2.FetchOptions{
			UID:         true,
			BodySection: []*imapv2.FetchItemBodySection{item},
		}).Collect()
		return err
	}, FetchRetries, func(error) error {
		return nil
	}, func() error {
		return ctx.Err()
	})
	if err != nil {
		return "", fmt.Errorf("fetch uid %d section %s: %w", f.uid, section, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("fetch uid %d section %s: message vanished", f.uid, section)
	}

	raw := msgs[0].FindBodySection(item)
	if raw == nil {
		return "", fmt.Errorf("fetch uid %d section %s: server returned no data", f.uid, section)
	}

	data, err := decodeSection(raw, f.encodings[section])
	if err != nil {
		return "", fmt.Errorf("decode uid %d section %s: %w", f.uid, section, err)
	}
	return extract.EncodeBase64URL(data), nil
}

// decodeSection undoes the transfer encoding of a fetched body section.
func decodeSection(raw []byte, encoding string) ([]byte, error) {
	var header message.Header
	if encoding != "" {
		header.Set("Content-Transfer-Encoding", encoding)
	}
	entity, err := message.New(header, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	data, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, err
	}
	return data, nil
}
