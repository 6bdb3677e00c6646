// Package imap harvests attachments from unseen messages of an IMAP mailbox.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	retry "github.com/StirlingMarketingGroup/go-retry"
	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// DialRetries is how often establishing the connection is retried.
var DialRetries = 3

// FetchRetries bounds the attempts to download one body section.
var FetchRetries = 3

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	MarkSeen           bool
	DryRun             bool
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

// session is a logged in connection with the mailbox selected.
type session struct {
	client      *imapclient.Client
	mailbox     string
	uidValidity uint32
	cleanup     func()
}

// dial connects, logs in and selects the mailbox. Only the connection is
// retried; a rejected login is returned at once.
func dial(ctx context.Context, opts Options, logger *slog.Logger) (*session, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var client *imapclient.Client
	err := retry.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if opts.UseTLS {
			client, err = imapclient.DialTLS(address, options)
		} else {
			client, err = imapclient.DialInsecure(address, options)
		}
		return err
	}, DialRetries, func(err error) error {
		if logger != nil {
			logger.Warn("imap connection failed, retrying", "address", address, "err", err)
		}
		return nil
	}, func() error {
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	mailbox := opts.mailbox()
	// read-only selection keeps the \Seen flag untouched when nothing may be marked
	selected, err := client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: !opts.MarkSeen || opts.DryRun}).Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select mailbox %s: %w", mailbox, err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "mailbox", mailbox, "messages", selected.NumMessages, "tls", opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && logger != nil {
				logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && logger != nil {
			logger.Debug("imap connection closed", "err", err)
		}
	}

	return &session{client: client, mailbox: mailbox, uidValidity: selected.UIDValidity, cleanup: cleanup}, nil
}

func (s *session) close() {
	if s != nil && s.cleanup != nil {
		s.cleanup()
	}
}

// messageKey identifies a message across runs.
func messageKey(mailbox string, uidValidity uint32, uid imapv2.UID) string {
	return fmt.Sprintf("imap:%s:%d:%d", mailbox, uidValidity, uid)
}
