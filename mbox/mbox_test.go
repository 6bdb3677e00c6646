package mbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/notesorter/filter"
	"github.com/dhcgn/notesorter/harvest"
	"github.com/dhcgn/notesorter/model"
	"github.com/dhcgn/notesorter/runner"
	"github.com/dhcgn/notesorter/stage"
	"github.com/dhcgn/notesorter/state"
)

const archive = `From scanner@campus.example Mon Mar  4 09:00:00 2024
From: Scanner <scanner@campus.example>
To: ana@campus.example
Subject: ETSC160 lab scan
Message-ID: <lab1@campus.example>
Date: Mon, 04 Mar 2024 09:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: text/plain; charset=utf-8

Scan attached.
--outer
Content-Type: application/pdf; name="ETSC160_lab1.pdf"
Content-Disposition: attachment; filename="ETSC160_lab1.pdf"
Content-Transfer-Encoding: base64

SGVsbG8gV29ybGQ=
--outer--

From news@shop.example Mon Mar  4 10:00:00 2024
From: Shop <news@shop.example>
To: ana@campus.example
Subject: Weekly newsletter
Message-ID: <news1@shop.example>
Date: Mon, 04 Mar 2024 10:00:00 +0000
Content-Type: text/plain; charset=utf-8

Nothing to see here.

From prof@campus.example Tue Mar  5 08:00:00 2024
From: Prof <prof@campus.example>
To: ana@campus.example
Subject: Math notes
Date: Tue, 05 Mar 2024 08:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b2"

--b2
Content-Type: text/plain

See attachment.
--b2
Content-Type: text/plain; name="math_week1.txt"
Content-Disposition: attachment; filename="math_week1.txt"

x^2 + y^2
--b2--
`

func collect(t *testing.T, reader Reader) []model.Envelope {
	t.Helper()
	out := make(chan model.Envelope, 10)
	done := make(chan error, 1)
	go func() {
		done <- reader.Stream(context.Background(), out)
		close(out)
	}()

	var envelopes []model.Envelope
	for env := range out {
		envelopes = append(envelopes, env)
	}
	if err := <-done; err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	return envelopes
}

func TestStream_ParsesMessages(t *testing.T) {
	envelopes := collect(t, NewStreamReader("fixture", strings.NewReader(archive), nil, nil, nil))
	if len(envelopes) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(envelopes))
	}
	for i, env := range envelopes {
		if env.Err != nil {
			t.Fatalf("envelope %d error = %v", i, env.Err)
		}
		if !strings.HasPrefix(env.Message.Key, "sha256:") {
			t.Errorf("envelope %d key = %q", i, env.Message.Key)
		}
	}

	first := envelopes[0].Message
	if first.ID != "lab1@campus.example" {
		t.Errorf("ID = %q, want lab1@campus.example", first.ID)
	}
	if first.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not parsed")
	}
	if got := len(first.Payload.Parts); got != 2 {
		t.Errorf("payload parts = %d, want 2", got)
	}
	if envelopes[2].Message.ID != "" {
		t.Errorf("message without Message-ID got ID %q", envelopes[2].Message.ID)
	}
}

func TestStream_WithFilters(t *testing.T) {
	tests := []struct {
		name string
		opts filter.Options
		want int
	}{
		{name: "no filters", opts: filter.Options{}, want: 3},
		{name: "include campus senders", opts: filter.Options{IncludeHeader: []string{`From:.*@campus\.example`}}, want: 2},
		{name: "exclude newsletters", opts: filter.Options{ExcludeHeader: []string{`(?i)subject:.*newsletter`}}, want: 2},
		{name: "include body", opts: filter.Options{IncludeBody: []string{"x\\^2"}}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := filter.New(tt.opts)
			if err != nil {
				t.Fatalf("filter.New() error = %v", err)
			}
			envelopes := collect(t, NewStreamReader("fixture", strings.NewReader(archive), f, nil, nil))
			if len(envelopes) != tt.want {
				t.Errorf("got %d envelopes, want %d", len(envelopes), tt.want)
			}
		})
	}
}

func TestImporter_StagesAttachments(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stagingDir := t.TempDir()
	stager, err := stage.New(stagingDir, logger)
	if err != nil {
		t.Fatal(err)
	}
	tracker := state.NewMemoryTracker()

	r := runner.New(context.Background(), logger)
	h := harvest.New(harvest.Options{Source: "mbox:fixture"}, stager, tracker, r, logger)
	NewImporter(NewStreamReader("fixture", strings.NewReader(archive), nil, r, logger), h, r, logger)

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(stagingDir, "ETSC160_lab1.pdf"))
	if err != nil {
		t.Fatalf("staged pdf: %v", err)
	}
	if string(got) != "Hello World" {
		t.Errorf("pdf content = %q, want %q", got, "Hello World")
	}
	// text/plain parts are message text, never files to sort
	if _, err := os.Stat(filepath.Join(stagingDir, "math_week1.txt")); !os.IsNotExist(err) {
		t.Errorf("text attachment was staged: %v", err)
	}
	if got := tracker.Snapshot().Harvested; got != 3 {
		t.Errorf("harvested = %d, want 3", got)
	}
}

func TestCountMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")
	if err := os.WriteFile(path, []byte(archive), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := CountMessages(path)
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CountMessages() = %d, want 3", n)
	}
}
