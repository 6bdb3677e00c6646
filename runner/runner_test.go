package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/dhcgn/notesorter/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_StagesRunInOrder(t *testing.T) {
	r := New(context.Background(), discardLogger())

	var order []string
	r.AddStage("fetch", func(context.Context) error { order = append(order, "fetch"); return nil })
	r.AddStage("sort", func(context.Context) error { order = append(order, "sort"); return nil })

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if want := []string{"fetch", "sort"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if err := r.Start(); err == nil {
		t.Error("second Start() error = nil, want error")
	}
}

func TestRunner_StopsAtFirstError(t *testing.T) {
	r := New(context.Background(), discardLogger())
	boom := errors.New("boom")

	ran := false
	r.AddStage("fetch", func(context.Context) error { return boom })
	r.AddStage("sort", func(context.Context) error { ran = true; return nil })

	err := r.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want boom", err)
	}
	if ran {
		t.Error("stage after failure ran")
	}
}

func TestRunner_EventsReachSubscribers(t *testing.T) {
	r := New(context.Background(), discardLogger())
	reporter := stats.NewReporter(r, discardLogger())

	r.AddStage("sort", func(context.Context) error {
		for i := 0; i < 300; i++ {
			r.EmitEvent(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeCopied, Item: "a.pdf"})
		}
		r.EmitEvent(stats.Event{Stage: stats.StageDistribute, Type: stats.EventTypeMatched, Item: "a.pdf", Detail: "etsc160"})
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	summary := reporter.Summary()
	if summary.Copied != 300 {
		t.Errorf("Copied = %d, want 300", summary.Copied)
	}
	if summary.Keywords["etsc160"] != 1 {
		t.Errorf("Keywords = %v, want etsc160:1", summary.Keywords)
	}
}

func TestRunner_NoSubscriberDoesNotBlock(t *testing.T) {
	r := New(context.Background(), discardLogger())
	r.AddStage("sort", func(context.Context) error {
		for i := 0; i < 1000; i++ {
			r.EmitEvent(stats.Event{Type: stats.EventTypeScanned})
		}
		return nil
	})
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestRunner_CancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(ctx, discardLogger())
	ran := false
	r.AddStage("sort", func(context.Context) error { ran = true; return nil })

	if err := r.Start(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}
	if ran {
		t.Error("stage ran on cancelled context")
	}
}

func TestRunner_EverySubscriberSeesEveryEvent(t *testing.T) {
	r := New(context.Background(), discardLogger())
	first := stats.NewReporter(r, discardLogger())
	second := stats.NewReporter(r, discardLogger())

	quitter := errors.New("quit")
	r.SubscribeStats("quitter", func(context.Context, <-chan stats.Event) error { return quitter })

	r.AddStage("sort", func(context.Context) error {
		for i := 0; i < 500; i++ {
			r.EmitEvent(stats.Event{Type: stats.EventTypeDistributed})
		}
		return nil
	})

	err := r.Start()
	if !errors.Is(err, quitter) {
		t.Fatalf("Start() error = %v, want quitter", err)
	}
	if got := first.Summary().Distributed; got != 500 {
		t.Errorf("first Distributed = %d, want 500", got)
	}
	if got := second.Summary().Distributed; got != 500 {
		t.Errorf("second Distributed = %d, want 500", got)
	}
}

func TestRunner_CloseWithoutStart(t *testing.T) {
	r := New(context.Background(), discardLogger())

	stopped := make(chan error, 1)
	r.SubscribeStats("watcher", func(ctx context.Context, events <-chan stats.Event) error {
		for range events {
		}
		stopped <- ctx.Err()
		return nil
	})
	ran := false
	r.AddStage("sort", func(context.Context) error { ran = true; return nil })

	done := make(chan struct{})
	go func() {
		r.Close()
		r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return")
	}
	if err := <-stopped; !errors.Is(err, context.Canceled) {
		t.Errorf("subscriber context error = %v, want context.Canceled", err)
	}
	if ran {
		t.Error("stage ran without Start")
	}
	if r.Context().Err() == nil {
		t.Error("runner context not cancelled")
	}
}
