// Package runner executes the batch: named stages run one after the other
// while stats subscribers consume the event stream concurrently.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/notesorter/stats"
)

type StageFunc func(context.Context) error

type stage struct {
	name string
	fn   StageFunc
}

type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stages      []stage
	subscribers []chan stats.Event

	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	started         bool
}

// New returns a runner bound to parent; cancelling parent stops the batch
// between files.
func New(parent context.Context, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// EmitEvent hands evt to every stats subscriber. Events emitted after the
// runner finished are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, ch := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats gives fn its own copy of the event stream. It must be
// called before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	events := make(chan stats.Event, 128)
	r.subscribers = append(r.subscribers, events)
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		err := fn(r.ctx, events)
		// a subscriber that gave up must not block EmitEvent
		for range events {
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// AddStage queues fn. Stages run in the order they were added.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start runs every stage in order and stops at the first stage error. It
// returns once all stats subscribers drained the event stream.
func (r *Runner) Start() error {
	if r.started {
		return fmt.Errorf("runner already started")
	}
	r.started = true
	since := time.Now()

	for _, s := range r.stages {
		if err := r.ctx.Err(); err != nil {
			r.fail(err)
			break
		}
		stageStart := time.Now()
		r.logger.Debug("stage started", "stage", s.name)
		if err := s.fn(r.ctx); err != nil {
			r.fail(fmt.Errorf("%s stage: %w", s.name, err))
			break
		}
		r.logger.Debug("stage finished", "stage", s.name, "duration", time.Since(stageStart))
	}

	r.closeEvents()
	r.statsWG.Wait()
	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(since)
	if err != nil {
		r.logger.Error("batch failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("batch completed", "duration", duration)
	return nil
}

// Close ends a runner that is not going to be started: the context is
// cancelled and every stats subscriber is stopped. Calling it after Start
// is a no-op.
func (r *Runner) Close() {
	r.cancel()
	r.closeEvents()
	r.statsWG.Wait()
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
}
