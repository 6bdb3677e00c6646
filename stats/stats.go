package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageFetch      Stage = "fetch"
	StageStage      Stage = "stage"
	StageDistribute Stage = "distribute"
)

type EventType string

const (
	EventTypeScanned     EventType = "scanned"
	EventTypeStaged      EventType = "staged"
	EventTypeDuplicate   EventType = "duplicate"
	EventTypeCopied      EventType = "copied"
	EventTypeMatched     EventType = "matched"
	EventTypeDistributed EventType = "distributed"
	EventTypeRetained    EventType = "retained"
	EventTypeSkipped     EventType = "skipped"
	EventTypeError       EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Item   string
	Err    error
	Detail string
}

// Emitter accepts events; components hold one so they can run with or
// without a stats pipeline attached.
type Emitter interface {
	EmitEvent(evt Event)
}

type Summary struct {
	Scanned     int
	Staged      int
	Duplicates  int
	Copied      int
	Matched     int
	Distributed int
	Retained    int
	Skipped     int
	Errors      int
	LastError   error
	Keywords    map[string]int
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"staged", s.Staged,
		"duplicates", s.Duplicates,
		"copied", s.Copied,
		"matched", s.Matched,
		"distributed", s.Distributed,
		"retained", s.Retained,
		"skipped", s.Skipped,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{Keywords: map[string]int{}}}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	summary.Keywords = make(map[string]int, len(c.summary.Keywords))
	for k, v := range c.summary.Keywords {
		summary.Keywords[k] = v
	}
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeStaged:
		c.summary.Staged++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeCopied:
		c.summary.Copied++
	case EventTypeMatched:
		c.summary.Matched++
		if evt.Detail != "" {
			c.summary.Keywords[evt.Detail]++
		}
	case EventTypeDistributed:
		c.summary.Distributed++
	case EventTypeRetained:
		c.summary.Retained++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value == pairs[j].Value {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Printf("%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
