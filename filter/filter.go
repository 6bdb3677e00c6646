// Package filter decides which messages are harvested for attachments, using
// regular expressions over the raw header and body text.
package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration. Include and exclude patterns
// are mutually exclusive.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

type Mode string

const (
	ModeNone    Mode = "none"
	ModeInclude Mode = "include"
	ModeExclude Mode = "exclude"
)

// Verdict is the outcome of Check. Pattern names the expression that decided
// it, empty when no pattern matched.
type Verdict struct {
	Allowed bool
	Pattern string
}

// PatternStat counts how many messages a single pattern matched.
type PatternStat struct {
	Pattern string
	Part    string
	Hits    int
}

type pattern struct {
	re   *regexp.Regexp
	part string
	hits int
}

// Filter holds compiled patterns. It is safe for concurrent use.
type Filter struct {
	mode     Mode
	header   []*pattern
	body     []*pattern
	mu       sync.Mutex
	checked  int
	rejected int
}

func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader, "header")
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody, "body")
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader, "header")
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody, "body")
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	switch {
	case includeActive && excludeActive:
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	case includeActive:
		return &Filter{mode: ModeInclude, header: includeHeader, body: includeBody}, nil
	case excludeActive:
		return &Filter{mode: ModeExclude, header: excludeHeader, body: excludeBody}, nil
	default:
		return &Filter{mode: ModeNone}, nil
	}
}

func (f *Filter) Mode() Mode {
	return f.mode
}

// NeedsHeader reports whether Check looks at the header text at all.
func (f *Filter) NeedsHeader() bool {
	return len(f.header) > 0
}

// NeedsBody reports whether Check looks at the body text. Remote sources use
// it to avoid downloading message text that no pattern reads.
func (f *Filter) NeedsBody() bool {
	return len(f.body) > 0
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	return f.Check(header, body).Allowed
}

// Check evaluates the message and records pattern hits.
func (f *Filter) Check(header, body []byte) Verdict {
	if f.mode == ModeNone {
		f.count(true)
		return Verdict{Allowed: true}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	hit := f.firstMatch(f.header, header)
	if hit == nil {
		hit = f.firstMatch(f.body, body)
	}

	verdict := Verdict{Allowed: f.mode == ModeExclude}
	if hit != nil {
		hit.hits++
		verdict = Verdict{Allowed: f.mode == ModeInclude, Pattern: hit.re.String()}
	}

	f.checked++
	if !verdict.Allowed {
		f.rejected++
	}
	return verdict
}

// Stats returns per-pattern hit counts plus totals.
func (f *Filter) Stats() (checked, rejected int, patterns []PatternStat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range append(append([]*pattern(nil), f.header...), f.body...) {
		patterns = append(patterns, PatternStat{Pattern: p.re.String(), Part: p.part, Hits: p.hits})
	}
	return f.checked, f.rejected, patterns
}

func (f *Filter) count(allowed bool) {
	f.mu.Lock()
	f.checked++
	if !allowed {
		f.rejected++
	}
	f.mu.Unlock()
}

func (f *Filter) firstMatch(patterns []*pattern, text []byte) *pattern {
	if len(patterns) == 0 || len(text) == 0 {
		return nil
	}
	for _, p := range patterns {
		if p.re.Match(text) {
			return p
		}
	}
	return nil
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string, part string) ([]*pattern, error) {
	compiled := make([]*pattern, 0, len(patterns))
	for _, expr := range patterns {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", expr, err)
		}
		compiled = append(compiled, &pattern{re: re, part: part})
	}
	return compiled, nil
}
